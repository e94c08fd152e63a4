package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// Middleware validates bearer tokens on the configuration API and injects the
// verified identity into the request context. WebSocket upgrade requests pass
// through; the gateway authenticates them on the first frame exchange.
func Middleware(verifier *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Upgrade") == "websocket" &&
			strings.Contains(c.GetHeader("Connection"), "Upgrade") {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "error": "No authorization header"})
			c.Abort()
			return
		}

		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "error": "Invalid authorization header"})
			c.Abort()
			return
		}

		identity, err := verifier.Verify(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "error": "Invalid token"})
			c.Abort()
			return
		}

		SetIdentity(c, identity)
		c.Next()
	}
}

// SetIdentity attaches a verified identity to the request context. Handler
// tests use it in place of the middleware.
func SetIdentity(c *gin.Context, id *Identity) {
	c.Set(identityKey, id)
}

// IdentityFrom extracts the verified identity from a gin context.
func IdentityFrom(c *gin.Context) (*Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}
