// Package webhooks is the HTTP configuration surface for delivery endpoints.
// Every query is scoped to the authenticated identity's organization.
package webhooks

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AxonStream/core/internal/delivery/templates"
	"github.com/AxonStream/core/internal/store"
	"github.com/AxonStream/core/pkg/auth"
	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/logging"
	"github.com/AxonStream/core/pkg/models"
)

// Audit actions recorded by the configuration API.
const (
	AuditEndpointCreated     = "WEBHOOK_CREATED"
	AuditEndpointUpdated     = "WEBHOOK_UPDATED"
	AuditEndpointDeactivated = "WEBHOOK_DEACTIVATED"
)

// AuditSink receives configuration change records.
type AuditSink interface {
	Emit(record models.AuditRecord)
}

// Handlers serves the webhook configuration API.
type Handlers struct {
	store  *store.Store
	audit  AuditSink
	logger logging.Logger
}

// NewHandlers creates the configuration API handlers.
func NewHandlers(st *store.Store, audit AuditSink, logger logging.Logger) *Handlers {
	return &Handlers{store: st, audit: audit, logger: logger}
}

// RegisterRoutes mounts the API on a router group.
func (h *Handlers) RegisterRoutes(r gin.IRoutes) {
	r.POST("/webhooks", h.Create)
	r.GET("/webhooks", h.List)
	r.GET("/webhooks/templates", h.ListTemplates)
	r.GET("/webhooks/templates/:template_id", h.GetTemplate)
	r.POST("/webhooks/from-template/:template_id", h.CreateFromTemplate)
	r.GET("/webhooks/:id", h.Get)
	r.PUT("/webhooks/:id", h.Update)
	r.DELETE("/webhooks/:id", h.Delete)
	r.GET("/webhooks/:id/deliveries", h.ListDeliveries)
}

// endpointRequest is the client-facing endpoint shape. Timeout and delays are
// milliseconds on the wire.
type endpointRequest struct {
	Name      string                `json:"name" binding:"required"`
	URL       string                `json:"url" binding:"required"`
	Method    string                `json:"method"`
	Headers   map[string]string     `json:"headers"`
	Secret    string                `json:"secret"`
	TimeoutMS int64                 `json:"timeout_ms"`
	Retry     *retryRequest         `json:"retry_policy"`
	Semantics string                `json:"semantics"`
	Filter    models.EndpointFilter `json:"filter"`
}

type retryRequest struct {
	MaxRetries  int    `json:"max_retries"`
	Strategy    string `json:"backoff_strategy"`
	BaseDelayMS int64  `json:"base_delay_ms"`
	MaxDelayMS  int64  `json:"max_delay_ms"`
	Jitter      bool   `json:"jitter"`
}

func (r *endpointRequest) apply(ep *models.DeliveryEndpoint) error {
	if !strings.HasPrefix(r.URL, "http://") && !strings.HasPrefix(r.URL, "https://") {
		return errs.Invalid("url must be http or https")
	}
	ep.Name = r.Name
	ep.URL = r.URL
	ep.Method = r.Method
	if ep.Method == "" {
		ep.Method = http.MethodPost
	}
	ep.Headers = r.Headers
	if r.Secret != "" {
		ep.Secret = r.Secret
	}
	ep.Timeout = clampTimeout(time.Duration(r.TimeoutMS) * time.Millisecond)
	switch models.DeliverySemantics(r.Semantics) {
	case models.AtLeastOnce, models.AtMostOnce, models.ExactlyOnce:
		ep.Semantics = models.DeliverySemantics(r.Semantics)
	case "":
		ep.Semantics = models.AtLeastOnce
	default:
		return errs.Invalid("unknown delivery semantics")
	}
	if r.Retry != nil {
		switch models.BackoffStrategy(r.Retry.Strategy) {
		case models.BackoffExponential, models.BackoffLinear, models.BackoffFixed, "":
		default:
			return errs.Invalid("unknown backoff strategy")
		}
		ep.Retry = models.RetryPolicy{
			MaxRetries: r.Retry.MaxRetries,
			Strategy:   models.BackoffStrategy(r.Retry.Strategy),
			BaseDelay:  time.Duration(r.Retry.BaseDelayMS) * time.Millisecond,
			MaxDelay:   time.Duration(r.Retry.MaxDelayMS) * time.Millisecond,
			Jitter:     r.Retry.Jitter,
		}
	}
	ep.Filter = r.Filter
	return nil
}

// clampTimeout bounds a per-attempt timeout to the platform limits.
func clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return models.DefaultEndpointTimeout
	}
	if d > models.MaxEndpointTimeout {
		return models.MaxEndpointTimeout
	}
	return d
}

func (h *Handlers) identity(c *gin.Context) (*auth.Identity, bool) {
	id, ok := auth.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return nil, false
	}
	return id, true
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if typed, ok := errs.As(err); ok {
		c.JSON(status, gin.H{"error": typed.Message, "code": typed.Code})
		return
	}
	h.logger.WithError(err).Error("Webhook API failure")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func (h *Handlers) record(id *auth.Identity, action, resource string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(models.AuditRecord{
		OrgID:    id.OrgID,
		ActorID:  id.UserID,
		Action:   action,
		Resource: resource,
		Severity: models.SeverityInfo,
	})
}

// Create registers a new delivery endpoint.
func (h *Handlers) Create(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var req endpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ep := &models.DeliveryEndpoint{OrgID: id.OrgID, Active: true}
	if err := req.apply(ep); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.store.CreateEndpoint(c.Request.Context(), ep); err != nil {
		h.fail(c, err)
		return
	}
	h.record(id, AuditEndpointCreated, "endpoint:"+ep.ID)
	c.JSON(http.StatusCreated, ep)
}

// List returns the organization's endpoints.
func (h *Handlers) List(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	endpoints, err := h.store.ListEndpoints(c.Request.Context(), id.OrgID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": endpoints})
}

// Get returns one endpoint.
func (h *Handlers) Get(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	ep, err := h.store.GetEndpoint(c.Request.Context(), id.OrgID, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if ep == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
		return
	}
	c.JSON(http.StatusOK, ep)
}

// Update rewrites one endpoint.
func (h *Handlers) Update(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	existing, err := h.store.GetEndpoint(c.Request.Context(), id.OrgID, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if existing == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
		return
	}
	var req endpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.apply(existing); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.store.UpdateEndpoint(c.Request.Context(), existing); err != nil {
		h.fail(c, err)
		return
	}
	h.record(id, AuditEndpointUpdated, "endpoint:"+existing.ID)
	c.JSON(http.StatusOK, existing)
}

// Delete soft-deletes an endpoint. Pending deliveries dead-letter with the
// deactivation reason rather than vanish.
func (h *Handlers) Delete(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	if err := h.store.DeactivateEndpoint(c.Request.Context(), id.OrgID, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	h.record(id, AuditEndpointDeactivated, "endpoint:"+c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// ListDeliveries returns recent delivery receipts for one endpoint.
func (h *Handlers) ListDeliveries(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	receipts, err := h.store.ListEndpointReceipts(c.Request.Context(), id.OrgID, c.Param("id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": receipts})
}

// ListTemplates returns the built-in templates.
func (h *Handlers) ListTemplates(c *gin.Context) {
	if _, ok := h.identity(c); !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates.List()})
}

// GetTemplate returns one template.
func (h *Handlers) GetTemplate(c *gin.Context) {
	if _, ok := h.identity(c); !ok {
		return
	}
	t := templates.Get(c.Param("template_id"))
	if t == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "template not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// CreateFromTemplate instantiates a template into a live endpoint.
func (h *Handlers) CreateFromTemplate(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var req struct {
		Variables map[string]string `json:"variables"`
		Name      string            `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ep, err := templates.Instantiate(c.Param("template_id"), req.Variables)
	if err != nil {
		h.fail(c, err)
		return
	}
	ep.OrgID = id.OrgID
	if req.Name != "" {
		ep.Name = req.Name
	}
	ep.Timeout = clampTimeout(ep.Timeout)
	if err := h.store.CreateEndpoint(c.Request.Context(), ep); err != nil {
		h.fail(c, err)
		return
	}
	h.record(id, AuditEndpointCreated, "endpoint:"+ep.ID)
	c.JSON(http.StatusCreated, ep)
}
