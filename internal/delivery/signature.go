package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/AxonStream/core/pkg/models"
)

// SignatureHeader carries the payload HMAC on outbound webhook requests.
const SignatureHeader = "X-Webhook-Signature"

// envelopeEvent is the wire shape of the event half of a webhook body.
type envelopeEvent struct {
	ID             string            `json:"id"`
	EventType      string            `json:"eventType"`
	Channel        string            `json:"channel"`
	Payload        json.RawMessage   `json:"payload"`
	OrganizationID string            `json:"organizationId"`
	UserID         string            `json:"userId,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// envelopeDelivery identifies one delivery attempt inside the body.
type envelopeDelivery struct {
	ID        string    `json:"id"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the webhook request body. It is marshaled exactly once per
// attempt; the signature covers those same bytes.
type Envelope struct {
	Event    envelopeEvent    `json:"event"`
	Delivery envelopeDelivery `json:"delivery"`
}

// EncodeEnvelope builds and serializes the webhook body for one attempt.
func EncodeEnvelope(ev *models.Event, deliveryID string, attempt int, now time.Time) ([]byte, error) {
	env := Envelope{
		Event: envelopeEvent{
			ID:             ev.ID,
			EventType:      ev.Type,
			Channel:        ev.Channel,
			Payload:        ev.Payload,
			OrganizationID: ev.OrgID,
			UserID:         ev.SourceUserID,
			CreatedAt:      ev.CreatedAt,
			Metadata:       ev.Metadata,
		},
		Delivery: envelopeDelivery{
			ID:        deliveryID,
			Attempt:   attempt,
			Timestamp: now,
		},
	}
	return json.Marshal(env)
}

// Sign computes the signature header value for a request body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the body.
// Comparison is constant-time.
func VerifySignature(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(header))
}
