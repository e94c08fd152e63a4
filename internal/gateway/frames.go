package gateway

import (
	"encoding/json"
	"time"

	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/models"
)

// Client frame actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPublish     = "publish"
	ActionPing        = "ping"
)

// Publish delivery modes. At-least-once (the default) goes through the
// durable stream; at-most-once fans out to live subscribers only.
const (
	DeliveryAtLeastOnce = "at-least-once"
	DeliveryAtMostOnce  = "at-most-once"
)

// Server frame types.
const (
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameAck          = "ack"
	FramePong         = "pong"
	FrameEvent        = "event"
	FrameError        = "error"
)

// ClientFrame is one inbound WebSocket message. Fields beyond Action apply
// per action; unknown actions get an error frame back.
type ClientFrame struct {
	Action        string          `json:"action"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Channels      []string        `json:"channels,omitempty"`
	ReplayFrom    string          `json:"replay_from,omitempty"`
	ReplayCount   int64           `json:"replay_count,omitempty"`
	Filter        string          `json:"filter,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	Type          string          `json:"type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Delivery      string          `json:"delivery,omitempty"`
	PartitionKey  string          `json:"partition_key,omitempty"`
}

// ServerFrame is one outbound WebSocket message.
type ServerFrame struct {
	Type          string        `json:"type"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Channels      []string      `json:"channels,omitempty"`
	EventID       string        `json:"event_id,omitempty"`
	Event         *models.Event `json:"event,omitempty"`
	Code          string        `json:"code,omitempty"`
	Message       string        `json:"message,omitempty"`
	RetryAfterMS  int64         `json:"retry_after_ms,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// errorFrame maps an error to its client-visible shape. Internal detail never
// leaves the server; the client sees the code and the typed message only.
func errorFrame(correlationID string, err error) ServerFrame {
	frame := ServerFrame{
		Type:          FrameError,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
	if typed, ok := errs.As(err); ok {
		frame.Code = string(typed.Code)
		frame.Message = typed.Message
		frame.RetryAfterMS = typed.RetryAfter.Milliseconds()
		return frame
	}
	frame.Code = string(errs.CodeInternal)
	frame.Message = "internal error"
	return frame
}
