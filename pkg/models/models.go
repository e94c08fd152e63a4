package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Organization is the tenant root and isolation boundary.
type Organization struct {
	ID        string    `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"`
	Limits    OrgLimits `json:"limits" db:"limits"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// OrgLimits are the admin-mutable resource ceilings for an organization.
type OrgLimits struct {
	MaxUsers         int   `json:"max_users" db:"max_users"`
	MaxConnections   int   `json:"max_connections" db:"max_connections"`
	MaxEventsPerHour int   `json:"max_events_per_hour" db:"max_events_per_hour"`
	MaxChannels      int   `json:"max_channels" db:"max_channels"`
	MaxStorageBytes  int64 `json:"max_storage_bytes" db:"max_storage_bytes"`
	MaxAPICallsHour  int   `json:"max_api_calls_hour" db:"max_api_calls_hour"`
}

// Session is one live client connection tracked cluster-wide.
type Session struct {
	ID            string    `json:"id"`
	OrgID         string    `json:"org_id"`
	UserID        string    `json:"user_id"`
	ServerID      string    `json:"server_id"`
	SocketID      string    `json:"socket_id"`
	ClientType    string    `json:"client_type"`
	Channels      []string  `json:"channels"`
	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Server is a gateway node's registry record.
type Server struct {
	ID            string     `json:"id"`
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	Protocol      string     `json:"protocol"`
	Version       string     `json:"version"`
	StartedAt     time.Time  `json:"started_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Load          ServerLoad `json:"load"`
}

// ServerLoad is the utilization snapshot a node reports on heartbeat.
type ServerLoad struct {
	Connections    int     `json:"connections"`
	MaxConnections int     `json:"max_connections"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemPercent     float64 `json:"mem_percent"`
}

// ConnectionLoad returns the connection utilization in [0,1].
func (l ServerLoad) ConnectionLoad() float64 {
	if l.MaxConnections <= 0 {
		return 0
	}
	return float64(l.Connections) / float64(l.MaxConnections)
}

// Event is one immutable append to the stream.
type Event struct {
	ID            string            `json:"id"`
	OrgID         string            `json:"org_id"`
	Channel       string            `json:"channel"`
	Type          string            `json:"type"`
	Payload       json.RawMessage   `json:"payload"`
	SourceUserID  string            `json:"source_user_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	AttemptCount  int               `json:"attempt_count,omitempty"`
}

// DeliverySemantics declares an endpoint's delivery contract.
type DeliverySemantics string

const (
	AtLeastOnce DeliverySemantics = "at-least-once"
	AtMostOnce  DeliverySemantics = "at-most-once"
	ExactlyOnce DeliverySemantics = "exactly-once"
)

// BackoffStrategy selects how attempt delays grow.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
)

// RetryPolicy configures delivery attempts for one endpoint.
type RetryPolicy struct {
	MaxRetries int             `json:"max_retries"`
	Strategy   BackoffStrategy `json:"backoff_strategy"`
	BaseDelay  time.Duration   `json:"base_delay"`
	MaxDelay   time.Duration   `json:"max_delay"`
	Jitter     bool            `json:"jitter"`
}

// FilterCondition is one predicate inside a compound endpoint filter.
type FilterCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // equals, contains, startsWith, endsWith, regex, gt, lt
	Value    string `json:"value"`
}

// EndpointFilter decides which events an endpoint receives. Zero value
// matches every event of the endpoint's organization.
type EndpointFilter struct {
	EventTypes []string          `json:"event_types,omitempty"`
	Channels   []string          `json:"channels,omitempty"`
	PayloadEq  map[string]string `json:"payload_eq,omitempty"`
	Logic      string            `json:"logic,omitempty"` // "and" (default) or "or"
	Conditions []FilterCondition `json:"conditions,omitempty"`
}

// Per-attempt delivery timeout bounds. Endpoints configure their own timeout
// within them.
const (
	DefaultEndpointTimeout = 10 * time.Second
	MaxEndpointTimeout     = 60 * time.Second
)

// DeliveryEndpoint is a webhook destination.
type DeliveryEndpoint struct {
	ID        string            `json:"id" db:"id"`
	OrgID     string            `json:"org_id" db:"org_id"`
	Name      string            `json:"name" db:"name"`
	URL       string            `json:"url" db:"url"`
	Method    string            `json:"method" db:"method"`
	Headers   map[string]string `json:"headers,omitempty" db:"headers"`
	Secret    string            `json:"-" db:"secret"`
	Timeout   time.Duration     `json:"timeout" db:"timeout"`
	Retry     RetryPolicy       `json:"retry_policy" db:"retry_policy"`
	Semantics DeliverySemantics `json:"semantics" db:"semantics"`
	Filter    EndpointFilter    `json:"filter" db:"filter"`
	Active    bool              `json:"active" db:"active"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

// Receipt statuses.
const (
	ReceiptPending   = "pending"
	ReceiptSucceeded = "succeeded"
	ReceiptFailed    = "failed"
	ReceiptDead      = "dead"
)

// DeliveryReceipt records the outcome of delivering one event to one endpoint.
type DeliveryReceipt struct {
	ID             string        `json:"id" db:"id"`
	EventID        string        `json:"event_id" db:"event_id"`
	EndpointID     string        `json:"endpoint_id" db:"endpoint_id"`
	OrgID          string        `json:"org_id" db:"org_id"`
	Status         string        `json:"status" db:"status"`
	Attempts       int           `json:"attempts" db:"attempts"`
	FirstAttemptAt time.Time     `json:"first_attempt_at" db:"first_attempt_at"`
	LastAttemptAt  time.Time     `json:"last_attempt_at" db:"last_attempt_at"`
	ResponseCode   int           `json:"response_code,omitempty" db:"response_code"`
	ResponseTime   time.Duration `json:"response_time,omitempty" db:"response_time"`
	Error          string        `json:"error,omitempty" db:"error"`
	Reason         string        `json:"reason,omitempty" db:"reason"`
	Reconciled     bool          `json:"reconciled,omitempty" db:"reconciled"`
}

// Terminal reports whether the receipt can no longer change.
func (r *DeliveryReceipt) Terminal() bool {
	return r.Status == ReceiptSucceeded || r.Status == ReceiptDead
}

// Audit severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// AuditRecord is an append-only security-relevant action record.
type AuditRecord struct {
	ID        string    `json:"id" db:"id"`
	OrgID     string    `json:"org_id" db:"org_id"`
	ActorID   string    `json:"actor_id" db:"actor_id"`
	Action    string    `json:"action" db:"action"`
	Resource  string    `json:"resource" db:"resource"`
	Before    string    `json:"before,omitempty" db:"before_state"`
	After     string    `json:"after,omitempty" db:"after_state"`
	Severity  string    `json:"severity" db:"severity"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// ChannelPrefix returns the fully-qualified channel prefix for an organization.
func ChannelPrefix(orgID string) string {
	return fmt.Sprintf("org:%s:", orgID)
}

// ChannelAllowed reports whether a channel name belongs to the organization.
func ChannelAllowed(orgID, channel string) bool {
	prefix := ChannelPrefix(orgID)
	return strings.HasPrefix(channel, prefix) && len(channel) > len(prefix)
}
