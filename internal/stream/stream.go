// Package stream provides the durable, per-organization partitioned event log.
// Events live in Redis Streams: one stream per (org, channel) for replay, plus
// a cluster-wide fan-in stream consumed by the delivery engine as a consumer
// group.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/logging"
	"github.com/AxonStream/core/pkg/models"
	pkgredis "github.com/AxonStream/core/pkg/redis"
)

const (
	DefaultMaxLen            = 10000
	DefaultMaxPayloadBytes   = 1 << 20 // 1 MiB
	DefaultBlock             = 5 * time.Second
	DefaultVisibilityTimeout = 30 * time.Second
)

// QuotaFunc returns the per-hour event quota for an organization. A zero
// return means unlimited.
type QuotaFunc func(ctx context.Context, orgID string) (int, error)

// Config configures the event stream.
type Config struct {
	MaxLen            int64
	MaxPayloadBytes   int
	Block             time.Duration
	VisibilityTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxLen <= 0 {
		out.MaxLen = DefaultMaxLen
	}
	if out.MaxPayloadBytes <= 0 {
		out.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if out.Block <= 0 {
		out.Block = DefaultBlock
	}
	if out.VisibilityTimeout <= 0 {
		out.VisibilityTimeout = DefaultVisibilityTimeout
	}
	return out
}

// Stream is the append-only event log.
type Stream struct {
	client goredis.UniversalClient
	keys   pkgredis.Keyspace
	cfg    Config
	quota  QuotaFunc
	logger logging.Logger
}

// New creates a Stream. quota may be nil to disable quota enforcement.
func New(client goredis.UniversalClient, keys pkgredis.Keyspace, cfg Config, quota QuotaFunc, logger logging.Logger) *Stream {
	return &Stream{
		client: client,
		keys:   keys,
		cfg:    cfg.withDefaults(),
		quota:  quota,
		logger: logger,
	}
}

// AppendInput carries the caller-supplied fields of a new event.
type AppendInput struct {
	OrgID         string
	Channel       string
	Type          string
	Payload       json.RawMessage
	SourceUserID  string
	CorrelationID string
	Metadata      map[string]string
}

// Append assigns a monotonic id, writes the record, and returns the id.
// The Redis stream id of the per-channel stream is the event id, so ids are
// monotonic within a channel and define per-channel ordering.
func (s *Stream) Append(ctx context.Context, in AppendInput) (string, error) {
	if in.OrgID == "" || in.Channel == "" || in.Type == "" {
		return "", errs.Invalid("org_id, channel, and type are required")
	}
	if len(in.Payload) > s.cfg.MaxPayloadBytes {
		return "", errs.Newf(errs.CodeInvalid, "payload exceeds %d bytes", s.cfg.MaxPayloadBytes).WithOrg(in.OrgID)
	}

	if s.quota != nil {
		limit, err := s.quota(ctx, in.OrgID)
		if err != nil {
			return "", errs.Unavailable("quota lookup failed").WithOrg(in.OrgID).WithCause(err)
		}
		if limit > 0 {
			if err := s.debitHourQuota(ctx, in.OrgID, limit); err != nil {
				return "", err
			}
		}
	}

	createdAt := time.Now().UTC()
	values := map[string]interface{}{
		"org_id":     in.OrgID,
		"channel":    in.Channel,
		"type":       in.Type,
		"payload":    string(in.Payload),
		"created_at": createdAt.Format(time.RFC3339Nano),
	}
	if in.SourceUserID != "" {
		values["source_user_id"] = in.SourceUserID
	}
	if in.CorrelationID != "" {
		values["correlation_id"] = in.CorrelationID
	}
	if len(in.Metadata) > 0 {
		meta, err := json.Marshal(in.Metadata)
		if err != nil {
			return "", errs.Invalid("metadata is not serializable").WithOrg(in.OrgID).WithCause(err)
		}
		values["metadata"] = string(meta)
	}

	eventID, err := s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.keys.Stream(in.OrgID, in.Channel),
		MaxLen: s.cfg.MaxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", errs.Unavailable("stream append failed").WithOrg(in.OrgID).WithCause(err)
	}

	// Mirror into the fan-in stream with the assigned id so consumer groups
	// see every event of the cluster in one place.
	fanIn := make(map[string]interface{}, len(values)+1)
	for k, v := range values {
		fanIn[k] = v
	}
	fanIn["event_id"] = eventID
	if err := s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.keys.FanInStream(),
		MaxLen: s.cfg.MaxLen,
		Approx: true,
		Values: fanIn,
	}).Err(); err != nil {
		return "", errs.Unavailable("fan-in append failed").WithOrg(in.OrgID).WithCause(err)
	}

	return eventID, nil
}

// debitHourQuota increments the hourly event counter and rejects on overflow.
// The counter stays incremented on rejection; the bucket TTL resets it.
func (s *Stream) debitHourQuota(ctx context.Context, orgID string, limit int) error {
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	key := s.keys.QuotaCounter(orgID, "events", bucket)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return errs.Unavailable("quota counter failed").WithOrg(orgID).WithCause(err)
	}
	if count == 1 {
		s.client.Expire(ctx, key, 2*time.Hour)
	}
	if count > int64(limit) {
		return errs.Newf(errs.CodeQuotaExceeded, "hourly event quota of %d exhausted", limit).WithOrg(orgID)
	}
	return nil
}

// Read returns up to max events with id > fromID, oldest first. An empty
// fromID reads from the beginning.
func (s *Stream) Read(ctx context.Context, orgID, channel, fromID string, max int64) ([]models.Event, error) {
	start := "-"
	if fromID != "" {
		start = "(" + fromID
	}
	if max <= 0 {
		max = 100
	}

	msgs, err := s.client.XRangeN(ctx, s.keys.Stream(orgID, channel), start, "+", max).Result()
	if err != nil {
		return nil, errs.Unavailable("stream read failed").WithOrg(orgID).WithCause(err)
	}

	events := make([]models.Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := eventFromValues(msg.ID, msg.Values)
		if err != nil {
			s.logger.WithError(err).WithField("stream_id", msg.ID).Warn("Skipping malformed stream entry")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// ConsumedEvent pairs an event with the fan-in entry that delivered it.
// StreamID is what Ack takes; it is distinct from the event id because the
// fan-in stream assigns its own sequence.
type ConsumedEvent struct {
	Event    models.Event
	StreamID string
}

// EnsureGroup creates the consumer group on the fan-in stream if absent.
func (s *Stream) EnsureGroup(ctx context.Context, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, s.keys.FanInStream(), group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Consume blocks until events arrive or the block timeout elapses and returns
// up to max events for the named consumer.
func (s *Stream) Consume(ctx context.Context, group, consumer string, max int64) ([]ConsumedEvent, error) {
	if max <= 0 {
		max = 10
	}

	res, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.keys.FanInStream(), ">"},
		Count:    max,
		Block:    s.cfg.Block,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, errs.Unavailable("stream consume failed").WithCause(err)
	}

	var out []ConsumedEvent
	for _, str := range res {
		for _, msg := range str.Messages {
			ev, err := eventFromValues(msg.ID, msg.Values)
			if err != nil {
				// Malformed entries are acked away so they stop redelivering.
				s.logger.WithError(err).WithField("stream_id", msg.ID).Warn("Acking malformed fan-in entry")
				s.client.XAck(ctx, s.keys.FanInStream(), group, msg.ID)
				continue
			}
			out = append(out, ConsumedEvent{Event: ev, StreamID: msg.ID})
		}
	}
	return out, nil
}

// Claim re-delivers entries that have been pending longer than the visibility
// timeout, e.g. after a consumer crash.
func (s *Stream) Claim(ctx context.Context, group, consumer string, max int64) ([]ConsumedEvent, error) {
	if max <= 0 {
		max = 10
	}

	msgs, _, err := s.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   s.keys.FanInStream(),
		Group:    group,
		Consumer: consumer,
		MinIdle:  s.cfg.VisibilityTimeout,
		Start:    "0",
		Count:    max,
	}).Result()
	if err != nil {
		return nil, errs.Unavailable("stream claim failed").WithCause(err)
	}

	var out []ConsumedEvent
	for _, msg := range msgs {
		ev, err := eventFromValues(msg.ID, msg.Values)
		if err != nil {
			s.client.XAck(ctx, s.keys.FanInStream(), group, msg.ID)
			continue
		}
		out = append(out, ConsumedEvent{Event: ev, StreamID: msg.ID})
	}
	return out, nil
}

// Ack marks a consumed fan-in entry done for the group.
func (s *Stream) Ack(ctx context.Context, group, streamID string) error {
	if err := s.client.XAck(ctx, s.keys.FanInStream(), group, streamID).Err(); err != nil {
		return errs.Unavailable("stream ack failed").WithCause(err)
	}
	return nil
}

// Trim enforces retention on the fan-in stream. Per-channel streams are
// trimmed on append.
func (s *Stream) Trim(ctx context.Context, maxLen int64) error {
	if maxLen <= 0 {
		maxLen = s.cfg.MaxLen
	}
	if err := s.client.XTrimMaxLenApprox(ctx, s.keys.FanInStream(), maxLen, 0).Err(); err != nil {
		return errs.Unavailable("stream trim failed").WithCause(err)
	}
	return nil
}

func eventFromValues(id string, values map[string]interface{}) (models.Event, error) {
	ev := models.Event{ID: id}
	if v, ok := values["event_id"].(string); ok && v != "" {
		ev.ID = v
	}

	str := func(key string) string {
		if v, ok := values[key].(string); ok {
			return v
		}
		return ""
	}

	ev.OrgID = str("org_id")
	ev.Channel = str("channel")
	ev.Type = str("type")
	ev.SourceUserID = str("source_user_id")
	ev.CorrelationID = str("correlation_id")
	if payload := str("payload"); payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	if meta := str("metadata"); meta != "" {
		if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
			return ev, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if created := str("created_at"); created != "" {
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return ev, fmt.Errorf("decode created_at: %w", err)
		}
		ev.CreatedAt = ts
	}

	if ev.OrgID == "" || ev.Channel == "" || ev.Type == "" {
		return ev, fmt.Errorf("entry %s missing required fields", id)
	}
	return ev, nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
