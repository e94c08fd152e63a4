// Package audit appends security-relevant action records. Records are written
// to the persistent store, mirrored to the Kafka firehose when configured,
// and logged. Emission is asynchronous so the frame hot path never blocks on
// audit durability.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AxonStream/core/pkg/logging"
	"github.com/AxonStream/core/pkg/models"
)

const defaultBuffer = 1024

// Store persists audit records.
type Store interface {
	InsertAudit(ctx context.Context, record models.AuditRecord) error
}

// Firehose mirrors audit records to the event warehouse.
type Firehose interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Emitter buffers and writes audit records.
type Emitter struct {
	store    Store
	firehose Firehose
	topic    string
	logger   logging.Logger

	records chan models.AuditRecord
	dropped prometheus.Counter
}

// NewEmitter creates an audit emitter. store may be nil (log-only), firehose
// may be nil (no Kafka mirror).
func NewEmitter(store Store, firehose Firehose, topic string, dropped prometheus.Counter, logger logging.Logger) *Emitter {
	return &Emitter{
		store:    store,
		firehose: firehose,
		topic:    topic,
		logger:   logger,
		records:  make(chan models.AuditRecord, defaultBuffer),
		dropped:  dropped,
	}
}

// Emit enqueues a record. When the buffer is full the record is dropped with
// a metric; audit must not stall the frame path.
func (e *Emitter) Emit(record models.AuditRecord) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	select {
	case e.records <- record:
	default:
		if e.dropped != nil {
			e.dropped.Inc()
		}
		e.logger.WithFields(logging.Fields{
			"action": record.Action,
			"org_id": record.OrgID,
		}).Warn("Audit buffer full, dropping record")
	}
}

// Run drains the buffer until the context is canceled, then flushes what is
// already queued within the grace period.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case record := <-e.records:
			e.write(ctx, record)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case record := <-e.records:
					e.write(flushCtx, record)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

func (e *Emitter) write(ctx context.Context, record models.AuditRecord) {
	entry := e.logger.WithFields(logging.Fields{
		"org_id":   record.OrgID,
		"actor_id": record.ActorID,
		"action":   record.Action,
		"resource": record.Resource,
	})
	switch record.Severity {
	case models.SeverityCritical, models.SeverityWarning:
		entry.Warn("Audit event")
	default:
		entry.Info("Audit event")
	}

	if e.store != nil {
		if err := e.store.InsertAudit(ctx, record); err != nil {
			e.logger.WithError(err).Error("Audit store write failed")
		}
	}

	if e.firehose != nil && e.topic != "" {
		value, err := json.Marshal(record)
		if err != nil {
			e.logger.WithError(err).Error("Audit record marshal failed")
			return
		}
		headers := map[string]string{"action": record.Action}
		if record.OrgID != "" {
			headers["org_id"] = record.OrgID
		}
		if err := e.firehose.Produce(ctx, e.topic, []byte(record.ID), value, headers); err != nil {
			e.logger.WithError(err).Warn("Audit firehose publish failed")
		}
	}
}
