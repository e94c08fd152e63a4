// Package delivery is the guarantee engine: it consumes the fan-in event
// stream as a consumer group, matches events against the configured webhook
// endpoints, and delivers with per-endpoint retry, signing, and semantics.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/AxonStream/core/internal/stream"
	"github.com/AxonStream/core/pkg/logging"
	"github.com/AxonStream/core/pkg/models"
)

const (
	DefaultGroup          = "courier"
	DefaultBatchSize      = 16
	DefaultQueueThreshold = 10000
	DefaultRefreshEvery   = 30 * time.Second
	DefaultClaimEvery     = 15 * time.Second
	DefaultShutdownGrace  = 30 * time.Second
)

// Audit actions recorded by the engine.
const (
	ActionBackpressure = "DELIVERY_BACKPRESSURE"
	ActionDeadLetter   = "DELIVERY_DEAD_LETTER"
)

// EndpointSource loads the active endpoint set.
type EndpointSource interface {
	ListActiveEndpoints(ctx context.Context) ([]*models.DeliveryEndpoint, error)
}

// ReceiptStore persists per-attempt delivery receipts.
type ReceiptStore interface {
	UpsertReceipt(ctx context.Context, r *models.DeliveryReceipt) error
}

// AuditSink receives the engine's audit records.
type AuditSink interface {
	Emit(record models.AuditRecord)
}

// Config configures the engine.
type Config struct {
	Group          string
	Consumer       string
	BatchSize      int64
	QueueThreshold int
	RefreshEvery   time.Duration
	ClaimEvery     time.Duration
	ShutdownGrace  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Group == "" {
		out.Group = DefaultGroup
	}
	if out.Consumer == "" {
		out.Consumer = "courier-1"
	}
	if out.BatchSize <= 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.QueueThreshold <= 0 {
		out.QueueThreshold = DefaultQueueThreshold
	}
	if out.RefreshEvery <= 0 {
		out.RefreshEvery = DefaultRefreshEvery
	}
	if out.ClaimEvery <= 0 {
		out.ClaimEvery = DefaultClaimEvery
	}
	if out.ShutdownGrace <= 0 {
		out.ShutdownGrace = DefaultShutdownGrace
	}
	return out
}

// Metrics are the engine's counters. Any field may be nil.
type Metrics struct {
	Delivered  *prometheus.CounterVec // label: status
	Shed       prometheus.Counter
	QueueDepth *prometheus.GaugeVec // label: endpoint_id
}

type job struct {
	event    models.Event
	streamID string
}

type endpointWorker struct {
	queue chan job
}

// Engine consumes events and drives webhook delivery. Ordering holds per
// endpoint: one worker goroutine owns each endpoint's queue, so attempts for
// one endpoint never interleave while endpoints proceed in parallel.
type Engine struct {
	stream    *stream.Stream
	endpoints EndpointSource
	receipts  ReceiptStore
	ledger    *Ledger
	audit     AuditSink
	client    *http.Client
	metrics   Metrics
	logger    logging.Logger
	cfg       Config

	mu      sync.RWMutex
	active  map[string]*models.DeliveryEndpoint
	workers map[string]*endpointWorker
	wg      sync.WaitGroup
	workCtx context.Context
}

// New creates an Engine. ledger may be nil when no endpoint uses exactly-once
// semantics; audit may be nil.
func New(st *stream.Stream, endpoints EndpointSource, receipts ReceiptStore, ledger *Ledger, sink AuditSink, metrics Metrics, cfg Config, logger logging.Logger) *Engine {
	return &Engine{
		stream:    st,
		endpoints: endpoints,
		receipts:  receipts,
		ledger:    ledger,
		audit:     sink,
		client:    &http.Client{},
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		active:    make(map[string]*models.DeliveryEndpoint),
		workers:   make(map[string]*endpointWorker),
	}
}

// Run consumes until the context is canceled, then drains in-flight attempts
// within the shutdown grace period.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.stream.EnsureGroup(ctx, e.cfg.Group); err != nil {
		return err
	}
	if err := e.refreshEndpoints(ctx); err != nil {
		return fmt.Errorf("load endpoints: %w", err)
	}

	// Workers outlive ctx by the grace period so an in-flight HTTP attempt
	// can finish and record its outcome.
	workCtx, cancelWork := context.WithCancel(context.Background())
	e.workCtx = workCtx

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.consumeLoop(gctx) })
	g.Go(func() error { return e.claimLoop(gctx) })
	g.Go(func() error { return e.refreshLoop(gctx) })
	err := g.Wait()

	e.mu.Lock()
	for _, w := range e.workers {
		close(w.queue)
	}
	e.workers = make(map[string]*endpointWorker)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownGrace):
		e.logger.Warn("Delivery workers did not drain within grace period")
	}
	cancelWork()

	if err == context.Canceled {
		return nil
	}
	return err
}

func (e *Engine) consumeLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		events, err := e.stream.Consume(ctx, e.cfg.Group, e.cfg.Consumer, e.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.WithError(err).Warn("Stream consume failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, ev := range events {
			e.dispatch(ctx, ev)
		}
	}
}

func (e *Engine) claimLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ClaimEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			events, err := e.stream.Claim(ctx, e.cfg.Group, e.cfg.Consumer, e.cfg.BatchSize)
			if err != nil {
				e.logger.WithError(err).Warn("Stream claim failed")
				continue
			}
			for _, ev := range events {
				e.dispatch(ctx, ev)
			}
		}
	}
}

func (e *Engine) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.RefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.refreshEndpoints(ctx); err != nil {
				e.logger.WithError(err).Warn("Endpoint refresh failed")
			}
		}
	}
}

// refreshEndpoints swaps in the current active endpoint set. An endpoint that
// went inactive keeps its worker until the queue drains; the worker notices
// the deactivation per attempt.
func (e *Engine) refreshEndpoints(ctx context.Context) error {
	list, err := e.endpoints.ListActiveEndpoints(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]*models.DeliveryEndpoint, len(list))
	for _, ep := range list {
		next[ep.ID] = ep
	}
	e.mu.Lock()
	e.active = next
	e.mu.Unlock()
	return nil
}

// endpoint returns the current config for an id, or nil when deactivated.
func (e *Engine) endpoint(id string) *models.DeliveryEndpoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active[id]
}

// dispatch matches one event and enqueues a job per matched endpoint. The
// fan-in entry is acked once fan-out is decided; redelivery before ack is
// covered by the consumer group's pending-entry claim.
func (e *Engine) dispatch(ctx context.Context, consumed stream.ConsumedEvent) {
	e.mu.RLock()
	var matched []*models.DeliveryEndpoint
	for _, ep := range e.active {
		if Matches(ep, &consumed.Event) {
			matched = append(matched, ep)
		}
	}
	e.mu.RUnlock()

	for _, ep := range matched {
		e.enqueue(ep, job{event: consumed.Event, streamID: consumed.StreamID})
	}

	if err := e.stream.Ack(ctx, e.cfg.Group, consumed.StreamID); err != nil {
		e.logger.WithError(err).WithField("stream_id", consumed.StreamID).Warn("Stream ack failed")
	}
}

func (e *Engine) enqueue(ep *models.DeliveryEndpoint, j job) {
	e.mu.Lock()
	w, ok := e.workers[ep.ID]
	if !ok {
		w = &endpointWorker{queue: make(chan job, e.cfg.QueueThreshold)}
		e.workers[ep.ID] = w
		e.wg.Add(1)
		go e.runWorker(ep.ID, w)
	}
	e.mu.Unlock()

	select {
	case w.queue <- j:
		if e.metrics.QueueDepth != nil {
			e.metrics.QueueDepth.WithLabelValues(ep.ID).Set(float64(len(w.queue)))
		}
	default:
		// Queue beyond threshold: shed rather than stall every endpoint.
		if e.metrics.Shed != nil {
			e.metrics.Shed.Inc()
		}
		e.emitAudit(models.AuditRecord{
			OrgID:    ep.OrgID,
			Action:   ActionBackpressure,
			Resource: "endpoint:" + ep.ID,
			Severity: models.SeverityWarning,
		})
		e.logger.WithFields(logging.Fields{
			"endpoint_id": ep.ID,
			"event_id":    j.event.ID,
		}).Warn("Endpoint queue full, shedding event")
	}
}

func (e *Engine) runWorker(endpointID string, w *endpointWorker) {
	defer e.wg.Done()
	for j := range w.queue {
		if e.metrics.QueueDepth != nil {
			e.metrics.QueueDepth.WithLabelValues(endpointID).Set(float64(len(w.queue)))
		}
		e.deliver(e.workCtx, endpointID, j)
	}
}

// deliver runs the full attempt loop for one (event, endpoint) pair.
func (e *Engine) deliver(ctx context.Context, endpointID string, j job) {
	receipt := &models.DeliveryReceipt{
		EventID:        j.event.ID,
		EndpointID:     endpointID,
		OrgID:          j.event.OrgID,
		Status:         models.ReceiptPending,
		FirstAttemptAt: time.Now().UTC(),
	}

	ep := e.endpoint(endpointID)
	if ep == nil {
		e.finish(ctx, receipt, models.ReceiptDead, "deactivated")
		return
	}

	policy := ep.Retry
	if policy.MaxRetries == 0 && policy.BaseDelay == 0 {
		policy = DefaultRetryPolicy()
	}
	maxAttempts := policy.MaxRetries + 1
	if ep.Semantics == models.AtMostOnce {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Re-read the endpoint so a deactivation mid-retry stops the loop.
		ep = e.endpoint(endpointID)
		if ep == nil {
			e.finish(ctx, receipt, models.ReceiptDead, "deactivated")
			return
		}

		if ep.Semantics == models.ExactlyOnce && e.ledger != nil {
			state, err := e.ledger.Claim(ctx, j.event.ID, ep.ID, ep.Timeout)
			if err != nil {
				e.logger.WithError(err).Warn("Delivery claim failed, retrying")
				if !e.sleep(ctx, BackoffDelay(policy, attempt)) {
					e.finish(ctx, receipt, models.ReceiptDead, "shutdown")
					return
				}
				continue
			}
			switch state {
			case ClaimDone:
				receipt.Reconciled = true
				e.finish(ctx, receipt, models.ReceiptSucceeded, "reconciled")
				return
			case ClaimInFlight:
				if !e.sleep(ctx, BackoffDelay(policy, attempt)) {
					e.finish(ctx, receipt, models.ReceiptDead, "shutdown")
					return
				}
				continue
			}
		}

		receipt.Attempts = attempt
		receipt.LastAttemptAt = time.Now().UTC()
		code, took, err := e.attempt(ep, &j.event, attempt)
		receipt.ResponseCode = code
		receipt.ResponseTime = took

		if err == nil && code >= 200 && code < 300 {
			if ep.Semantics == models.ExactlyOnce && e.ledger != nil {
				if cerr := e.ledger.Complete(ctx, j.event.ID, ep.ID); cerr != nil {
					e.logger.WithError(cerr).Warn("Delivery ledger completion failed")
				}
			}
			receipt.Error = ""
			e.finish(ctx, receipt, models.ReceiptSucceeded, "")
			return
		}

		if err != nil {
			receipt.Error = err.Error()
		} else {
			receipt.Error = fmt.Sprintf("endpoint returned %d", code)
		}
		if ep.Semantics == models.ExactlyOnce && e.ledger != nil {
			if rerr := e.ledger.Release(ctx, j.event.ID, ep.ID); rerr != nil {
				e.logger.WithError(rerr).Warn("Delivery claim release failed")
			}
		}

		if attempt == maxAttempts {
			break
		}
		receipt.Status = models.ReceiptFailed
		e.record(ctx, receipt)
		if !e.sleep(ctx, BackoffDelay(policy, attempt)) {
			e.finish(ctx, receipt, models.ReceiptDead, "shutdown")
			return
		}
	}

	e.finish(ctx, receipt, models.ReceiptDead, "retries_exhausted")
	e.emitAudit(models.AuditRecord{
		OrgID:    j.event.OrgID,
		Action:   ActionDeadLetter,
		Resource: "endpoint:" + endpointID,
		After:    j.event.ID,
		Severity: models.SeverityWarning,
	})
}

// attempt performs one HTTP delivery. The request carries its own timeout
// rather than the worker context so shutdown does not abort mid-request.
func (e *Engine) attempt(ep *models.DeliveryEndpoint, ev *models.Event, attempt int) (int, time.Duration, error) {
	deliveryID := fmt.Sprintf("%s:%s:%d", ev.ID, ep.ID, attempt)
	body, err := EncodeEnvelope(ev, deliveryID, attempt, time.Now().UTC())
	if err != nil {
		return 0, 0, fmt.Errorf("encode envelope: %w", err)
	}

	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = models.DefaultEndpointTimeout
	}
	if timeout > models.MaxEndpointTimeout {
		timeout = models.MaxEndpointTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	method := ep.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "axonstream-courier/1.0")
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	if ep.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(ep.Secret, body))
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	took := time.Since(start)
	if err != nil {
		return 0, took, err
	}
	resp.Body.Close()
	return resp.StatusCode, took, nil
}

func (e *Engine) finish(ctx context.Context, receipt *models.DeliveryReceipt, status, reason string) {
	receipt.Status = status
	receipt.Reason = reason
	if receipt.LastAttemptAt.IsZero() {
		receipt.LastAttemptAt = time.Now().UTC()
	}
	e.record(ctx, receipt)
	if e.metrics.Delivered != nil {
		e.metrics.Delivered.WithLabelValues(status).Inc()
	}
}

func (e *Engine) record(ctx context.Context, receipt *models.DeliveryReceipt) {
	if e.receipts == nil {
		return
	}
	if err := e.receipts.UpsertReceipt(ctx, receipt); err != nil {
		e.logger.WithError(err).WithFields(logging.Fields{
			"event_id":    receipt.EventID,
			"endpoint_id": receipt.EndpointID,
		}).Error("Receipt write failed")
	}
}

func (e *Engine) emitAudit(record models.AuditRecord) {
	if e.audit != nil {
		e.audit.Emit(record)
	}
}

// sleep waits for d or until the context is canceled; it reports whether the
// full wait elapsed.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
