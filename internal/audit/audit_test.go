package audit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/AxonStream/core/pkg/logging"
	"github.com/AxonStream/core/pkg/models"
)

type memStore struct {
	mu      sync.Mutex
	records []models.AuditRecord
}

func (s *memStore) InsertAudit(_ context.Context, record models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *memStore) all() []models.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}

type memFirehose struct {
	mu     sync.Mutex
	topics []string
	values [][]byte
}

func (f *memFirehose) Produce(_ context.Context, topic string, _, value []byte, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.values = append(f.values, value)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEmitWritesStoreAndFirehose(t *testing.T) {
	st := &memStore{}
	fh := &memFirehose{}
	e := NewEmitter(st, fh, "audit_events", nil, logging.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	e.Emit(models.AuditRecord{
		OrgID:    "org1",
		ActorID:  "user1",
		Action:   "EVENT_PUBLISH",
		Resource: "org:org1:chat",
		Severity: models.SeverityInfo,
	})

	waitFor(t, func() bool { return len(st.all()) == 1 })
	got := st.all()[0]
	if got.ID == "" {
		t.Fatal("record id was not assigned")
	}
	if got.Timestamp.IsZero() {
		t.Fatal("record timestamp was not assigned")
	}
	if got.Action != "EVENT_PUBLISH" || got.OrgID != "org1" {
		t.Fatalf("unexpected record: %+v", got)
	}

	waitFor(t, func() bool {
		fh.mu.Lock()
		defer fh.mu.Unlock()
		return len(fh.values) == 1
	})
	fh.mu.Lock()
	topic, value := fh.topics[0], fh.values[0]
	fh.mu.Unlock()
	if topic != "audit_events" {
		t.Fatalf("topic = %q", topic)
	}
	var mirrored models.AuditRecord
	if err := json.Unmarshal(value, &mirrored); err != nil {
		t.Fatalf("mirrored record does not decode: %v", err)
	}
	if mirrored.Action != "EVENT_PUBLISH" {
		t.Fatalf("mirrored action = %q", mirrored.Action)
	}

	cancel()
	<-done
}

func TestRunFlushesQueuedRecordsOnShutdown(t *testing.T) {
	st := &memStore{}
	e := NewEmitter(st, nil, "", nil, logging.NewLogger())

	for i := 0; i < 5; i++ {
		e.Emit(models.AuditRecord{OrgID: "org1", Action: "RATE_LIMITED"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Run(ctx); err != context.Canceled {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	if got := len(st.all()); got != 5 {
		t.Fatalf("flushed %d records, want 5", got)
	}
}

func TestEmitDropsWhenBufferFull(t *testing.T) {
	// No Run loop draining, so the buffer fills and overflow is dropped
	// without blocking the caller.
	e := NewEmitter(nil, nil, "", nil, logging.NewLogger())

	finished := make(chan struct{})
	go func() {
		for i := 0; i < defaultBuffer+10; i++ {
			e.Emit(models.AuditRecord{Action: "AUTH_FAILURE"})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}
	if len(e.records) != defaultBuffer {
		t.Fatalf("buffered %d records, want %d", len(e.records), defaultBuffer)
	}
}
