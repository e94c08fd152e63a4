package stream

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/logging"
	pkgredis "github.com/AxonStream/core/pkg/redis"
)

func testStream(t *testing.T, quota QuotaFunc) (*Stream, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, pkgredis.NewKeyspace("axon"), Config{}, quota, logging.NewLogger()), mr
}

func TestAppendAndReadOrdering(t *testing.T) {
	s, _ := testStream(t, nil)
	ctx := context.Background()

	var ids []string
	for _, msg := range []string{"one", "two", "three"} {
		payload, _ := json.Marshal(map[string]string{"msg": msg})
		id, err := s.Append(ctx, AppendInput{
			OrgID:   "org1",
			Channel: "org:org1:chat",
			Type:    "message.sent",
			Payload: payload,
		})
		if err != nil {
			t.Fatalf("Append(%s) failed: %v", msg, err)
		}
		ids = append(ids, id)
	}

	events, err := s.Read(ctx, "org1", "org:org1:chat", "", 10)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.ID != ids[i] {
			t.Fatalf("event %d out of order: got %s want %s", i, ev.ID, ids[i])
		}
	}

	// Resume after the first id returns only the later events.
	tail, err := s.Read(ctx, "org1", "org:org1:chat", ids[0], 10)
	if err != nil {
		t.Fatalf("Read from %s failed: %v", ids[0], err)
	}
	if len(tail) != 2 || tail[0].ID != ids[1] {
		t.Fatalf("expected events after %s, got %+v", ids[0], tail)
	}
}

func TestAppendValidatesInput(t *testing.T) {
	s, _ := testStream(t, nil)
	ctx := context.Background()

	if _, err := s.Append(ctx, AppendInput{OrgID: "org1", Channel: "c"}); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected INVALID for missing type, got %v", err)
	}

	big := make([]byte, DefaultMaxPayloadBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	payload, _ := json.Marshal(map[string]string{"blob": string(big)})
	_, err := s.Append(ctx, AppendInput{OrgID: "org1", Channel: "c", Type: "t", Payload: payload})
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected INVALID for oversized payload, got %v", err)
	}
}

func TestAppendEnforcesHourlyQuota(t *testing.T) {
	quota := func(ctx context.Context, orgID string) (int, error) { return 2, nil }
	s, _ := testStream(t, quota)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.Append(ctx, AppendInput{OrgID: "org1", Channel: "c", Type: "t"}); err != nil {
			t.Fatalf("append %d should be under quota: %v", i, err)
		}
	}
	_, err := s.Append(ctx, AppendInput{OrgID: "org1", Channel: "c", Type: "t"})
	if !errs.Is(err, errs.CodeQuotaExceeded) {
		t.Fatalf("expected QUOTA_EXCEEDED, got %v", err)
	}

	// Other organizations have their own bucket.
	if _, err := s.Append(ctx, AppendInput{OrgID: "org2", Channel: "c", Type: "t"}); err != nil {
		t.Fatalf("org2 should not share org1's quota: %v", err)
	}
}

func TestConsumeAndAck(t *testing.T) {
	s, _ := testStream(t, nil)
	ctx := context.Background()

	if err := s.EnsureGroup(ctx, "courier"); err != nil {
		t.Fatalf("EnsureGroup failed: %v", err)
	}
	// Creating the group twice is not an error.
	if err := s.EnsureGroup(ctx, "courier"); err != nil {
		t.Fatalf("EnsureGroup should tolerate BUSYGROUP: %v", err)
	}

	id, err := s.Append(ctx, AppendInput{OrgID: "org1", Channel: "org:org1:n", Type: "note.created"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	consumed, err := s.Consume(ctx, "courier", "worker-1", 10)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if len(consumed) != 1 {
		t.Fatalf("expected 1 consumed event, got %d", len(consumed))
	}
	if consumed[0].Event.ID != id {
		t.Fatalf("consumed event id %s, want %s", consumed[0].Event.ID, id)
	}
	if consumed[0].Event.Type != "note.created" {
		t.Fatalf("consumed event type %s", consumed[0].Event.Type)
	}

	if err := s.Ack(ctx, "courier", consumed[0].StreamID); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
}

func TestEventFromValuesRejectsIncomplete(t *testing.T) {
	_, err := eventFromValues("1-1", map[string]interface{}{"org_id": "org1"})
	if err == nil {
		t.Fatal("expected error for entry missing channel and type")
	}
}
