package enforce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/core/pkg/auth"
	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/logging"
	"github.com/AxonStream/core/pkg/models"
	pkgredis "github.com/AxonStream/core/pkg/redis"
)

type recordingSink struct {
	mu      sync.Mutex
	records []models.AuditRecord
}

func (s *recordingSink) Emit(record models.AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

func (s *recordingSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.records))
	for i, r := range s.records {
		out[i] = r.Action
	}
	return out
}

func testEnforcer(t *testing.T, sink AuditSink) (*Enforcer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	keys := pkgredis.NewKeyspace("axon")
	defaults := models.OrgLimits{MaxEventsPerHour: 100, MaxAPICallsHour: 3}
	return New(client, keys, nil, sink, defaults, nil, logging.NewLogger()), mr
}

func identity(org string, perms ...string) *auth.Identity {
	return &auth.Identity{OrgID: org, UserID: "u1", Permissions: perms}
}

func TestAuthorizeChannelEnforcesOrgPrefix(t *testing.T) {
	sink := &recordingSink{}
	e, _ := testEnforcer(t, sink)
	id := identity("org1")

	if err := e.AuthorizeChannel(id, "org:org1:alerts"); err != nil {
		t.Fatalf("own-org channel should be allowed: %v", err)
	}
	err := e.AuthorizeChannel(id, "org:org2:alerts")
	if !errs.Is(err, errs.CodeForbidden) {
		t.Fatalf("expected FORBIDDEN for foreign channel, got %v", err)
	}
	if actions := sink.actions(); len(actions) != 1 || actions[0] != AuditUnauthorizedChannel {
		t.Fatalf("expected UNAUTHORIZED_CHANNEL audit, got %v", actions)
	}
}

func TestAuthorizeChannelRejectsBarePrefix(t *testing.T) {
	e, _ := testEnforcer(t, nil)
	if err := e.AuthorizeChannel(identity("org1"), "org:org1:"); err == nil {
		t.Fatal("bare prefix is not a channel")
	}
}

func TestRequirePermission(t *testing.T) {
	sink := &recordingSink{}
	e, _ := testEnforcer(t, sink)

	if err := e.RequirePermission(identity("org1", PermPublish), PermPublish); err != nil {
		t.Fatalf("granted permission rejected: %v", err)
	}
	if err := e.RequirePermission(identity("org1", "events:*"), PermPublish); err != nil {
		t.Fatalf("group wildcard rejected: %v", err)
	}
	if err := e.RequirePermission(identity("org1", "*"), PermPublish); err != nil {
		t.Fatalf("global wildcard rejected: %v", err)
	}

	err := e.RequirePermission(identity("org1"), PermPublish)
	if !errs.Is(err, errs.CodeForbidden) {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	if actions := sink.actions(); len(actions) != 1 || actions[0] != AuditPermissionDenied {
		t.Fatalf("expected PERMISSION_DENIED audit, got %v", actions)
	}
}

func TestConnLimiterWindow(t *testing.T) {
	l := NewConnLimiter(time.Minute, 3)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(now); !ok {
			t.Fatalf("message %d should pass", i)
		}
	}
	ok, retryAfter := l.Allow(now)
	if ok {
		t.Fatal("fourth message should be limited")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("retryAfter = %v", retryAfter)
	}

	// A fresh window resets the counter.
	if ok, _ := l.Allow(now.Add(time.Minute)); !ok {
		t.Fatal("message in the next window should pass")
	}
}

func TestTenantLimiterBurstThenWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	// Max 12 per minute gives a burst ceiling of 2 per burst window.
	limiter := NewTenantLimiter(client, pkgredis.NewKeyspace("axon"), nil, TenantLimitConfig{
		Window:      time.Minute,
		Max:         12,
		BurstWindow: 10 * time.Second,
	}, logging.NewLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := limiter.Allow(ctx, "org1"); err != nil {
			t.Fatalf("message %d should pass the burst window: %v", i, err)
		}
	}
	err := limiter.Allow(ctx, "org1")
	if !errs.Is(err, errs.CodeRateLimited) {
		t.Fatalf("expected RATE_LIMITED from burst ceiling, got %v", err)
	}

	// Another organization is unaffected.
	if err := limiter.Allow(ctx, "org2"); err != nil {
		t.Fatalf("org2 should have its own counters: %v", err)
	}
}

func TestTenantLimiterFailsOpenOnSubstrateOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	limiter := NewTenantLimiter(client, pkgredis.NewKeyspace("axon"), nil, TenantLimitConfig{}, logging.NewLogger())
	mr.Close()

	if err := limiter.Allow(context.Background(), "org1"); err != nil {
		t.Fatalf("limiter should fail open when the substrate is down: %v", err)
	}
}

func TestSubstrateHealthyTracksBreaker(t *testing.T) {
	guard := NewSubstrateGuard(GuardConfig{FailureThreshold: 1, ThresholdCapacity: 1}, logging.NewLogger())
	limiter := NewTenantLimiter(nil, pkgredis.NewKeyspace("axon"), guard, TenantLimitConfig{}, logging.NewLogger())
	e := New(nil, pkgredis.NewKeyspace("axon"), limiter, nil, models.OrgLimits{}, nil, logging.NewLogger())

	if !e.SubstrateHealthy() {
		t.Fatal("fresh breaker should report a healthy substrate")
	}

	// A single failure trips the one-slot threshold and opens the circuit.
	guard.Do(func() error { return context.DeadlineExceeded })
	if e.SubstrateHealthy() {
		t.Fatal("open breaker should report a degraded substrate")
	}
}

func TestSubstrateHealthyWithoutLimiter(t *testing.T) {
	e := New(nil, pkgredis.NewKeyspace("axon"), nil, nil, models.OrgLimits{}, nil, logging.NewLogger())
	if !e.SubstrateHealthy() {
		t.Fatal("missing limiter must not read as degraded")
	}
}

func TestDebitAPIQuota(t *testing.T) {
	sink := &recordingSink{}
	e, _ := testEnforcer(t, sink)
	ctx := context.Background()
	id := identity("org1")

	for i := 0; i < 3; i++ {
		if err := e.DebitAPIQuota(ctx, id); err != nil {
			t.Fatalf("call %d should be under quota: %v", i, err)
		}
	}
	err := e.DebitAPIQuota(ctx, id)
	if !errs.Is(err, errs.CodeQuotaExceeded) {
		t.Fatalf("expected QUOTA_EXCEEDED, got %v", err)
	}
	if actions := sink.actions(); len(actions) != 1 || actions[0] != AuditQuotaExceeded {
		t.Fatalf("expected QUOTA_EXCEEDED audit, got %v", actions)
	}
}

func TestEventQuotaUsesOrgLimits(t *testing.T) {
	e, _ := testEnforcer(t, nil)
	limit, err := e.EventQuota()(context.Background(), "org1")
	if err != nil {
		t.Fatalf("EventQuota failed: %v", err)
	}
	if limit != 100 {
		t.Fatalf("limit = %d, want 100", limit)
	}
}
