package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	pkgredis "github.com/AxonStream/core/pkg/redis"
)

func testLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLedger(client, pkgredis.NewKeyspace("axon"), time.Hour), mr
}

func TestClaimAcquireAndConcurrentClaim(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	state, err := l.Claim(ctx, "ev1", "ep1", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if state != ClaimAcquired {
		t.Fatalf("first claim = %v, want ClaimAcquired", state)
	}

	state, err = l.Claim(ctx, "ev1", "ep1", time.Minute)
	if err != nil {
		t.Fatalf("second Claim failed: %v", err)
	}
	if state != ClaimInFlight {
		t.Fatalf("concurrent claim = %v, want ClaimInFlight", state)
	}
}

func TestCompletedDeliveryIsSkipped(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	if _, err := l.Claim(ctx, "ev1", "ep1", time.Minute); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := l.Complete(ctx, "ev1", "ep1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	state, err := l.Claim(ctx, "ev1", "ep1", time.Minute)
	if err != nil {
		t.Fatalf("Claim after completion failed: %v", err)
	}
	if state != ClaimDone {
		t.Fatalf("claim after completion = %v, want ClaimDone", state)
	}
}

func TestReleasedClaimCanBeReacquired(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	if _, err := l.Claim(ctx, "ev1", "ep1", time.Minute); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := l.Release(ctx, "ev1", "ep1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	state, err := l.Claim(ctx, "ev1", "ep1", time.Minute)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if state != ClaimAcquired {
		t.Fatalf("reclaim = %v, want ClaimAcquired", state)
	}
}

func TestExpiredClaimIsReclaimable(t *testing.T) {
	l, mr := testLedger(t)
	ctx := context.Background()

	if _, err := l.Claim(ctx, "ev1", "ep1", time.Second); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	// Crashed worker: the in-flight TTL lapses without Complete or Release.
	mr.FastForward(2 * time.Second)

	state, err := l.Claim(ctx, "ev1", "ep1", time.Second)
	if err != nil {
		t.Fatalf("Claim after expiry failed: %v", err)
	}
	if state != ClaimAcquired {
		t.Fatalf("claim after expiry = %v, want ClaimAcquired", state)
	}
}

func TestClaimsAreScopedPerEndpoint(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	if _, err := l.Claim(ctx, "ev1", "ep1", time.Minute); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	state, err := l.Claim(ctx, "ev1", "ep2", time.Minute)
	if err != nil {
		t.Fatalf("Claim for other endpoint failed: %v", err)
	}
	if state != ClaimAcquired {
		t.Fatalf("other endpoint's claim = %v, want ClaimAcquired", state)
	}
}
