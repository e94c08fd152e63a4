package delivery

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	axredis "github.com/AxonStream/core/pkg/redis"
)

// Claim outcomes for an exactly-once delivery attempt.
type ClaimState int

const (
	// ClaimAcquired means this worker owns the attempt.
	ClaimAcquired ClaimState = iota
	// ClaimDone means a prior attempt already succeeded; skip and reconcile.
	ClaimDone
	// ClaimInFlight means another worker is attempting now; defer.
	ClaimInFlight
)

const (
	ledgerInFlight = "in-flight"
	ledgerDone     = "done"
)

// Ledger is the distributed exactly-once bookkeeping over the KV substrate.
// A delivery key moves through SET NX "in-flight" (TTL = endpoint timeout,
// so a crashed worker's claim expires) to "done" with a retention TTL.
type Ledger struct {
	rdb       goredis.UniversalClient
	keys      axredis.Keyspace
	retention time.Duration
}

// NewLedger creates a Ledger. Retention bounds how long completed delivery
// markers are kept; zero means 24 hours.
func NewLedger(rdb goredis.UniversalClient, keys axredis.Keyspace, retention time.Duration) *Ledger {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Ledger{rdb: rdb, keys: keys, retention: retention}
}

// Claim attempts to take ownership of one (event, endpoint) delivery.
func (l *Ledger) Claim(ctx context.Context, eventID, endpointID string, inFlightTTL time.Duration) (ClaimState, error) {
	key := l.keys.Delivered(eventID, endpointID)
	if inFlightTTL <= 0 {
		inFlightTTL = 30 * time.Second
	}
	ok, err := l.rdb.SetNX(ctx, key, ledgerInFlight, inFlightTTL).Result()
	if err != nil {
		return ClaimInFlight, fmt.Errorf("claim delivery: %w", err)
	}
	if ok {
		return ClaimAcquired, nil
	}
	val, err := l.rdb.Get(ctx, key).Result()
	if err == goredis.Nil {
		// Claim expired between SetNX and Get; retry the claim once.
		ok, err := l.rdb.SetNX(ctx, key, ledgerInFlight, inFlightTTL).Result()
		if err != nil {
			return ClaimInFlight, fmt.Errorf("claim delivery: %w", err)
		}
		if ok {
			return ClaimAcquired, nil
		}
		return ClaimInFlight, nil
	}
	if err != nil {
		return ClaimInFlight, fmt.Errorf("inspect delivery claim: %w", err)
	}
	if val == ledgerDone {
		return ClaimDone, nil
	}
	return ClaimInFlight, nil
}

// Complete marks the delivery as done after a 2xx response.
func (l *Ledger) Complete(ctx context.Context, eventID, endpointID string) error {
	key := l.keys.Delivered(eventID, endpointID)
	if err := l.rdb.Set(ctx, key, ledgerDone, l.retention).Err(); err != nil {
		return fmt.Errorf("complete delivery: %w", err)
	}
	return nil
}

// Release clears an in-flight claim after a failed attempt so a retry can
// claim it again.
func (l *Ledger) Release(ctx context.Context, eventID, endpointID string) error {
	key := l.keys.Delivered(eventID, endpointID)
	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release delivery claim: %w", err)
	}
	return nil
}
