package enforce

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/logging"
	pkgredis "github.com/AxonStream/core/pkg/redis"
)

const (
	DefaultConnWindow   = 60 * time.Second
	DefaultConnMax      = 100
	DefaultTenantWindow = 60 * time.Second
	DefaultTenantMax    = 1000
	DefaultBurstWindow  = 10 * time.Second
)

// ConnLimiter is the per-connection message counter. It is owned by a single
// socket's read loop, but guarded anyway since close paths can race it.
type ConnLimiter struct {
	mu          sync.Mutex
	window      time.Duration
	max         int
	count       int
	windowStart time.Time
}

// NewConnLimiter creates a per-connection limiter.
func NewConnLimiter(window time.Duration, max int) *ConnLimiter {
	if window <= 0 {
		window = DefaultConnWindow
	}
	if max <= 0 {
		max = DefaultConnMax
	}
	return &ConnLimiter{window: window, max: max}
}

// Allow debits one message. On overflow it reports how long until the window
// resets.
func (l *ConnLimiter) Allow(now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}

	if l.count >= l.max {
		return false, l.window - now.Sub(l.windowStart)
	}
	l.count++
	return true, 0
}

// TenantLimiter is the cluster-wide sliding-window plus burst-window limiter.
// Counters are atomic increments on bucketed keys with a TTL of twice the
// window so adjacent buckets overlap instead of losing history at rollover.
type TenantLimiter struct {
	client goredis.UniversalClient
	keys   pkgredis.Keyspace
	guard  *SubstrateGuard
	logger logging.Logger

	window      time.Duration
	max         int
	burstWindow time.Duration
	burstMax    int
}

// TenantLimitConfig configures the distributed limiter.
type TenantLimitConfig struct {
	Window      time.Duration
	Max         int
	BurstWindow time.Duration
}

// NewTenantLimiter creates the distributed limiter. The burst limit is
// derived from the per-window maximum: ceil(max / 6) per burst window.
func NewTenantLimiter(client goredis.UniversalClient, keys pkgredis.Keyspace, guard *SubstrateGuard, cfg TenantLimitConfig, logger logging.Logger) *TenantLimiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultTenantWindow
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultTenantMax
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = DefaultBurstWindow
	}
	return &TenantLimiter{
		client:      client,
		keys:        keys,
		guard:       guard,
		logger:      logger,
		window:      cfg.Window,
		max:         cfg.Max,
		burstWindow: cfg.BurstWindow,
		burstMax:    (cfg.Max + 5) / 6,
	}
}

// Allow debits one message for the organization. When the substrate is
// unreachable the limiter fails open: the per-connection counter alone
// decides and a warning is logged. Disconnecting every client on a transient
// substrate outage would be worse than briefly under-enforcing; operators
// must be aware of this trade-off.
func (t *TenantLimiter) Allow(ctx context.Context, orgID string) error {
	now := time.Now().UTC()

	var overBurst, overWindow bool
	err := t.guardedDo(func() error {
		// Burst first: the tighter constraint should be the one reported.
		burstBucket := now.Unix() / int64(t.burstWindow.Seconds())
		burstCount, err := t.incr(ctx, t.keys.TenantCounter(orgID, "burst", burstBucket), 2*t.burstWindow)
		if err != nil {
			return err
		}
		if burstCount > int64(t.burstMax) {
			overBurst = true
			return nil
		}

		bucket := now.Unix() / int64(t.window.Seconds())
		count, err := t.incr(ctx, t.keys.TenantCounter(orgID, "msgs", bucket), 2*t.window)
		if err != nil {
			return err
		}
		if count > int64(t.max) {
			overWindow = true
		}
		return nil
	})
	if err != nil {
		t.logger.WithError(err).WithField("org_id", orgID).
			Warn("Tenant rate limiter unreachable; failing open to per-connection limit")
		return nil
	}

	if overBurst {
		return errs.RateLimited("tenant burst limit exceeded", t.burstWindow).WithOrg(orgID)
	}
	if overWindow {
		return errs.RateLimited("tenant rate limit exceeded", t.window).WithOrg(orgID)
	}
	return nil
}

func (t *TenantLimiter) guardedDo(fn func() error) error {
	if t.guard == nil {
		return fn()
	}
	return t.guard.Do(fn)
}

// Healthy reports whether the substrate breaker currently trusts Redis.
func (t *TenantLimiter) Healthy() bool {
	return t == nil || t.guard.Healthy()
}

func (t *TenantLimiter) incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		t.client.Expire(ctx, key, ttl)
	}
	return count, nil
}
