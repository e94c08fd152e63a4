package enforce

import (
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/AxonStream/core/pkg/logging"
)

// SubstrateGuard wraps the Redis substrate in a circuit breaker. When the
// substrate flaps, the breaker opens and callers switch to degraded mode
// instead of hammering a dead backend on every frame.
type SubstrateGuard struct {
	cb     circuitbreaker.CircuitBreaker[any]
	logger logging.Logger
}

// GuardConfig configures the substrate breaker.
type GuardConfig struct {
	// Delay is how long the circuit stays open before probing. Default 15 s.
	Delay time.Duration
	// FailureThreshold failures out of ThresholdCapacity trips the circuit.
	FailureThreshold  uint
	ThresholdCapacity uint
}

// NewSubstrateGuard creates a guard with the given thresholds.
func NewSubstrateGuard(cfg GuardConfig, logger logging.Logger) *SubstrateGuard {
	if cfg.Delay <= 0 {
		cfg.Delay = 15 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ThresholdCapacity < cfg.FailureThreshold {
		cfg.ThresholdCapacity = cfg.FailureThreshold * 2
	}

	builder := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(cfg.FailureThreshold, cfg.ThresholdCapacity).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.WithFields(logging.Fields{
				"from_state": event.OldState.String(),
				"to_state":   event.NewState.String(),
			}).Warn("Substrate circuit breaker state change")
		})

	return &SubstrateGuard{cb: builder.Build(), logger: logger}
}

// Do runs a substrate operation through the breaker.
func (g *SubstrateGuard) Do(fn func() error) error {
	_, err := failsafe.With(g.cb).Get(func() (any, error) {
		return nil, fn()
	})
	return err
}

// Healthy reports whether the substrate is currently trusted.
func (g *SubstrateGuard) Healthy() bool {
	return g == nil || !g.cb.IsOpen()
}
