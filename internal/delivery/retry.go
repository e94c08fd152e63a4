package delivery

import (
	"math"
	"math/rand"
	"time"

	"github.com/AxonStream/core/pkg/models"
)

// DefaultRetryPolicy applies when an endpoint declares none.
func DefaultRetryPolicy() models.RetryPolicy {
	return models.RetryPolicy{
		MaxRetries: 5,
		Strategy:   models.BackoffExponential,
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Minute,
		Jitter:     false,
	}
}

// BackoffDelay computes the wait before the given retry attempt. Attempt is
// 1-based: the delay returned for attempt N separates attempt N from N+1.
func BackoffDelay(policy models.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}

	var delay time.Duration
	switch policy.Strategy {
	case models.BackoffLinear:
		delay = time.Duration(attempt) * base
	case models.BackoffFixed:
		delay = base
	default: // exponential
		factor := math.Pow(2, float64(attempt-1))
		if factor > float64(maxDelay)/float64(base) {
			delay = maxDelay
		} else {
			delay = time.Duration(factor * float64(base))
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	if policy.Jitter {
		// Uniform multiplier in [0.5, 1.5).
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()))
	}
	return delay
}
