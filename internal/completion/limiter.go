package completion

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	growFactor   = 1.2
	shrinkFactor = 0.5
)

// AdaptiveLimiter paces provider requests and tunes its own rate from the
// responses it sees. Successes grow the rate toward twice the configured
// value; 429s halve it, never below a quarter of the configured value.
type AdaptiveLimiter struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	current  rate.Limit
	ceiling  rate.Limit
	floor    rate.Limit
	onChange func(rate.Limit)
}

// NewAdaptiveLimiter creates a limiter starting at base requests per second.
func NewAdaptiveLimiter(base rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(base, burst),
		current: base,
		ceiling: base * 2,
		floor:   base / 4,
	}
}

// OnChange registers fn to observe every rate adjustment, and reports the
// current rate immediately.
func (a *AdaptiveLimiter) OnChange(fn func(rate.Limit)) *AdaptiveLimiter {
	a.mu.Lock()
	a.onChange = fn
	cur := a.current
	a.mu.Unlock()
	if fn != nil {
		fn(cur)
	}
	return a
}

// Wait blocks until a request may be sent. A nil limiter never blocks.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	if a == nil {
		return nil
	}
	return a.limiter.Wait(ctx)
}

// OnSuccess nudges the rate up.
func (a *AdaptiveLimiter) OnSuccess() {
	if a == nil {
		return
	}
	a.scale(growFactor)
}

// OnRateLimit backs the rate off after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	if a == nil {
		return
	}
	next := a.scale(shrinkFactor)
	zap.L().Warn("completion: reducing request rate after 429",
		zap.Float64("requests_per_second", float64(next)),
	)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *AdaptiveLimiter) scale(factor float64) rate.Limit {
	a.mu.Lock()
	next := min(max(a.current*rate.Limit(factor), a.floor), a.ceiling)
	changed := next != a.current
	a.current = next
	fn := a.onChange
	a.mu.Unlock()

	if changed {
		a.limiter.SetLimit(next)
		if fn != nil {
			fn(next)
		}
	}
	return next
}
