package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a token-bucket limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// NewRateLimiter builds a golang.org/x/time/rate limiter, defaulting to 2
// requests per second with a burst equal to the rate (at least 1).
func NewRateLimiter(cfg RateLimitConfig) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
}

// WaitN blocks until n tokens are available or ctx is cancelled.
func WaitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	return limiter.WaitN(ctx, n)
}

// BackpressureSleep implements the stream processor's throttle strategy:
// sleep proportional to load, capped at 1s (§4.6).
func BackpressureSleep(load float64) time.Duration {
	ms := load * 100
	if ms > 1000 {
		ms = 1000
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
