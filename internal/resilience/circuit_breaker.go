// Package resilience provides fault-tolerance primitives shared by the
// worker pool, sync engine, and stream processor: a circuit breaker,
// exponential backoff retry, and a token-bucket rate limiter.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nexusops/ticketsync/internal/logger"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned when a call is rejected because the
	// breaker for that job type or stream is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open trial budget is
	// exhausted.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a CircuitBreaker. Name identifies the protected
// resource (a queue.JobType string or a stream processor name) and is
// carried through every state-change log line and into OnOpen, so a
// single breaker type can back many independently-tripping job types
// without each caller re-deriving its own logging/metrics glue.
type Config struct {
	Name        string
	MaxFailures int
	Timeout     time.Duration
	HalfOpenMax int
	Log         *logger.Logger
	// OnOpen reports the breaker's open/closed gauge value (1 when tripped)
	// after every transition, so callers can feed a labelled Prometheus
	// gauge without reimplementing state-change bookkeeping.
	OnOpen func(name string, open bool)
}

// DefaultConfig matches the worker pool's 5-failures/30s cooldown.
func DefaultConfig() Config {
	return Config{
		Name:        "default",
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	}
}

// CircuitBreaker implements the closed/open/half-open pattern: after
// MaxFailures consecutive failures it opens for Timeout, then allows a
// bounded number of half-open trial calls before closing or reopening.
// One CircuitBreaker guards one named resource — the worker pool keeps a
// map of these keyed by queue.JobType so a single failing job type trips
// independently of its siblings.
type CircuitBreaker struct {
	mu           sync.RWMutex
	config       Config
	state        State
	failures     int
	successes    int
	halfOpenReqs int
	lastFailure  time.Time
	lastTrip     time.Time
}

// New constructs a CircuitBreaker, applying defaults to any zero-valued
// fields.
func New(cfg Config) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "unnamed"
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{config: cfg, state: StateClosed}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// TrippedFor reports how long the breaker has been open, or zero if it
// isn't. Used by the worker pool's health surface to flag a job type
// that has been down longer than an operator-relevant threshold.
func (cb *CircuitBreaker) TrippedFor() time.Duration {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state != StateOpen {
		return 0
	}
	return time.Since(cb.lastTrip)
}

// Execute runs fn under breaker protection, short-circuiting when open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.config.Timeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenReqs = 1
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenReqs >= cb.config.HalfOpenMax {
			return ErrTooManyRequests
		}
		cb.halfOpenReqs++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenMax {
			cb.setState(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateOpen)
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	}
}

// setState owns the breaker's logging and gauge reporting directly,
// rather than handing (from, to) back to the caller: every named breaker
// logs and reports the same way, so there is nothing left for callers to
// get wrong or duplicate.
func (cb *CircuitBreaker) setState(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenReqs = 0
	if next == StateOpen {
		cb.lastTrip = time.Now()
	}

	if cb.config.Log != nil {
		cb.config.Log.WithField("breaker", cb.config.Name).
			WithField("from", prev.String()).
			WithField("to", next.String()).
			Info("circuit breaker state changed")
	}
	if cb.config.OnOpen != nil {
		name, open := cb.config.Name, next == StateOpen
		go cb.config.OnOpen(name, open)
	}
}
