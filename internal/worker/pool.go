// Package worker implements the fixed-size worker pool (C2): it claims jobs
// from the queue, dispatches them to type-specific handlers under a
// timeout, classifies failures as retryable or not, and applies retry
// backoff, dead-lettering, and a per-handler-type circuit breaker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexusops/ticketsync/internal/logger"
	"github.com/nexusops/ticketsync/internal/metrics"
	"github.com/nexusops/ticketsync/internal/queue"
	"github.com/nexusops/ticketsync/internal/resilience"
)

// ErrNoHandler is returned when a job's type has no registered handler.
var ErrNoHandler = errors.New("no handler registered for job type")

// RetryableError wraps an error to mark it retryable (network, timeout,
// upstream 5xx, rate-limit per §4.2). Handlers that know an error is
// non-retryable (validation, auth, malformed payload) should return it
// unwrapped.
type RetryableError struct {
	Err error
}

func (r *RetryableError) Error() string { return r.Err.Error() }
func (r *RetryableError) Unwrap() error { return r.Err }

// Retryable wraps err so the pool classifies it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

func isRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Handler processes one job's payload and returns a result or an error.
type Handler func(ctx context.Context, job *queue.Job) (map[string]interface{}, error)

// Config configures the pool.
type Config struct {
	PoolSize       int
	HandlerTimeout time.Duration
	IdleSleep      time.Duration
}

// Pool runs PoolSize concurrent worker loops against a Queue.
type Pool struct {
	queue   *queue.Queue
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Registry

	mu       sync.RWMutex
	handlers map[queue.JobType]Handler
	breakers map[queue.JobType]*resilience.CircuitBreaker

	stopCh chan struct{}
	doneWG sync.WaitGroup
}

// New constructs a Pool.
func New(q *queue.Queue, cfg Config, log *logger.Logger, m *metrics.Registry) *Pool {
	if log == nil {
		log = logger.NewDefault("worker")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 2 * time.Minute
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 200 * time.Millisecond
	}
	return &Pool{
		queue:    q,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		handlers: make(map[queue.JobType]Handler),
		breakers: make(map[queue.JobType]*resilience.CircuitBreaker),
		stopCh:   make(chan struct{}),
	}
}

// RegisterHandler binds a handler function to a job type.
func (p *Pool) RegisterHandler(jobType queue.JobType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
	p.breakers[jobType] = resilience.New(resilience.Config{
		Name:        string(jobType),
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		Log:         p.log,
		OnOpen: func(name string, open bool) {
			if p.metrics == nil {
				return
			}
			v := 0.0
			if open {
				v = 1
			}
			p.metrics.WorkerBreakerOpen.WithLabelValues(name).Set(v)
		},
	})
}

// Start launches PoolSize worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.PoolSize; i++ {
		p.doneWG.Add(1)
		go p.loop(ctx, i)
	}
}

// Stop signals every worker loop to exit and waits for them.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.doneWG.Wait()
}

func (p *Pool) openBreakerTypes() map[queue.JobType]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	open := make(map[queue.JobType]bool)
	for t, b := range p.breakers {
		if b.State() == resilience.StateOpen {
			open[t] = true
		}
	}
	return open
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.doneWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.queue.ClaimNext(ctx, p.openBreakerTypes())
		if err != nil {
			p.log.WithField("worker", id).WithError(err).Error("claim_next failed")
			time.Sleep(p.cfg.IdleSleep)
			continue
		}
		if job == nil {
			time.Sleep(p.cfg.IdleSleep)
			continue
		}
		p.run(ctx, job)
	}
}

func (p *Pool) run(ctx context.Context, job *queue.Job) {
	p.mu.RLock()
	handler, ok := p.handlers[job.Type]
	breaker := p.breakers[job.Type]
	p.mu.RUnlock()

	if !ok {
		p.fail(ctx, job, fmt.Errorf("%w: %s", ErrNoHandler, job.Type), false)
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	defer cancel()

	var result map[string]interface{}
	var handlerErr error
	runErr := breaker.Execute(handlerCtx, func() error {
		result, handlerErr = handler(handlerCtx, job)
		return handlerErr
	})

	if runErr == nil {
		if err := p.queue.Complete(ctx, job.ID, result); err != nil {
			p.log.WithField("job_id", job.ID).WithError(err).Error("mark completed failed")
		}
		return
	}

	if errors.Is(runErr, resilience.ErrCircuitOpen) {
		// Breaker rejected before the handler ran; leave the job pending
		// for a later tick rather than charging it a retry.
		return
	}

	p.fail(ctx, job, runErr, isRetryable(runErr))
}

func (p *Pool) fail(ctx context.Context, job *queue.Job, err error, retryable bool) {
	jobErr := queue.JobError{
		Message:   err.Error(),
		Kind:      classify(err),
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}

	if retryable && job.RetryCount < job.RetryMax {
		delay := resilience.NextBackoff(job.RetryCount)
		if err := p.queue.RetryLater(ctx, job.ID, delay); err != nil {
			p.log.WithField("job_id", job.ID).WithError(err).Error("retry_later failed")
		}
		return
	}

	if err := p.queue.DeadLetter(ctx, job.ID, jobErr); err != nil {
		p.log.WithField("job_id", job.ID).WithError(err).Error("dead-letter failed")
	}
}

func classify(err error) string {
	if isRetryable(err) {
		return "transient"
	}
	if errors.Is(err, ErrNoHandler) {
		return "protocol"
	}
	return "persistent"
}
