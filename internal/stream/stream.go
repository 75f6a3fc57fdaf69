// Package stream implements the composable stream processor (C7): bounded
// single-input, single-output stage operators wired into a pipeline, with
// backpressure, a Process-stage circuit breaker, and dead-lettering.
package stream

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nexusops/ticketsync/internal/logger"
	"github.com/nexusops/ticketsync/internal/metrics"
	"github.com/nexusops/ticketsync/internal/resilience"
)

// BackpressureStrategy selects how a pipeline reacts once load exceeds its
// threshold (§4.6).
type BackpressureStrategy string

const (
	StrategyDrop           BackpressureStrategy = "drop"
	StrategyBuffer         BackpressureStrategy = "buffer"
	StrategyThrottle       BackpressureStrategy = "throttle"
	StrategyCircuitBreaker BackpressureStrategy = "circuit-breaker"
)

// Config enumerates the pipeline-wide knobs (§4.6).
type Config struct {
	BatchSize             int
	BufferSize            int
	MaxConcurrency        int
	BackpressureThreshold float64
	BackpressureStrategy  BackpressureStrategy
	Timeout               time.Duration
	RetryMax              int
	RetryBackoffMult      float64
	RetryMaxBackoff       time.Duration
	MetricsInterval       time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:             25,
		BufferSize:            500,
		MaxConcurrency:        4,
		BackpressureThreshold: 0.8,
		BackpressureStrategy:  StrategyThrottle,
		Timeout:               10 * time.Second,
		RetryMax:              3,
		RetryBackoffMult:      2,
		RetryMaxBackoff:       30 * time.Second,
		MetricsInterval:       5 * time.Second,
	}
}

// Snapshot is one point of the rolling processor metrics history (§4.6).
type Snapshot struct {
	Timestamp            time.Time
	RecordsProcessed     int64
	RecordsDropped       int64
	RecordsBuffered      int
	RecordsErrored       int64
	AvgProcessingTimeMs  float64
	BufferUtilisation    float64
	ThroughputPerSecond  float64
	ErrorRate            float64
	BackpressureEvents   int64
	MemoryMB             float64
	CPUPercent           float64
}

// Processor runs a Process-stage pipeline of records of type T through a
// user batch handler, with backpressure, retries, and a circuit breaker.
type Processor[T any] struct {
	cfg     Config
	handler func(ctx context.Context, batch []T) ([]T, error)
	keyFn   func(T) string
	log     *logger.Logger
	metrics *metrics.Registry

	in       chan T
	deadCh   chan DeadLetterEntry[T]
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker

	mu                 sync.Mutex
	processed          int64
	dropped            int64
	errored            int64
	backpressureEvents int64
	processingTimes    []float64 // rolling window of the last 100 batch durations, ms
	history            []Snapshot

	pausedUntil time.Time

	stopCh chan struct{}
	doneWG sync.WaitGroup
}

// DeadLetterEntry is emitted on DeadLetter() when a record's retry budget
// is exhausted (§4.6).
type DeadLetterEntry[T any] struct {
	Record     T
	Err        error
	RetryCount int
}

// New constructs a Processor bound to a batch handler.
func New[T any](cfg Config, handler func(context.Context, []T) ([]T, error), log *logger.Logger, m *metrics.Registry) *Processor[T] {
	if log == nil {
		log = logger.NewDefault("stream")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &Processor[T]{
		cfg:     cfg,
		handler: handler,
		log:     log,
		metrics: m,
		in:      make(chan T, cfg.BufferSize),
		deadCh:  make(chan DeadLetterEntry[T], cfg.BufferSize),
		limiter: rate.NewLimiter(rate.Limit(1000), 1000),
		breaker: resilience.New(resilience.Config{
			Name:        "stream-processor",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Log:         log,
			OnOpen: func(_ string, open bool) {
				if m == nil {
					return
				}
				v := 0.0
				if open {
					v = 1
				}
				m.StreamBreakerOpen.Set(v)
			},
		}),
		stopCh: make(chan struct{}),
	}
}

// DeadLetters exposes the dead-letter channel for a subscriber.
func (p *Processor[T]) DeadLetters() <-chan DeadLetterEntry[T] { return p.deadCh }

// Load computes the current backpressure load metric (§4.6): the max of
// buffer fill fraction, pending-work-over-concurrency, and heap pressure.
func (p *Processor[T]) Load() float64 {
	bufferFrac := float64(len(p.in)) / float64(cap(p.in))
	concurrency := p.cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	pendingFrac := float64(len(p.in)) / float64(concurrency)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := float64(ms.HeapAlloc) / (1024 * 1024)
	heapFrac := heapMB / 1024

	load := bufferFrac
	if pendingFrac > load {
		load = pendingFrac
	}
	if heapFrac > load {
		load = heapFrac
	}
	return load
}

// Submit enqueues a record, applying the configured backpressure strategy
// when load exceeds the threshold (§4.6).
func (p *Processor[T]) Submit(ctx context.Context, rec T) error {
	load := p.Load()
	if load <= p.cfg.BackpressureThreshold {
		return p.enqueue(ctx, rec)
	}

	p.mu.Lock()
	p.backpressureEvents++
	p.mu.Unlock()

	switch p.cfg.BackpressureStrategy {
	case StrategyDrop:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.StreamRecordsDropped.Inc()
		}
		return ErrDroppedByBackpressure
	case StrategyThrottle:
		delay := resilience.BackpressureSleep(load)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		return p.enqueue(ctx, rec)
	case StrategyCircuitBreaker:
		p.mu.Lock()
		if p.pausedUntil.IsZero() || time.Now().After(p.pausedUntil) {
			p.pausedUntil = time.Now().Add(5 * time.Second)
		}
		wait := time.Until(p.pausedUntil)
		p.mu.Unlock()
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		return p.enqueue(ctx, rec)
	default: // buffer
		return p.enqueue(ctx, rec)
	}
}

func (p *Processor[T]) enqueue(ctx context.Context, rec T) error {
	select {
	case p.in <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrDroppedByBackpressure signals a caller that its record was discarded
// under the drop strategy.
var ErrDroppedByBackpressure = errDroppedByBackpressure{}

type errDroppedByBackpressure struct{}

func (errDroppedByBackpressure) Error() string { return "record dropped by backpressure" }

// Start launches the batching+processing loop.
func (p *Processor[T]) Start(ctx context.Context) {
	p.doneWG.Add(1)
	go p.run(ctx)
}

// Stop halts the loop, flushing any partial batch first.
func (p *Processor[T]) Stop() {
	close(p.stopCh)
	p.doneWG.Wait()
}

func (p *Processor[T]) run(ctx context.Context) {
	defer p.doneWG.Done()
	batchSize := p.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultConfig().BatchSize
	}
	batch := make([]T, 0, batchSize)
	metricsTicker := time.NewTicker(p.metricsInterval())
	defer metricsTicker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.processBatch(ctx, batch)
		batch = make([]T, 0, batchSize)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-p.stopCh:
			flush()
			return
		case rec := <-p.in:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}
		case <-metricsTicker.C:
			p.recordSnapshot()
		}
	}
}

func (p *Processor[T]) metricsInterval() time.Duration {
	if p.cfg.MetricsInterval <= 0 {
		return DefaultConfig().MetricsInterval
	}
	return p.cfg.MetricsInterval
}

// processBatch applies the handler under a deadline and the Process-stage
// circuit breaker (§4.6). Errors never crash the pipeline: a failed batch
// is marked errored and every record in it is retried or dead-lettered.
func (p *Processor[T]) processBatch(ctx context.Context, batch []T) {
	start := time.Now()
	batchCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	var results []T
	runErr := p.breaker.Execute(batchCtx, func() error {
		var err error
		results, err = p.handler(batchCtx, batch)
		return err
	})

	elapsedMs := float64(time.Since(start).Milliseconds())

	p.mu.Lock()
	p.processingTimes = append(p.processingTimes, elapsedMs)
	if len(p.processingTimes) > 100 {
		p.processingTimes = p.processingTimes[len(p.processingTimes)-100:]
	}
	p.mu.Unlock()

	if runErr != nil {
		p.mu.Lock()
		p.errored += int64(len(batch))
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.StreamRecordsErrored.Add(float64(len(batch)))
		}
		for _, rec := range batch {
			p.retryOrDeadLetter(rec, runErr, 0)
		}
		return
	}

	p.mu.Lock()
	p.processed += int64(len(results))
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.StreamRecordsProcessed.Add(float64(len(results)))
	}
}

func (p *Processor[T]) timeout() time.Duration {
	if p.cfg.Timeout <= 0 {
		return DefaultConfig().Timeout
	}
	return p.cfg.Timeout
}

// retryOrDeadLetter retries a single failed record up to RetryMax with
// exponential backoff, tracking its own attempt count across retries rather
// than re-entering the batch pipeline; beyond the budget it emits the
// record on the dead-letter channel (§4.6).
func (p *Processor[T]) retryOrDeadLetter(rec T, err error, retryCount int) {
	maxRetries := p.cfg.RetryMax
	if maxRetries <= 0 {
		maxRetries = DefaultConfig().RetryMax
	}
	if retryCount >= maxRetries {
		select {
		case p.deadCh <- DeadLetterEntry[T]{Record: rec, Err: err, RetryCount: retryCount}:
		default:
			p.log.Warn("dead-letter channel full, entry dropped")
		}
		return
	}
	delay := resilience.NextBackoff(retryCount)
	go func() {
		time.Sleep(delay)
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout())
		defer cancel()
		results, err := p.handler(ctx, []T{rec})
		if err != nil {
			p.retryOrDeadLetter(rec, err, retryCount+1)
			return
		}
		p.mu.Lock()
		p.processed += int64(len(results))
		p.mu.Unlock()
	}()
}

// Snapshot returns the current metrics point (§4.6 per-processor metrics).
func (p *Processor[T]) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var avg float64
	if len(p.processingTimes) > 0 {
		var sum float64
		for _, v := range p.processingTimes {
			sum += v
		}
		avg = sum / float64(len(p.processingTimes))
	}

	total := p.processed + p.errored
	var errRate float64
	if total > 0 {
		errRate = float64(p.errored) / float64(total)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := Snapshot{
		Timestamp:           time.Now().UTC(),
		RecordsProcessed:    p.processed,
		RecordsDropped:      p.dropped,
		RecordsBuffered:     len(p.in),
		RecordsErrored:      p.errored,
		AvgProcessingTimeMs: avg,
		BufferUtilisation:   float64(len(p.in)) / float64(cap(p.in)),
		ErrorRate:           errRate,
		BackpressureEvents:  p.backpressureEvents,
		MemoryMB:            float64(ms.HeapAlloc) / (1024 * 1024),
	}
	// CPUPercent has no stdlib equivalent to runtime.MemStats; gopsutil is
	// the only source for it, so every snapshot carries a live host sample.
	return snap.WithSystemSample()
}

func (p *Processor[T]) recordSnapshot() {
	snap := p.Snapshot()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, snap)
	if len(p.history) > 1000 {
		p.history = p.history[len(p.history)-1000:]
	}
}

// History returns up to the last 1000 metrics snapshots.
func (p *Processor[T]) History() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, len(p.history))
	copy(out, p.history)
	return out
}
