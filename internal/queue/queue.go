package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/nexusops/ticketsync/internal/logger"
	"github.com/nexusops/ticketsync/internal/metrics"
)

// scoreScale (T in §4.1) must exceed any plausible enqueue_millis value so
// priority dominates the composite sort score; FIFO within a priority falls
// out of the millisecond term. Unix-epoch milliseconds are currently ~1.7e12
// and grow by roughly 3.15e10 per year, so 1e13 gives a multi-decade margin.
// Jobs enqueued in the same millisecond tie on score, and Redis orders equal
// scores by member, so Enqueue uses time-ordered UUIDv7 ids to keep such
// ties in enqueue order.
const scoreScale = 1e13

const (
	keyPrefix  = "tasks"
	keyHashFmt = "task:%s"
)

func statusKey(s Status) string {
	return fmt.Sprintf("%s:%s", keyPrefix, s)
}

// Config configures the Redis-backed queue.
type Config struct {
	Addr            string
	Password        string
	DB              int
	LeaseDuration   time.Duration
	RetentionWindow time.Duration
}

// Queue is the Redis-backed durable priority queue (C1).
type Queue struct {
	rdb     *redis.Client
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Registry

	events chan Event
}

// New constructs a Queue bound to a Redis client.
func New(cfg Config, log *logger.Logger, m *metrics.Registry) *Queue {
	if log == nil {
		log = logger.NewDefault("queue")
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 7 * 24 * time.Hour
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Queue{
		rdb:     rdb,
		cfg:     cfg,
		log:     log,
		metrics: m,
		events:  make(chan Event, 1024),
	}
}

// Client exposes the underlying redis.Client for health checks and tests.
func (q *Queue) Client() *redis.Client { return q.rdb }

// Events returns the lifecycle broadcast channel (added/updated/completed/failed).
func (q *Queue) Events() <-chan Event { return q.events }

func (q *Queue) publish(kind string, job Job) {
	select {
	case q.events <- Event{Kind: kind, Job: job}:
	default:
		q.log.WithField("kind", kind).WithField("job_id", job.ID).
			Warn("lifecycle event dropped, subscriber channel full")
	}
}

func invPriority(p Priority) float64 {
	return float64(PriorityUrgent - p)
}

func score(p Priority, enqueueMillis int64) float64 {
	return invPriority(p)*scoreScale + float64(enqueueMillis)
}

// Enqueue persists a new job in the pending set. Failures are returned
// loudly per §4.1.
func (q *Queue) Enqueue(ctx context.Context, jobType JobType, payload map[string]interface{}, opts EnqueueOptions) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := time.Now().UTC()
	job := Job{
		ID:         id.String(),
		Type:       jobType,
		Payload:    payload,
		Priority:   opts.Priority,
		Status:     StatusPending,
		RetryMax:   opts.RetryMax,
		CreatedAt:  now,
		Metadata:   opts.Metadata,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), "body", data)
	pipe.ZAdd(ctx, statusKey(StatusPending), &redis.Z{Score: score(job.Priority, now.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(string(StatusPending)).Inc()
		q.metrics.JobsEnqueued.WithLabelValues(string(jobType)).Inc()
	}
	q.publish("added", job)
	return job.ID, nil
}

func jobKey(id string) string {
	return fmt.Sprintf(keyHashFmt, id)
}

// Get fetches a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	data, err := q.rdb.HGet(ctx, jobKey(id), "body").Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *Queue) save(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.rdb.HSet(ctx, jobKey(job.ID), "body", data).Err()
}

// ClaimNext atomically pops the highest-priority, earliest-enqueued pending
// job and moves it into the running set, timestamped now. Returns nil, nil
// when the queue is idle.
var claimScript = redis.NewScript(`
local pending = KEYS[1]
local running = KEYS[2]
local now = ARGV[1]
local popped = redis.call("ZPOPMIN", pending)
if #popped == 0 then
	return false
end
local member = popped[1]
redis.call("ZADD", running, now, member)
return member
`)

func (q *Queue) ClaimNext(ctx context.Context, skipTypes map[JobType]bool) (*Job, error) {
	// Breaker-skipped types (§4.2: "claim_next may skip them") are handled
	// by peeking candidates in priority order and re-queueing skip
	// candidates for the next tick rather than blocking the whole queue.
	if len(skipTypes) == 0 {
		return q.claimAny(ctx)
	}
	return q.claimSkipping(ctx, skipTypes)
}

func (q *Queue) claimAny(ctx context.Context) (*Job, error) {
	res, err := claimScript.Run(ctx, q.rdb, []string{statusKey(StatusPending), statusKey(StatusRunning)}, time.Now().UTC().UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Status = StatusRunning
	started := time.Now().UTC()
	job.StartedAt = &started
	if err := q.save(ctx, *job); err != nil {
		return nil, err
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(string(StatusPending)).Dec()
		q.metrics.QueueDepth.WithLabelValues(string(StatusRunning)).Inc()
		q.metrics.ClaimLatency.Observe(started.Sub(job.CreatedAt).Seconds())
	}
	q.publish("updated", *job)
	return job, nil
}

func (q *Queue) claimSkipping(ctx context.Context, skipTypes map[JobType]bool) (*Job, error) {
	candidates, err := q.rdb.ZRangeWithScores(ctx, statusKey(StatusPending), 0, 49).Result()
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	for _, c := range candidates {
		id, _ := c.Member.(string)
		job, err := q.Get(ctx, id)
		if err != nil {
			continue
		}
		if skipTypes[job.Type] {
			continue
		}
		moved, err := q.rdb.ZRem(ctx, statusKey(StatusPending), id).Result()
		if err != nil || moved == 0 {
			continue // another claimer won the race
		}
		now := time.Now().UTC()
		if err := q.rdb.ZAdd(ctx, statusKey(StatusRunning), &redis.Z{Score: float64(now.UnixMilli()), Member: id}).Err(); err != nil {
			return nil, fmt.Errorf("move to running: %w", err)
		}
		job.Status = StatusRunning
		job.StartedAt = &now
		if err := q.save(ctx, *job); err != nil {
			return nil, err
		}
		if q.metrics != nil {
			q.metrics.QueueDepth.WithLabelValues(string(StatusPending)).Dec()
			q.metrics.QueueDepth.WithLabelValues(string(StatusRunning)).Inc()
		}
		q.publish("updated", *job)
		return job, nil
	}
	return nil, nil
}

// Complete transitions a running job to completed, recording its result.
func (q *Queue) Complete(ctx context.Context, id string, result map[string]interface{}) error {
	return q.transition(ctx, id, StatusRunning, StatusCompleted, func(job *Job) {
		job.Progress = 100
		job.Result = result
		now := time.Now().UTC()
		job.CompletedAt = &now
	})
}

// Fail transitions a running job to failed and records the error.
func (q *Queue) Fail(ctx context.Context, id string, jobErr JobError) error {
	return q.transition(ctx, id, StatusRunning, StatusFailed, func(job *Job) {
		job.Error = &jobErr
		now := time.Now().UTC()
		job.CompletedAt = &now
	})
}

// DeadLetter moves a job whose retry budget is exhausted to the dead-letter
// set (§4.2).
func (q *Queue) DeadLetter(ctx context.Context, id string, jobErr JobError) error {
	return q.transition(ctx, id, StatusRunning, StatusDead, func(job *Job) {
		job.Error = &jobErr
		now := time.Now().UTC()
		job.CompletedAt = &now
	})
}

// RetryLater bumps retry-count, sets status retrying, then re-enqueues to
// pending after delay (§4.2).
func (q *Queue) RetryLater(ctx context.Context, id string, delay time.Duration) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	job.Status = StatusRetrying
	job.RetryCount++
	if err := q.moveSet(ctx, StatusRunning, StatusRetrying, *job); err != nil {
		return err
	}
	q.publish("updated", *job)

	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		<-t.C
		reenqCtx := context.Background()
		_ = q.reenqueue(reenqCtx, id)
	}()
	return nil
}

func (q *Queue) reenqueue(ctx context.Context, id string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	job.Status = StatusPending
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, statusKey(StatusRetrying), id)
	pipe.ZAdd(ctx, statusKey(StatusPending), &redis.Z{Score: score(job.Priority, time.Now().UTC().UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reenqueue %s: %w", id, err)
	}
	if err := q.save(ctx, *job); err != nil {
		return err
	}
	q.publish("updated", *job)
	return nil
}

// Cancel flips a job's status to cancelled (§4.2).
func (q *Queue) Cancel(ctx context.Context, id string, reason string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	from := job.Status
	job.Status = StatusCancelled
	if job.Error == nil && reason != "" {
		job.Error = &JobError{Message: reason, Kind: "cancelled", Timestamp: time.Now().UTC()}
	}
	now := time.Now().UTC()
	job.CompletedAt = &now
	if err := q.moveSet(ctx, from, StatusCancelled, *job); err != nil {
		return err
	}
	q.publish("updated", *job)
	return nil
}

func (q *Queue) transition(ctx context.Context, id string, from, to Status, mutate func(*Job)) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	mutate(job)
	job.Status = to
	if err := q.moveSet(ctx, from, to, *job); err != nil {
		return err
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(string(from)).Dec()
		q.metrics.QueueDepth.WithLabelValues(string(to)).Inc()
		switch to {
		case StatusCompleted:
			q.metrics.JobsCompleted.WithLabelValues(string(job.Type)).Inc()
		case StatusFailed:
			q.metrics.JobsFailed.WithLabelValues(string(job.Type)).Inc()
		case StatusDead:
			q.metrics.JobsDeadLettered.WithLabelValues(string(job.Type)).Inc()
		}
	}
	kind := "updated"
	if to == StatusCompleted {
		kind = "completed"
	} else if to == StatusFailed || to == StatusDead {
		kind = "failed"
	}
	q.publish(kind, *job)
	return nil
}

func (q *Queue) moveSet(ctx context.Context, from, to Status, job Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, statusKey(from), job.ID)
	pipe.ZAdd(ctx, statusKey(to), &redis.Z{Score: float64(time.Now().UTC().UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("move job %s from %s to %s: %w", job.ID, from, to, err)
	}
	return q.save(ctx, job)
}

// List returns a page of jobs with the given status in ascending score
// order: for pending, highest priority first and oldest first within a
// priority; for the other status sets, oldest transition first.
func (q *Queue) List(ctx context.Context, status Status, limit, offset int) ([]Job, int64, error) {
	key := statusKey(status)
	total, err := q.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", status, err)
	}
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.rdb.ZRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", status, err)
	}
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, total, nil
}

// Stats reports queue depth per status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Pending, err = q.rdb.ZCard(ctx, statusKey(StatusPending)).Result(); err != nil {
		return s, err
	}
	if s.Running, err = q.rdb.ZCard(ctx, statusKey(StatusRunning)).Result(); err != nil {
		return s, err
	}
	if s.Completed, err = q.rdb.ZCard(ctx, statusKey(StatusCompleted)).Result(); err != nil {
		return s, err
	}
	if s.Failed, err = q.rdb.ZCard(ctx, statusKey(StatusFailed)).Result(); err != nil {
		return s, err
	}
	if s.DeadLetter, err = q.rdb.ZCard(ctx, statusKey(StatusDead)).Result(); err != nil {
		return s, err
	}
	if s.Retrying, err = q.rdb.ZCard(ctx, statusKey(StatusRetrying)).Result(); err != nil {
		return s, err
	}
	return s, nil
}

// ReapStaleLeases moves running jobs whose lease has expired back to
// pending with retry-count incremented (§4.1 crash recovery).
func (q *Queue) ReapStaleLeases(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-q.cfg.LeaseDuration).UTC().UnixMilli()
	stale, err := q.rdb.ZRangeByScore(ctx, statusKey(StatusRunning), &redis.ZRangeBy{
		Min: "0", Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan running: %w", err)
	}
	reaped := 0
	for _, id := range stale {
		removed, err := q.rdb.ZRem(ctx, statusKey(StatusRunning), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		job, err := q.Get(ctx, id)
		if err != nil {
			continue
		}
		job.RetryCount++
		job.Status = StatusPending
		if err := q.rdb.ZAdd(ctx, statusKey(StatusPending), &redis.Z{
			Score: score(job.Priority, time.Now().UTC().UnixMilli()), Member: id,
		}).Err(); err != nil {
			continue
		}
		_ = q.save(ctx, *job)
		reaped++
		q.publish("updated", *job)
	}
	return reaped, nil
}

// Sweep removes completed/failed entries older than the retention window
// (§4.1 cleanup).
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-q.cfg.RetentionWindow).UTC().UnixMilli()
	removed := 0
	for _, st := range []Status{StatusCompleted, StatusFailed} {
		ids, err := q.rdb.ZRangeByScore(ctx, statusKey(st), &redis.ZRangeBy{
			Min: "0", Max: fmt.Sprintf("%d", cutoff),
		}).Result()
		if err != nil {
			return removed, fmt.Errorf("scan %s: %w", st, err)
		}
		for _, id := range ids {
			pipe := q.rdb.TxPipeline()
			pipe.ZRem(ctx, statusKey(st), id)
			pipe.Del(ctx, jobKey(id))
			if _, err := pipe.Exec(ctx); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
