// Package scheduler implements the cron-driven materialiser (C3): it
// evaluates ScheduledJob specs against wall-clock time under a distributed
// lock and enqueues derived Jobs into the durable queue.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/nexusops/ticketsync/internal/logger"
	"github.com/nexusops/ticketsync/internal/metrics"
	"github.com/nexusops/ticketsync/internal/queue"
)

const (
	lockKey       = "scheduler:lock"
	scheduleKey   = "scheduler:tasks"
	lockTTL       = 30 * time.Second
	tickInterval  = 60 * time.Second
)

// ScheduledJob is a recurring job specification (§3).
type ScheduledJob struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Cron        string                 `json:"cron"`
	JobType     queue.JobType          `json:"job_type"`
	Payload     map[string]interface{} `json:"payload"`
	Priority    queue.Priority         `json:"priority"`
	RetryMax    int                    `json:"retry_max"`
	Timeout     time.Duration          `json:"timeout"`
	Enabled     bool                   `json:"enabled"`
	LastRun     *time.Time             `json:"last_run,omitempty"`
	NextRun     *time.Time             `json:"next_run,omitempty"`
	RunCount    int64                  `json:"run_count"`
	FailCount   int64                  `json:"fail_count"`
	CreatorID   string                 `json:"creator_id,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
}

// TriggerHistoryEntry records one materialisation of a ScheduledJob,
// mirroring the teacher's AutomationExecution audit trail (SPEC_FULL §C).
type TriggerHistoryEntry struct {
	ScheduledJobID string    `json:"scheduled_job_id"`
	FiredAt        time.Time `json:"fired_at"`
	JobID          string    `json:"job_id,omitempty"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
}

// ErrNotFound is returned when a scheduled job id does not exist.
var ErrNotFound = errors.New("scheduled job not found")

// Scheduler evaluates schedules and materialises due jobs.
type Scheduler struct {
	rdb     *redis.Client
	queue   *queue.Queue
	log     *logger.Logger
	metrics *metrics.Registry
	tick    time.Duration

	mu      sync.Mutex
	history map[string][]TriggerHistoryEntry

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config configures the Scheduler's lock broker.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Tick          time.Duration
}

// New constructs a Scheduler.
func New(cfg Config, q *queue.Queue, log *logger.Logger, m *metrics.Registry) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = tickInterval
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Scheduler{
		rdb:     rdb,
		queue:   q,
		log:     log,
		metrics: m,
		tick:    cfg.Tick,
		history: make(map[string][]TriggerHistoryEntry),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Schedule registers a new ScheduledJob, computing its first next-run.
func (s *Scheduler) Schedule(ctx context.Context, sj ScheduledJob) (string, error) {
	if err := ValidateCron(sj.Cron); err != nil {
		return "", err
	}
	sj.ID = uuid.NewString()
	if sj.Enabled {
		next, err := NextRun(sj.Cron, time.Now().UTC())
		if err != nil {
			return "", err
		}
		sj.NextRun = &next
	}
	if err := s.save(ctx, sj); err != nil {
		return "", err
	}
	if s.metrics != nil {
		v := 0.0
		if sj.Enabled {
			v = 1
		}
		s.metrics.ScheduledRunning.WithLabelValues(sj.ID).Set(v)
	}
	return sj.ID, nil
}

func (s *Scheduler) save(ctx context.Context, sj ScheduledJob) error {
	data, err := json.Marshal(sj)
	if err != nil {
		return fmt.Errorf("marshal scheduled job: %w", err)
	}
	return s.rdb.HSet(ctx, scheduleKey, sj.ID, data).Err()
}

// Get fetches a ScheduledJob by id.
func (s *Scheduler) Get(ctx context.Context, id string) (*ScheduledJob, error) {
	data, err := s.rdb.HGet(ctx, scheduleKey, id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled job %s: %w", id, err)
	}
	var sj ScheduledJob
	if err := json.Unmarshal(data, &sj); err != nil {
		return nil, fmt.Errorf("decode scheduled job %s: %w", id, err)
	}
	return &sj, nil
}

// List returns every ScheduledJob.
func (s *Scheduler) List(ctx context.Context) ([]ScheduledJob, error) {
	all, err := s.rdb.HGetAll(ctx, scheduleKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	jobs := make([]ScheduledJob, 0, len(all))
	for _, raw := range all {
		var sj ScheduledJob
		if err := json.Unmarshal([]byte(raw), &sj); err != nil {
			continue
		}
		jobs = append(jobs, sj)
	}
	return jobs, nil
}

// Unschedule removes a ScheduledJob.
func (s *Scheduler) Unschedule(ctx context.Context, id string) error {
	removed, err := s.rdb.HDel(ctx, scheduleKey, id).Result()
	if err != nil {
		return fmt.Errorf("unschedule %s: %w", id, err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

// Update applies a mutation to a ScheduledJob, forcing next-run
// recomputation whenever the cron spec changes (§3 invariant).
func (s *Scheduler) Update(ctx context.Context, id string, mutate func(*ScheduledJob)) error {
	sj, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	oldCron := sj.Cron
	mutate(sj)
	if err := ValidateCron(sj.Cron); err != nil {
		return err
	}
	if sj.Cron != oldCron || sj.NextRun == nil {
		if sj.Enabled {
			next, err := NextRun(sj.Cron, time.Now().UTC())
			if err != nil {
				return err
			}
			sj.NextRun = &next
		} else {
			sj.NextRun = nil
		}
	}
	return s.save(ctx, *sj)
}

// SetEnabled toggles a ScheduledJob, recomputing next-run when enabling.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	err := s.Update(ctx, id, func(sj *ScheduledJob) {
		sj.Enabled = enabled
		if !enabled {
			sj.NextRun = nil
		}
	})
	if err == nil && s.metrics != nil {
		v := 0.0
		if enabled {
			v = 1
		}
		s.metrics.ScheduledRunning.WithLabelValues(id).Set(v)
	}
	return err
}

// Trigger materialises a job immediately, bypassing the cron schedule.
func (s *Scheduler) Trigger(ctx context.Context, id string) (string, error) {
	sj, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	jobID, fireErr := s.materialize(ctx, sj)
	s.recordHistory(sj.ID, jobID, fireErr)
	if fireErr != nil {
		return "", fireErr
	}
	return jobID, nil
}

// History returns the recent trigger history for a ScheduledJob
// (SPEC_FULL §C supplemented feature).
func (s *Scheduler) History(id string) []TriggerHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.history[id]
	out := make([]TriggerHistoryEntry, len(entries))
	copy(out, entries)
	return out
}

func (s *Scheduler) recordHistory(id, jobID string, err error) {
	entry := TriggerHistoryEntry{
		ScheduledJobID: id,
		FiredAt:        time.Now().UTC(),
		JobID:          jobID,
		Success:        err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := append(s.history[id], entry)
	if len(hist) > 100 {
		hist = hist[len(hist)-100:]
	}
	s.history[id] = hist
}

// Start runs the 60s evaluation loop until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.evaluate(ctx)
			}
		}
	}()
}

// Stop halts the evaluation loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// evaluate attempts to acquire scheduler-lock; only the holder materialises
// due jobs this tick (§4.3).
func (s *Scheduler) evaluate(ctx context.Context) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, lockKey, token, lockTTL).Result()
	if err != nil {
		s.log.WithError(err).Error("acquire scheduler-lock failed")
		return
	}
	if !ok {
		return
	}
	defer s.releaseLock(ctx, token)

	if s.metrics != nil {
		s.metrics.SchedulerTicks.Inc()
	}

	jobs, err := s.List(ctx)
	if err != nil {
		s.log.WithError(err).Error("list scheduled jobs failed")
		return
	}

	now := time.Now().UTC()
	for _, sj := range jobs {
		if !sj.Enabled || sj.NextRun == nil || sj.NextRun.After(now) {
			continue
		}
		jobID, fireErr := s.materialize(ctx, &sj)
		s.recordHistory(sj.ID, jobID, fireErr)
		if fireErr != nil {
			s.log.WithField("scheduled_job_id", sj.ID).WithError(fireErr).Error("materialize failed")
			if s.metrics != nil {
				s.metrics.SchedulerFailed.Inc()
			}
		}
	}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *Scheduler) releaseLock(ctx context.Context, token string) {
	if err := releaseScript.Run(ctx, s.rdb, []string{lockKey}, token).Err(); err != nil {
		s.log.WithError(err).Warn("release scheduler-lock failed")
	}
}

// materialize enqueues a derived Job and always recomputes next-run, even
// on enqueue failure, so a failing job never stalls its own schedule (§4.3).
func (s *Scheduler) materialize(ctx context.Context, sj *ScheduledJob) (string, error) {
	jobID, enqErr := s.queue.Enqueue(ctx, sj.JobType, sj.Payload, queue.EnqueueOptions{
		Priority: sj.Priority,
		RetryMax: sj.RetryMax,
		Metadata: queue.Metadata{ParentID: sj.ID, Tags: sj.Tags},
	})

	now := time.Now().UTC()
	sj.LastRun = &now
	sj.RunCount++
	if enqErr != nil {
		sj.FailCount++
	}

	next, nextErr := NextRun(sj.Cron, now)
	if nextErr == nil {
		sj.NextRun = &next
	}

	if err := s.save(ctx, *sj); err != nil {
		s.log.WithField("scheduled_job_id", sj.ID).WithError(err).Error("persist scheduled job failed")
	}

	return jobID, enqErr
}
