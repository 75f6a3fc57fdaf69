// Package queue implements the durable, priority-ordered background job
// queue (C1): Redis sorted sets per status hold ordering, a Redis hash per
// job id holds the body, and lifecycle transitions are atomic moves between
// sets.
package queue

import (
	"errors"
	"time"
)

// JobType enumerates the recognised job-type tags.
type JobType string

const (
	JobParquetExport     JobType = "parquet-export"
	JobPipelineExecution JobType = "pipeline-execution"
	JobDataSync          JobType = "data-sync"
	JobReport            JobType = "report"
	JobCacheRefresh      JobType = "cache-refresh"
	JobIndex             JobType = "index"
	JobUpload            JobType = "upload"
	JobCleanup           JobType = "cleanup"
	JobBackup            JobType = "backup"
	JobNotify            JobType = "notify"
)

// Priority is ordered low < normal < high < critical < urgent; the integer
// value is used directly in the composite sort score.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityUrgent
)

// ParsePriority maps a string to a Priority, defaulting to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// Status is a Job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRetrying  Status = "retrying"
	StatusPaused    Status = "paused"
	StatusDead      Status = "dead_letter"
)

// IsTerminal reports whether a status is final under the "a terminal status
// is never overwritten" invariant (§3).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusDead:
		return true
	default:
		return false
	}
}

// JobError records a handler failure.
type JobError struct {
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata carries job provenance, independent of the payload.
type Metadata struct {
	CreatorID         string   `json:"creator_id,omitempty"`
	ParentID          string   `json:"parent_id,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	EstimatedDuration int64    `json:"estimated_duration_ms,omitempty"`
}

// Job is the unit of work the queue persists and the worker pool claims.
type Job struct {
	ID         string                 `json:"id"`
	Type       JobType                `json:"type"`
	Payload    map[string]interface{} `json:"payload"`
	Priority   Priority               `json:"priority"`
	Status     Status                 `json:"status"`
	Progress   int                    `json:"progress"`
	RetryCount int                    `json:"retry_count"`
	RetryMax   int                    `json:"retry_max"`
	CreatedAt  time.Time              `json:"created_at"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Error      *JobError              `json:"error,omitempty"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Metadata   Metadata               `json:"metadata"`
}

// EnqueueOptions configures enqueue().
type EnqueueOptions struct {
	Priority Priority
	RetryMax int
	Metadata Metadata
}

// Stats summarises queue depth per status.
type Stats struct {
	Pending     int64 `json:"pending"`
	Running     int64 `json:"running"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	DeadLetter  int64 `json:"dead_letter"`
	Retrying    int64 `json:"retrying"`
}

// Event is published on the lifecycle broadcast topic (§4.1).
type Event struct {
	Kind string `json:"kind"` // added, updated, completed, failed
	Job  Job    `json:"job"`
}

var (
	// ErrJobNotFound is returned when a job id has no corresponding hash.
	ErrJobNotFound = errors.New("job not found")
	// ErrQueueFull names a full-queue condition. Enqueue has no capacity
	// bound and never returns it.
	ErrQueueFull = errors.New("queue is full")
	// ErrAlreadyTerminal is returned when a transition is attempted on a
	// job that has already reached a terminal status.
	ErrAlreadyTerminal = errors.New("job has already reached a terminal status")
)
