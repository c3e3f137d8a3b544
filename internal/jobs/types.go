package jobs

import (
	"context"
	"time"

	"castbot/internal/model"
)

// Store is the persistence the job service runs on.
type Store interface {
	InsertJob(ctx context.Context, j model.Job) error
	ClaimNextJob(ctx context.Context, topic string, now time.Time, lease time.Duration) (*model.Job, error)
	FinishJob(ctx context.Context, id string, state model.JobState, lastErr string) error
	RescheduleJob(ctx context.Context, id string, at time.Time, lastErr string) error
	DeferJob(ctx context.Context, id string, at time.Time) error
	ExtendJobLease(ctx context.Context, id string, attempt int, until time.Time) (bool, error)
	PendingJobs(ctx context.Context, topic string) ([]model.Job, error)
}

// Handler processes one job. A nil return acks the job.
type Handler func(ctx context.Context, job model.Job) error

type Config struct {
	// PollInterval bounds how long an idle worker sleeps when no enqueue
	// signal arrives (jobs enqueued by another process, delayed jobs).
	PollInterval time.Duration
	// Lease is how long a claimed job stays invisible to other workers. A
	// running handler renews it every Lease/3, so it only bounds how soon
	// a crashed worker's job is picked up again.
	Lease time.Duration
	// HandlerTimeout caps one handler call. 0 disables it.
	HandlerTimeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

// JobEvent is published on the event bus for job lifecycle events.
type JobEvent struct {
	ID       string        `json:"id"`
	Topic    string        `json:"topic"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool
	Topics    map[string]int // topic -> workers
	InFlight  int64
	Enqueued  uint64
	Completed uint64
	Failed    uint64
	Retried   uint64
	Snoozed   uint64
	Panics    uint64
}
