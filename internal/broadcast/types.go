package broadcast

import (
	"context"
	"time"

	"castbot/internal/jobs"
	"castbot/internal/model"
	"castbot/internal/storage"
)

// Topic is the durable job backend topic carrying broadcast payloads.
const Topic = "broadcast.dispatch"

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 500
	bodySnapshotLimit   = 1024
)

type Config struct {
	BatchSize  int
	BatchDelay time.Duration
	// MaxPause caps the inter-batch pause when the transport asks to back off.
	MaxPause            time.Duration
	TickInterval        time.Duration
	DurableWorkers      int
	FastPathMaxInflight int
	// MarkTimeout bounds one fire-and-forget MarkUnreachable call.
	MarkTimeout time.Duration
	// ClaimLease is how long a processing claim survives without renewal.
	// A dispatch renews it every ClaimLease/3; a crashed dispatcher's
	// message becomes claimable once it lapses.
	ClaimLease time.Duration
	// ClaimRecheck is how long a durable job waits before looking again at
	// a message another dispatcher is processing.
	ClaimRecheck time.Duration

	Retention     time.Duration
	PruneSchedule string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.MaxPause <= 0 {
		c.MaxPause = 30 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Millisecond
	}
	if c.DurableWorkers <= 0 {
		c.DurableWorkers = 3
	}
	if c.FastPathMaxInflight <= 0 {
		c.FastPathMaxInflight = 4
	}
	if c.MarkTimeout <= 0 {
		c.MarkTimeout = 5 * time.Second
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = time.Minute
	}
	if c.ClaimRecheck <= 0 {
		c.ClaimRecheck = 15 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 720 * time.Hour
	}
	if c.PruneSchedule == "" {
		c.PruneSchedule = "@daily"
	}
	return c
}

// DefaultConfig returns the reference tuning: batches of 10, 50ms apart,
// a 10ms fast-path tick and three durable workers.
func DefaultConfig() Config {
	return Config{BatchDelay: 50 * time.Millisecond}.withDefaults()
}

// Draft is an Intake request.
type Draft struct {
	Kind       model.Kind
	Body       string
	MediaRef   string
	MediaType  model.MediaType
	Recipients []string
	NotBefore  *time.Time
}

// Receipt is returned by Enqueue. ID is empty when nothing was created.
type Receipt struct {
	ID      string
	Targets int
}

// AccountStore receives permanent-failure escalations.
type AccountStore interface {
	MarkUnreachable(ctx context.Context, recipientID string) error
}

// ClaimStore is the shared pending -> {processing, cancelled} state machine.
// Claim and Tombstone report whether this caller won the transition. A
// processing claim is leased to owner; once the lease lapses the message
// reads as pending and can be claimed again.
type ClaimStore interface {
	ClaimMessage(ctx context.Context, id, owner string, lease time.Duration) (bool, error)
	RenewClaim(ctx context.Context, id, owner string, lease time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, id, owner string) error
	TombstoneMessage(ctx context.Context, id string) (bool, error)
	CompleteMessage(ctx context.Context, id, owner string, final model.Status) error
	MessageState(ctx context.Context, id string) (model.Status, error)
}

type HistoryStore interface {
	RecordHistory(ctx context.Context, e model.HistoryEntry) (bool, error)
	GetHistory(ctx context.Context, id string) (model.HistoryEntry, bool, error)
	ListHistory(ctx context.Context, limit int) ([]model.HistoryEntry, error)
}

// JobBackend is the durable queue both Intake and the durable worker use.
type JobBackend interface {
	EnqueueAt(ctx context.Context, topic string, payload []byte, at time.Time) (string, error)
	Register(topic string, h jobs.Handler, concurrency int) error
	Pending(ctx context.Context, topic string) ([]model.Job, error)
}

// Pruner deletes rows older than a cutoff. Optional.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (storage.PruneStats, error)
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running          bool
	PoolSize         int
	PoolPending      int
	FastPathInFlight int

	Enqueued             uint64
	Cancelled            uint64
	DispatchedFast       uint64
	DispatchedDurable    uint64
	ClaimLost            uint64
	Interrupted          uint64
	DurableEnqueueFailed uint64
	HistoryWriteFailed   uint64
	Recovered            uint64
}
