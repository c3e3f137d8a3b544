package model

import "time"

// MaxRecordedFailures caps Result.Failures.
const MaxRecordedFailures = 200

type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

type RecipientFailure struct {
	RecipientID string      `json:"recipient_id"`
	Kind        FailureKind `json:"kind"`
	Detail      string      `json:"detail"`
}

// Result is the outcome of one dispatch cycle. It is never persisted.
type Result struct {
	Success  int
	Failed   int
	Batches  int
	Elapsed  time.Duration
	Failures []RecipientFailure
	// Interrupted is set when the dispatch context ended before every
	// recipient had a definitive outcome.
	Interrupted bool
}

// HistoryEntry is the immutable summary of a completed broadcast.
type HistoryEntry struct {
	ID           string        `json:"id"`
	Kind         Kind          `json:"kind"`
	Body         string        `json:"body"`
	TargetCount  int           `json:"target_count"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	CreatedAt    time.Time     `json:"created_at"`
	SentAt       time.Time     `json:"sent_at"`
	Elapsed      time.Duration `json:"elapsed"`
	Status       Status        `json:"status"`
}
