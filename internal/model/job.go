package model

import "time"

type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Job is a persisted unit of work on the durable job backend. Payload is
// opaque to the backend.
type Job struct {
	ID          string
	Topic       string
	Payload     []byte
	State       JobState
	Attempts    int
	AvailableAt time.Time
	CreatedAt   time.Time
	LastError   string
}
