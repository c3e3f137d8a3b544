package jobs

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped      = errors.New("job service stopped")
	ErrUnknownTopic = errors.New("no handler registered for topic")
	ErrStarted      = errors.New("job service already started")
)

// NoRetry marks a handler error as final: the job is recorded as failed
// and never handed to a handler again.
//
//	return jobs.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter suggests a delay before the next attempt. The hint is bounded
// by Config.RetryMaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Snooze puts the job back in the queue for after without counting the run
// as an attempt. Handlers use it when the work is owned elsewhere for now
// and must be checked again later.
func Snooze(reason error, after time.Duration) error {
	if reason == nil {
		reason = errors.New("snoozed")
	}
	if after < 0 {
		after = 0
	}
	return snoozeError{err: reason, after: after}
}

// IsSnoozed reports whether err is wrapped with Snooze.
func IsSnoozed(err error) bool {
	var e snoozeError
	return errors.As(err, &e)
}

type snoozeError struct {
	err   error
	after time.Duration
}

func (e snoozeError) Error() string { return fmt.Sprintf("snoozed(%s): %v", e.after, e.err) }
func (e snoozeError) Unwrap() error { return e.err }
