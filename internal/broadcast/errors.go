package broadcast

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("invalid broadcast")
	// ErrPartialDelivery is reported to the job backend when at least one
	// recipient failed.
	ErrPartialDelivery = errors.New("broadcast delivered with failures")
	// ErrClaimHeld snoozes a durable job whose message another dispatcher
	// is processing.
	ErrClaimHeld = errors.New("broadcast claimed by another dispatcher")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid broadcast: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
