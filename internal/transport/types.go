// Package transport defines the single-recipient messaging port used by the
// broadcast dispatcher and the delivery error taxonomy it reports.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"castbot/internal/model"
)

// Media references an image or document: a URL, a local file path or a
// platform file id.
type Media struct {
	Ref  string
	Type model.MediaType
}

// Client places one message on the wire for one recipient.
type Client interface {
	SendText(ctx context.Context, recipientID, body string) error
	SendMedia(ctx context.Context, recipientID string, media Media, caption string) error
}

// DeliveryError is the typed failure of a single send.
type DeliveryError struct {
	Kind       model.FailureKind
	Detail     string
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s delivery failure: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s delivery failure: %s", e.Kind, e.Detail)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Permanent reports a recipient that will not become reachable without
// outside intervention (blocked the bot, deleted account, bad id).
func Permanent(detail string, err error) error {
	return &DeliveryError{Kind: model.FailurePermanent, Detail: detail, Err: err}
}

// Transient reports a failure worth trying again in a later cycle.
func Transient(detail string, err error) error {
	return &DeliveryError{Kind: model.FailureTransient, Detail: detail, Err: err}
}

// Outcome is the classification of one send.
type Outcome int

const (
	Delivered Outcome = iota
	TransientFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case PermanentFailure:
		return "permanent"
	default:
		return "transient"
	}
}

// Classify maps a send error to an Outcome. Untyped errors are transient.
func Classify(err error) Outcome {
	if err == nil {
		return Delivered
	}
	var de *DeliveryError
	if errors.As(err, &de) && de.Kind == model.FailurePermanent {
		return PermanentFailure
	}
	return TransientFailure
}

// RetryAfterHint returns the backoff hint carried by err, if any.
func RetryAfterHint(err error) time.Duration {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}
