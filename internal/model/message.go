// Package model holds the broadcast data types shared by intake, storage and
// the dispatch paths.
package model

import "time"

type Kind string

const (
	KindText  Kind = "text"
	KindMedia Kind = "media"
)

func (k Kind) Valid() bool { return k == KindText || k == KindMedia }

// MediaType selects how a media broadcast is rendered by the transport.
type MediaType string

const (
	MediaPhoto    MediaType = "photo"
	MediaDocument MediaType = "document"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	// StatusCancelled is the tombstone state; a cancelled message never leaves it.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Message is one broadcast. Recipients never change after creation.
type Message struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Body       string     `json:"body"`
	MediaRef   string     `json:"media_ref,omitempty"`
	MediaType  MediaType  `json:"media_type,omitempty"`
	Recipients []string   `json:"recipients"`
	NotBefore  *time.Time `json:"not_before,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Status     Status     `json:"status"`
}

// DueAt is NotBefore when set, else CreatedAt.
func (m *Message) DueAt() time.Time {
	if m.NotBefore != nil && !m.NotBefore.IsZero() {
		return *m.NotBefore
	}
	return m.CreatedAt
}

// Clone returns a deep copy safe to hand out of a lock.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Recipients = append([]string(nil), m.Recipients...)
	if m.NotBefore != nil {
		nb := *m.NotBefore
		cp.NotBefore = &nb
	}
	return &cp
}
