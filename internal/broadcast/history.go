package broadcast

import (
	"context"
	"time"
	"unicode/utf8"

	"castbot/internal/model"
	logx "castbot/pkg/logx"
)

// HistoryRecorder writes one summary entry per completed broadcast. A
// second Record for the same id is ignored by the store.
type HistoryRecorder struct {
	store HistoryStore
	log   logx.Logger
}

func NewHistoryRecorder(store HistoryStore, log logx.Logger) *HistoryRecorder {
	return &HistoryRecorder{store: store, log: log}
}

// BuildEntry summarizes a dispatch. Status is sent iff nothing failed.
func BuildEntry(msg *model.Message, res model.Result, sentAt time.Time) model.HistoryEntry {
	status := model.StatusSent
	if res.Failed > 0 {
		status = model.StatusFailed
	}
	return model.HistoryEntry{
		ID:           msg.ID,
		Kind:         msg.Kind,
		Body:         snapshotBody(msg.Body),
		TargetCount:  len(msg.Recipients),
		SuccessCount: res.Success,
		FailureCount: res.Failed,
		CreatedAt:    msg.CreatedAt,
		SentAt:       sentAt,
		Elapsed:      res.Elapsed,
		Status:       status,
	}
}

// Record stores the entry once. Errors are logged and not retried; the
// returned bool reports whether this call created the entry.
func (h *HistoryRecorder) Record(ctx context.Context, msg *model.Message, res model.Result) (model.HistoryEntry, bool, error) {
	e := BuildEntry(msg, res, time.Now())
	inserted, err := h.store.RecordHistory(ctx, e)
	if err != nil {
		h.log.Warn("history write failed", logx.String("id", msg.ID), logx.Err(err))
		return e, false, err
	}
	if !inserted {
		h.log.Debug("history entry already present", logx.String("id", msg.ID))
	}
	return e, inserted, nil
}

// List returns the newest entries by SentAt. limit <= 0 means the default
// page; larger requests are capped.
func (h *HistoryRecorder) List(ctx context.Context, limit int) ([]model.HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	return h.store.ListHistory(ctx, limit)
}

func (h *HistoryRecorder) Get(ctx context.Context, id string) (model.HistoryEntry, bool, error) {
	return h.store.GetHistory(ctx, id)
}

func snapshotBody(s string) string {
	if utf8.RuneCountInString(s) <= bodySnapshotLimit {
		return s
	}
	r := []rune(s)
	return string(r[:bodySnapshotLimit])
}
