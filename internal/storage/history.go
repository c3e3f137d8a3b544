package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"castbot/internal/model"
)

// RecordHistory inserts a history row. A second insert for the same id is
// ignored and reports inserted=false.
func (s *SQLite) RecordHistory(ctx context.Context, e model.HistoryEntry) (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	n, err := s.execCount(ctx, `
INSERT INTO history(id, kind, body, target_count, success_count, failure_count, created_at, sent_at, elapsed_ms, status)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		e.ID, string(e.Kind), e.Body, e.TargetCount, e.SuccessCount, e.FailureCount,
		e.CreatedAt.UnixMilli(), e.SentAt.UnixMilli(), e.Elapsed.Milliseconds(), string(e.Status),
	)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) GetHistory(ctx context.Context, id string) (model.HistoryEntry, bool, error) {
	if err := s.usable(); err != nil {
		return model.HistoryEntry{}, false, err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, kind, body, target_count, success_count, failure_count, created_at, sent_at, elapsed_ms, status
FROM history WHERE id = ?`, id)
	e, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.HistoryEntry{}, false, nil
	}
	if err != nil {
		return model.HistoryEntry{}, false, err
	}
	return e, true, nil
}

// ListHistory returns up to limit entries, newest sent first.
func (s *SQLite) ListHistory(ctx context.Context, limit int) ([]model.HistoryEntry, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, body, target_count, success_count, failure_count, created_at, sent_at, elapsed_ms, status
FROM history ORDER BY sent_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.HistoryEntry, 0, limit)
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHistory(r scanner) (model.HistoryEntry, error) {
	var (
		e             model.HistoryEntry
		kind, status  string
		created, sent int64
		elapsedMillis int64
	)
	if err := r.Scan(&e.ID, &kind, &e.Body, &e.TargetCount, &e.SuccessCount, &e.FailureCount,
		&created, &sent, &elapsedMillis, &status); err != nil {
		return model.HistoryEntry{}, err
	}
	e.Kind = model.Kind(kind)
	e.Status = model.Status(status)
	e.CreatedAt = fromMillis(created)
	e.SentAt = fromMillis(sent)
	e.Elapsed = time.Duration(elapsedMillis) * time.Millisecond
	return e, nil
}
