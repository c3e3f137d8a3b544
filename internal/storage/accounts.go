package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// MarkUnreachable flags a recipient as permanently unreachable.
func (s *SQLite) MarkUnreachable(ctx context.Context, recipientID string) error {
	if err := s.usable(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(recipient_id, reachable, unreachable_at, updated_at) VALUES(?, 0, ?, ?)
ON CONFLICT(recipient_id) DO UPDATE SET
	reachable = 0,
	unreachable_at = excluded.unreachable_at,
	updated_at = excluded.updated_at`, recipientID, now, now)
	return err
}

// MarkReachable clears the unreachable flag, e.g. after a user restarts the bot.
func (s *SQLite) MarkReachable(ctx context.Context, recipientID string) error {
	if err := s.usable(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts(recipient_id, reachable, unreachable_at, updated_at) VALUES(?, 1, NULL, ?)
ON CONFLICT(recipient_id) DO UPDATE SET
	reachable = 1,
	unreachable_at = NULL,
	updated_at = excluded.updated_at`, recipientID, now)
	return err
}

// Reachable reports whether the recipient is usable. Unknown recipients are reachable.
func (s *SQLite) Reachable(ctx context.Context, recipientID string) (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT reachable FROM accounts WHERE recipient_id = ?`, recipientID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return v != 0, nil
}
