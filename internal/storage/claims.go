package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"castbot/internal/model"
)

// A claim row exists once a message leaves pending. A processing claim is
// leased to an owner token; once the lease lapses without renewal the row
// reads as pending again and the next ClaimMessage or TombstoneMessage
// takes it over.

func (s *SQLite) ClaimMessage(ctx context.Context, id, owner string, lease time.Duration) (bool, error) {
	now := time.Now()
	return s.upsertClaim(ctx, id, model.StatusProcessing, owner, now.Add(lease), now)
}

func (s *SQLite) TombstoneMessage(ctx context.Context, id string) (bool, error) {
	return s.upsertClaim(ctx, id, model.StatusCancelled, "", time.Time{}, time.Now())
}

func (s *SQLite) upsertClaim(ctx context.Context, id string, st model.Status, owner string, until, now time.Time) (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	var untilMs int64
	if !until.IsZero() {
		untilMs = until.UnixMilli()
	}
	n, err := s.execCount(ctx, `
INSERT INTO claims(id, state, owner, lease_until, updated_at) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	state = excluded.state,
	owner = excluded.owner,
	lease_until = excluded.lease_until,
	updated_at = excluded.updated_at
WHERE claims.state = 'processing' AND claims.lease_until < ?`,
		id, string(st), owner, untilMs, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RenewClaim extends a processing claim still held by owner.
func (s *SQLite) RenewClaim(ctx context.Context, id, owner string, lease time.Duration) (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	now := time.Now()
	n, err := s.execCount(ctx, `
UPDATE claims SET lease_until = ?, updated_at = ?
WHERE id = ? AND state = 'processing' AND owner = ?`,
		now.Add(lease).UnixMilli(), now.UnixMilli(), id, owner)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseClaim returns a processing claim held by owner to pending.
func (s *SQLite) ReleaseClaim(ctx context.Context, id, owner string) error {
	if err := s.usable(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE id = ? AND state = 'processing' AND owner = ?`, id, owner)
	return err
}

// CompleteMessage moves a processing claim held by owner to its final status.
func (s *SQLite) CompleteMessage(ctx context.Context, id, owner string, final model.Status) error {
	if err := s.usable(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE claims SET state = ?, lease_until = 0, updated_at = ?
WHERE id = ? AND state = 'processing' AND owner = ?`,
		string(final), time.Now().UnixMilli(), id, owner)
	return err
}

// MessageState returns the claim state. No claim, or a processing claim
// whose lease has lapsed, reads as pending.
func (s *SQLite) MessageState(ctx context.Context, id string) (model.Status, error) {
	if err := s.usable(); err != nil {
		return "", err
	}
	var (
		st    string
		until int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT state, lease_until FROM claims WHERE id = ?`, id).Scan(&st, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StatusPending, nil
	}
	if err != nil {
		return "", err
	}
	if model.Status(st) == model.StatusProcessing && until < time.Now().UnixMilli() {
		return model.StatusPending, nil
	}
	return model.Status(st), nil
}
