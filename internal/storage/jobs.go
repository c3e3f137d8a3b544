package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"castbot/internal/model"
)

func (s *SQLite) InsertJob(ctx context.Context, j model.Job) error {
	if err := s.usable(); err != nil {
		return err
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.AvailableAt.IsZero() {
		j.AvailableAt = j.CreatedAt
	}
	if j.Payload == nil {
		j.Payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(id, topic, payload, state, attempts, available_at, lease_until, created_at, updated_at)
VALUES(?, ?, ?, ?, 0, ?, 0, ?, ?)`,
		j.ID, j.Topic, j.Payload, string(model.JobQueued),
		j.AvailableAt.UnixMilli(), j.CreatedAt.UnixMilli(), now.UnixMilli(),
	)
	return err
}

// ClaimNextJob leases the oldest available job for topic. Queued jobs whose
// available_at has passed and running jobs whose lease expired are
// eligible. Returns (nil, nil) when nothing is ready.
func (s *SQLite) ClaimNextJob(ctx context.Context, topic string, now time.Time, lease time.Duration) (*model.Job, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	ms := now.UnixMilli()
	row := s.db.QueryRowContext(ctx, `
UPDATE jobs SET state = 'running', attempts = attempts + 1, lease_until = ?, updated_at = ?
WHERE id = (
	SELECT id FROM jobs
	WHERE topic = ?
	  AND ((state = 'queued' AND available_at <= ?) OR (state = 'running' AND lease_until < ?))
	ORDER BY available_at, created_at
	LIMIT 1
)
RETURNING id, topic, payload, state, attempts, available_at, created_at, COALESCE(last_error, '')`,
		now.Add(lease).UnixMilli(), ms, topic, ms, ms)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// FinishJob marks a job done or failed.
func (s *SQLite) FinishJob(ctx context.Context, id string, state model.JobState, lastErr string) error {
	if err := s.usable(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET state = ?, last_error = NULLIF(?, ''), lease_until = 0, updated_at = ? WHERE id = ?`,
		string(state), lastErr, time.Now().UnixMilli(), id)
	return err
}

// RescheduleJob puts a job back in the queue for another attempt at.
func (s *SQLite) RescheduleJob(ctx context.Context, id string, at time.Time, lastErr string) error {
	if err := s.usable(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET state = 'queued', available_at = ?, last_error = NULLIF(?, ''), lease_until = 0, updated_at = ? WHERE id = ?`,
		at.UnixMilli(), lastErr, time.Now().UnixMilli(), id)
	return err
}

// DeferJob requeues a job for at without consuming an attempt.
func (s *SQLite) DeferJob(ctx context.Context, id string, at time.Time) error {
	if err := s.usable(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET state = 'queued', available_at = ?, attempts = MAX(attempts - 1, 0), lease_until = 0, updated_at = ?
WHERE id = ?`,
		at.UnixMilli(), time.Now().UnixMilli(), id)
	return err
}

// ExtendJobLease pushes the lease of a running job to until. attempt fences
// the call: a job re-leased by another worker has a higher attempt count.
func (s *SQLite) ExtendJobLease(ctx context.Context, id string, attempt int, until time.Time) (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	n, err := s.execCount(ctx, `
UPDATE jobs SET lease_until = ?, updated_at = ?
WHERE id = ? AND state = 'running' AND attempts = ?`,
		until.UnixMilli(), time.Now().UnixMilli(), id, attempt)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PendingJobs lists queued or running jobs for topic, oldest first.
func (s *SQLite) PendingJobs(ctx context.Context, topic string) ([]model.Job, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, topic, payload, state, attempts, available_at, created_at, COALESCE(last_error, '')
FROM jobs WHERE topic = ? AND state IN ('queued', 'running')
ORDER BY available_at, created_at`, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, bool, error) {
	if err := s.usable(); err != nil {
		return model.Job{}, false, err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, topic, payload, state, attempts, available_at, created_at, COALESCE(last_error, '')
FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, err
	}
	return j, true, nil
}

func scanJob(r scanner) (model.Job, error) {
	var (
		j                  model.Job
		state              string
		available, created int64
	)
	if err := r.Scan(&j.ID, &j.Topic, &j.Payload, &state, &j.Attempts, &available, &created, &j.LastError); err != nil {
		return model.Job{}, err
	}
	j.State = model.JobState(state)
	j.AvailableAt = fromMillis(available)
	j.CreatedAt = fromMillis(created)
	return j, nil
}
