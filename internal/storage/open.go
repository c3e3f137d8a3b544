package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "castbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLite is the single persistence backend. Its method set covers the
// history recorder, account store, durable job backend and claim store.
type SQLite struct {
	db  *sql.DB
	log logx.Logger

	closed atomic.Bool
}

func Open(cfg Config, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; claim CAS relies on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &SQLite{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage migrate: %w", err)
	}
	log.Debug("storage opened", logx.String("path", path))
	return st, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) usable() error {
	if s == nil || s.db == nil || s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Prune removes history, finished jobs and terminal claims last touched
// before cutoff.
func (s *SQLite) Prune(ctx context.Context, cutoff time.Time) (PruneStats, error) {
	if err := s.usable(); err != nil {
		return PruneStats{}, err
	}
	ms := cutoff.UnixMilli()
	var st PruneStats
	var err error
	if st.History, err = s.execCount(ctx, `DELETE FROM history WHERE sent_at < ?`, ms); err != nil {
		return st, err
	}
	if st.Jobs, err = s.execCount(ctx, `DELETE FROM jobs WHERE state IN ('done','failed') AND updated_at < ?`, ms); err != nil {
		return st, err
	}
	if st.Claims, err = s.execCount(ctx, `DELETE FROM claims WHERE state IN ('sent','failed','cancelled') AND updated_at < ?`, ms); err != nil {
		return st, err
	}
	return st, nil
}

func (s *SQLite) execCount(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
