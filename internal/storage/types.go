package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// PruneStats reports rows removed by Prune.
type PruneStats struct {
	History int64
	Jobs    int64
	Claims  int64
}
