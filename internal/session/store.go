// Package session persists conversation threads and replays them as model
// history.
package session

import (
	"context"
	"errors"
	"path/filepath"
)

// ErrThreadNotFound is returned for operations on a missing thread.
var ErrThreadNotFound = errors.New("thread not found")

// Store is the interface for conversation persistence.
type Store interface {
	CreateThread(ctx context.Context, t *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreads(ctx context.Context, opts ListOptions) ([]Thread, error)
	DeleteThread(ctx context.Context, id string) error

	// AddMessage appends rec to a thread. A negative rec.Seq is replaced
	// with the next free sequence number.
	AddMessage(ctx context.Context, threadID string, rec *Record) error
	GetMessages(ctx context.Context, threadID string) ([]Record, error)

	Close() error
}

// Config holds conversation storage configuration.
type Config struct {
	Enabled bool
	Path    string // database file; empty means DBFile under the data dir
}

// DBFile is the database file name inside the data directory.
const DBFile = "threads.db"

// DBPath returns the database path for dataDir.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, DBFile)
}

// NewStore creates a Store based on the configuration.
// If storage is disabled, returns a no-op store.
func NewStore(cfg Config) (Store, error) {
	if !cfg.Enabled {
		return &NoopStore{}, nil
	}
	return NewSQLiteStore(cfg.Path)
}
