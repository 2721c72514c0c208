package storage

import (
	"context"
	"errors"
	"time"

	"taskwarden/internal/backoff"
	"taskwarden/internal/manifest"
	"taskwarden/internal/quarantine"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (snapshot + jsonl journal)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and state does not
// survive a supervisor restart.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the manifest, backoff controller,
// and quarantine store. It satisfies manifest.Persister, backoff.Persister,
// and quarantine.Persister.
type Store interface {
	SaveTask(ctx context.Context, t manifest.Task) error
	DeleteTask(ctx context.Context, id string) error
	LoadTasks(ctx context.Context) ([]manifest.Task, error)

	SaveBackoff(ctx context.Context, s backoff.State) error
	DeleteBackoff(ctx context.Context, taskID string) error
	LoadBackoff(ctx context.Context) ([]backoff.State, error)

	AppendQuarantine(ctx context.Context, r quarantine.Record) error
	DeleteQuarantine(ctx context.Context, taskID string) error
	LoadQuarantine(ctx context.Context) ([]quarantine.Record, error)

	Close() error
}
