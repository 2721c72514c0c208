// Package quarantine permanently removes tasks that cannot succeed from
// rotation and records them for manual inspection.
//
// Nothing in this package ever re-schedules a task: release is an explicit
// external action surfaced through the admin API.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "taskwarden/pkg/logx"
)

var ErrNotQuarantined = errors.New("quarantine: task not quarantined")

// Failure is one terminal non-success outcome in a task's history.
type Failure struct {
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Record is terminal and append-only.
type Record struct {
	RecordID      string    `json:"record_id"`
	TaskID        string    `json:"task_id"`
	Type          string    `json:"type"`
	PayloadKey    string    `json:"payload_key"`
	Reason        string    `json:"reason"` // "failure_threshold" or "permanent_error"
	Failures      []Failure `json:"failures"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

const (
	ReasonThreshold = "failure_threshold"
	ReasonPermanent = "permanent_error"
)

// Persister is the slice of the storage layer the store writes through.
type Persister interface {
	AppendQuarantine(ctx context.Context, r Record) error
	DeleteQuarantine(ctx context.Context, taskID string) error
	LoadQuarantine(ctx context.Context) ([]Record, error)
}

// Store keeps quarantine records plus a rolling failure history for tasks
// that are still in rotation (so the record carries how the task got here).
//
// The pre-quarantine history is in-memory only; the persisted record is
// written once, at quarantine time.
type Store struct {
	mu      sync.Mutex
	records map[string]Record // by task id
	history map[string][]Failure

	historyCap int
	store      Persister
	log        logx.Logger
}

func New(store Persister, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		records:    make(map[string]Record),
		history:    make(map[string][]Failure),
		historyCap: 20,
		store:      store,
		log:        log.With(logx.String("comp", "quarantine")),
	}
}

// Restore loads persisted records (startup only).
func (s *Store) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	recs, err := s.store.LoadQuarantine(ctx)
	if err != nil {
		return fmt.Errorf("quarantine: restore: %w", err)
	}
	s.mu.Lock()
	for _, r := range recs {
		if r.TaskID == "" {
			continue
		}
		s.records[r.TaskID] = r
	}
	s.mu.Unlock()
	return nil
}

// NoteFailure appends to the task's rolling failure history.
func (s *Store) NoteFailure(taskID, outcome, detail string, at time.Time) {
	s.mu.Lock()
	h := append(s.history[taskID], Failure{Outcome: outcome, Detail: detail, At: at})
	if len(h) > s.historyCap {
		h = h[len(h)-s.historyCap:]
	}
	s.history[taskID] = h
	s.mu.Unlock()
}

// Quarantine writes the terminal record for a task and drops its rolling
// history. Idempotent per task id.
func (s *Store) Quarantine(ctx context.Context, taskID, typ, payloadKey, reason string, at time.Time) (Record, error) {
	s.mu.Lock()
	if existing, ok := s.records[taskID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	rec := Record{
		RecordID:      uuid.NewString(),
		TaskID:        taskID,
		Type:          typ,
		PayloadKey:    payloadKey,
		Reason:        reason,
		Failures:      s.history[taskID],
		QuarantinedAt: at,
	}
	s.records[taskID] = rec
	delete(s.history, taskID)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.AppendQuarantine(ctx, rec); err != nil {
			return rec, fmt.Errorf("quarantine: persist record for %s: %w", taskID, err)
		}
	}
	s.log.Warn("task quarantined",
		logx.String("task", taskID),
		logx.String("type", typ),
		logx.String("reason", reason),
		logx.Int("failures", len(rec.Failures)))
	return rec, nil
}

// List returns records sorted by quarantine time, oldest first.
func (s *Store) List() []Record {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].QuarantinedAt.Before(out[j].QuarantinedAt) })
	return out
}

// Get returns the record for a task id.
func (s *Store) Get(taskID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[taskID]
	return r, ok
}

// Remove clears a record as part of an explicit release.
func (s *Store) Remove(ctx context.Context, taskID string) (Record, error) {
	s.mu.Lock()
	rec, ok := s.records[taskID]
	if ok {
		delete(s.records, taskID)
	}
	s.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotQuarantined, taskID)
	}
	if s.store != nil {
		if err := s.store.DeleteQuarantine(ctx, taskID); err != nil {
			return rec, fmt.Errorf("quarantine: delete record for %s: %w", taskID, err)
		}
	}
	return rec, nil
}
