package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"taskwarden/internal/backoff"
	"taskwarden/internal/manifest"
	"taskwarden/internal/quarantine"
	logx "taskwarden/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.snapshot.json (periodic snapshot of all three sets)
//   - <prefix>.state.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	tasks       map[string]manifest.Task
	backoffs    map[string]backoff.State
	quarantines map[string]quarantine.Record

	writes int
}

type fileSnapshot struct {
	Tasks       map[string]manifest.Task     `json:"tasks"`
	Backoffs    map[string]backoff.State     `json:"backoffs"`
	Quarantines map[string]quarantine.Record `json:"quarantines"`
}

type journalRecord struct {
	Kind string `json:"kind"` // "task" | "backoff" | "quarantine"
	Op   string `json:"op"`   // "put" | "del"
	ID   string `json:"id"`

	Task       *manifest.Task     `json:"task,omitempty"`
	Backoff    *backoff.State     `json:"backoff,omitempty"`
	Quarantine *quarantine.Record `json:"quarantine,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		tasks:        map[string]manifest.Task{},
		backoffs:     map[string]backoff.State{},
		quarantines:  map[string]quarantine.Record{},
	}

	_ = s.loadSnapshot(snapPath)
	_ = s.replayJournal(journalPath)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Compact on close so restarts start from a clean snapshot.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("state compact on close failed", logx.Err(err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

// ---- tasks ----

func (s *fileStore) SaveTask(ctx context.Context, t manifest.Task) error {
	_ = ctx
	if t.ID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return s.appendLocked(journalRecord{Kind: "task", Op: "put", ID: t.ID, Task: &t})
}

func (s *fileStore) DeleteTask(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return s.appendLocked(journalRecord{Kind: "task", Op: "del", ID: id})
}

func (s *fileStore) LoadTasks(ctx context.Context) ([]manifest.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]manifest.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out, nil
}

// ---- backoff ----

func (s *fileStore) SaveBackoff(ctx context.Context, st backoff.State) error {
	_ = ctx
	if st.TaskID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backoffs[st.TaskID] = st
	return s.appendLocked(journalRecord{Kind: "backoff", Op: "put", ID: st.TaskID, Backoff: &st})
}

func (s *fileStore) DeleteBackoff(ctx context.Context, taskID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backoffs, taskID)
	return s.appendLocked(journalRecord{Kind: "backoff", Op: "del", ID: taskID})
}

func (s *fileStore) LoadBackoff(ctx context.Context) ([]backoff.State, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backoff.State, 0, len(s.backoffs))
	for _, st := range s.backoffs {
		out = append(out, st)
	}
	return out, nil
}

// ---- quarantine ----

func (s *fileStore) AppendQuarantine(ctx context.Context, r quarantine.Record) error {
	_ = ctx
	if r.TaskID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.quarantines[r.TaskID]; exists {
		return nil
	}
	s.quarantines[r.TaskID] = r
	return s.appendLocked(journalRecord{Kind: "quarantine", Op: "put", ID: r.TaskID, Quarantine: &r})
}

func (s *fileStore) DeleteQuarantine(ctx context.Context, taskID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quarantines, taskID)
	return s.appendLocked(journalRecord{Kind: "quarantine", Op: "del", ID: taskID})
}

func (s *fileStore) LoadQuarantine(ctx context.Context) ([]quarantine.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]quarantine.Record, 0, len(s.quarantines))
	for _, r := range s.quarantines {
		out = append(out, r)
	}
	return out, nil
}

// ---- snapshot/journal plumbing ----

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journalFile == nil {
		return errors.New("state journal closed")
	}
	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{
		Tasks:       s.tasks,
		Backoffs:    s.backoffs,
		Quarantines: s.quarantines,
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Tasks {
		s.tasks[k] = v
	}
	for k, v := range snap.Backoffs {
		s.backoffs[k] = v
	}
	for k, v := range snap.Quarantines {
		s.quarantines[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.ID == "" {
			continue
		}
		switch rec.Kind {
		case "task":
			if rec.Op == "del" {
				delete(s.tasks, rec.ID)
			} else if rec.Task != nil {
				s.tasks[rec.ID] = *rec.Task
			}
		case "backoff":
			if rec.Op == "del" {
				delete(s.backoffs, rec.ID)
			} else if rec.Backoff != nil {
				s.backoffs[rec.ID] = *rec.Backoff
			}
		case "quarantine":
			if rec.Op == "del" {
				delete(s.quarantines, rec.ID)
			} else if rec.Quarantine != nil {
				s.quarantines[rec.ID] = *rec.Quarantine
			}
		}
	}
	return sc.Err()
}
