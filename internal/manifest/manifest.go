// Package manifest owns the ordered backlog of pending work and the
// authoritative state of in-flight and terminal tasks.
//
// All status mutation funnels through Mark/Requeue/Release so there is a
// single writer per task id; other components only observe or request.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	logx "taskwarden/pkg/logx"
)

var (
	ErrNotFound          = errors.New("manifest: task not found")
	ErrIllegalTransition = errors.New("manifest: illegal status transition")
)

// Persister is the slice of the storage layer the manifest writes through.
// A nil Persister keeps the manifest purely in-memory (tests).
type Persister interface {
	SaveTask(ctx context.Context, t Task) error
	DeleteTask(ctx context.Context, id string) error
}

// Manifest is the task queue plus the per-task state store.
type Manifest struct {
	mu    sync.Mutex
	tasks map[string]*Task
	seq   uint64

	store Persister
	log   logx.Logger
}

func New(store Persister, log logx.Logger) *Manifest {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manifest{
		tasks: make(map[string]*Task),
		store: store,
		log:   log.With(logx.String("comp", "manifest")),
	}
}

// Restore seeds the manifest from persisted task records (startup only).
// It returns the ids of tasks that were recorded Running: their workers died
// with the previous supervisor instance and the caller must route them
// through the restart controller as crashes.
func (m *Manifest) Restore(tasks []Task) (orphaned []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range tasks {
		t := tasks[i]
		if t.ID == "" {
			continue
		}
		if t.Seq > m.seq {
			m.seq = t.Seq
		}
		cp := t
		m.tasks[t.ID] = &cp
		if t.Status == StatusRunning {
			orphaned = append(orphaned, t.ID)
		}
	}
	return orphaned
}

// Enqueue inserts a Pending task if no task with the same identity exists.
//
// Dedup rules:
//   - Pending/Running duplicate: no-op, the existing id is returned.
//   - Quarantined duplicate: no-op; quarantine is only left via Release.
//   - Succeeded tasks are removed on success, so re-submission after success
//     runs the work again (same id).
func (m *Manifest) Enqueue(ctx context.Context, typ, payloadKey, resourceClass string) (id string, created bool, err error) {
	typ = strings.TrimSpace(typ)
	payloadKey = strings.TrimSpace(payloadKey)
	if typ == "" {
		return "", false, errors.New("manifest: task type is required")
	}
	if payloadKey == "" {
		return "", false, errors.New("manifest: payload key is required")
	}
	id = TaskID(typ, payloadKey)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.tasks[id]; existing != nil {
		return id, false, nil
	}

	m.seq++
	t := &Task{
		ID:            id,
		Type:          typ,
		PayloadKey:    payloadKey,
		ResourceClass: strings.TrimSpace(resourceClass),
		Status:        StatusPending,
		EnqueuedAt:    time.Now(),
		Seq:           m.seq,
	}
	m.tasks[id] = t
	if err := m.persistLocked(ctx, t); err != nil {
		delete(m.tasks, id)
		return "", false, err
	}
	m.log.Debug("task enqueued", logx.String("task", id), logx.String("type", typ), logx.String("key", payloadKey))
	return id, true, nil
}

// NextReady returns a copy of the oldest Pending task whose backoff gate has
// passed, or false if none is eligible. FIFO by arrival within equal
// eligibility.
func (m *Manifest) NextReady(now time.Time) (Task, bool) {
	ready := m.Ready(now)
	if len(ready) == 0 {
		return Task{}, false
	}
	return ready[0], true
}

// Ready returns copies of all currently eligible Pending tasks in arrival
// order. The scheduler walks this list so that a busy resource class never
// blocks a later-arrived task in a different class.
func (m *Manifest) Ready(now time.Time) []Task {
	m.mu.Lock()
	out := make([]Task, 0, 8)
	for _, t := range m.tasks {
		if t.Eligible(now) {
			out = append(out, *t)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Mark is the sole mutation entrypoint for task status.
//
// Bookkeeping applied here so callers cannot get it wrong:
//   - -> Running: stamps LastAttemptAt.
//   - -> HungKilled/TimedOut/Crashed: increments AttemptCount.
//   - -> Succeeded: removes the task from the active manifest (a later
//     submit of the same identity starts fresh).
func (m *Manifest) Mark(ctx context.Context, id string, status Status, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tasks[id]
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !transitionAllowed(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrIllegalTransition, t.Status, status, id)
	}

	prev := t.Status
	t.Status = status
	t.Detail = detail
	switch {
	case status == StatusRunning:
		t.LastAttemptAt = time.Now()
	case status.Failure():
		t.AttemptCount++
	}

	if status == StatusSucceeded {
		delete(m.tasks, id)
		if m.store != nil {
			if err := m.store.DeleteTask(ctx, id); err != nil {
				m.log.Warn("failed deleting succeeded task", logx.String("task", id), logx.Err(err))
			}
		}
		m.log.Debug("task finished", logx.String("task", id), logx.String("from", string(prev)))
		return nil
	}
	return m.persistLocked(ctx, t)
}

// Requeue returns a failed task to Pending with a backoff gate.
// Resource contention never lands here; it leaves the task Pending untouched.
func (m *Manifest) Requeue(ctx context.Context, id string, nextEligibleAt time.Time, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tasks[id]
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !transitionAllowed(t.Status, StatusPending) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrIllegalTransition, t.Status, StatusPending, id)
	}
	t.Status = StatusPending
	t.Detail = detail
	t.NextEligibleAt = nextEligibleAt
	return m.persistLocked(ctx, t)
}

// Release re-admits a quarantined task as a fresh Pending task: counters and
// backoff gate reset, identity preserved. Only ever invoked by an explicit
// external action.
func (m *Manifest) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tasks[id]
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status != StatusQuarantined {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrIllegalTransition, t.Status, StatusPending, id)
	}
	t.Status = StatusPending
	t.Detail = "released from quarantine"
	t.AttemptCount = 0
	t.NextEligibleAt = time.Time{}
	return m.persistLocked(ctx, t)
}

// Get returns a copy of a task by id.
func (m *Manifest) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	if t == nil {
		return Task{}, false
	}
	return *t, true
}

// List returns copies of tasks, optionally filtered by status, in arrival order.
func (m *Manifest) List(filter Status) []Task {
	m.mu.Lock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if filter != "" && t.Status != filter {
			continue
		}
		out = append(out, *t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (m *Manifest) persistLocked(ctx context.Context, t *Task) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveTask(ctx, *t); err != nil {
		return fmt.Errorf("manifest: persist task %s: %w", t.ID, err)
	}
	return nil
}
