// Package worker launches task attempts and exposes a uniform handle the
// watchdog can observe and terminate, whether the work runs in-process or
// as a child process.
package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"taskwarden/internal/manifest"
)

var ErrUnknownType = errors.New("no executor registered for task type")

// Executor runs one attempt of a task in-process. Long-running executors
// should call hb.Beat() periodically so the watchdog can tell progress
// from a hang; executors that never beat are treated as always active.
type Executor interface {
	Execute(ctx context.Context, task manifest.Task, hb *Heartbeat) error
}

// ExecFunc adapts a function to the Executor interface.
type ExecFunc func(ctx context.Context, task manifest.Task, hb *Heartbeat) error

func (f ExecFunc) Execute(ctx context.Context, task manifest.Task, hb *Heartbeat) error {
	return f(ctx, task, hb)
}

// Handle is a running attempt as seen by the watchdog.
type Handle interface {
	// Done is closed-equivalent: it yields exactly one result when the
	// attempt finishes, for whatever reason.
	Done() <-chan error
	// LastActivity reports the most recent evidence of forward progress.
	LastActivity() time.Time
	// Terminate requests a graceful stop.
	Terminate() error
	// Kill stops the attempt without ceremony.
	Kill() error
	// Pid reports the OS process id, or 0 for in-process attempts.
	Pid() int
}

// Starter launches one attempt of a task.
type Starter interface {
	Start(ctx context.Context, task manifest.Task) (Handle, error)
}

// Registry maps task types to their starters.
type Registry struct {
	mu       sync.RWMutex
	starters map[string]Starter
}

func NewRegistry() *Registry {
	return &Registry{starters: map[string]Starter{}}
}

func (r *Registry) Register(taskType string, s Starter) {
	if taskType == "" || s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starters[taskType] = s
}

// RegisterFunc registers an in-process executor function.
func (r *Registry) RegisterFunc(taskType string, f ExecFunc) {
	r.Register(taskType, InProc(f))
}

func (r *Registry) Lookup(taskType string) (Starter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.starters[taskType]
	if !ok {
		return nil, ErrUnknownType
	}
	return s, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.starters))
	for t := range r.starters {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
