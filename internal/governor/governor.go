// Package governor tracks named resource classes, each with a fixed integer
// concurrency cap, and issues permits against them.
//
// A class with capacity 1 gives strict mutual exclusion (e.g. "only one
// heavy browser-automation worker at a time"). The empty class name or
// "none" means the task consumes no governed resource.
package governor

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrBusy         = errors.New("governor: class at capacity")
	ErrUnknownClass = errors.New("governor: unknown resource class")
)

// ClassNone marks tasks that consume no governed resource.
const ClassNone = "none"

// Governor issues and reclaims permits for named resource classes.
//
// Capacities are fixed at construction. Acquire blocks the calling
// scheduling step (never the whole process) until a slot frees or the
// timeout elapses.
type Governor struct {
	mu      sync.Mutex
	classes map[string]*class
}

// class is a channel-based semaphore. Tokens are pre-filled up to capacity.
type class struct {
	name string
	cap  int
	ch   chan struct{}
}

// Permit is a lease on one unit of a resource class.
// Release is idempotent: releasing twice is a safe no-op.
type Permit struct {
	class *class
	once  sync.Once
}

// Utilization is a point-in-time view of one class, for operators.
type Utilization struct {
	Class    string `json:"class"`
	Capacity int    `json:"capacity"`
	InUse    int    `json:"in_use"`
}

// New builds a Governor from class name -> capacity.
// Non-positive capacities are clamped to 1.
func New(capacities map[string]int) *Governor {
	g := &Governor{classes: make(map[string]*class, len(capacities))}
	for name, capN := range capacities {
		name = strings.TrimSpace(name)
		if name == "" || name == ClassNone {
			continue
		}
		if capN <= 0 {
			capN = 1
		}
		c := &class{name: name, cap: capN, ch: make(chan struct{}, capN)}
		for i := 0; i < capN; i++ {
			c.ch <- struct{}{}
		}
		g.classes[name] = c
	}
	return g
}

// Acquire leases one unit of the named class.
//
// It returns ErrBusy when no slot frees within timeout, and ErrUnknownClass
// for classes that were not configured; both let the caller leave the task
// Pending without penalizing it. The empty class and ClassNone return a
// permit immediately.
func (g *Governor) Acquire(ctx context.Context, className string, timeout time.Duration) (*Permit, error) {
	className = strings.TrimSpace(className)
	if className == "" || className == ClassNone {
		return &Permit{}, nil
	}

	g.mu.Lock()
	c := g.classes[className]
	g.mu.Unlock()
	if c == nil {
		return nil, ErrUnknownClass
	}

	// Fast path: a token is free right now.
	select {
	case <-c.ch:
		return &Permit{class: c}, nil
	default:
	}
	if timeout <= 0 {
		return nil, ErrBusy
	}

	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	select {
	case <-c.ch:
		return &Permit{class: c}, nil
	case <-tmr.C:
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire is Acquire with a zero timeout.
func (g *Governor) TryAcquire(className string) (*Permit, error) {
	return g.Acquire(context.Background(), className, 0)
}

// Release returns the permit's slot to its class.
// Safe on nil permits and on repeated calls.
func (p *Permit) Release() {
	if p == nil || p.class == nil {
		return
	}
	p.once.Do(func() {
		// Best-effort: never block on release.
		select {
		case p.class.ch <- struct{}{}:
		default:
		}
	})
}

// Class reports the permit's class name ("" for the no-op permit).
func (p *Permit) Class() string {
	if p == nil || p.class == nil {
		return ""
	}
	return p.class.name
}

// Utilizations returns per-class usage sorted by class name.
func (g *Governor) Utilizations() []Utilization {
	g.mu.Lock()
	out := make([]Utilization, 0, len(g.classes))
	for _, c := range g.classes {
		out = append(out, Utilization{
			Class:    c.name,
			Capacity: c.cap,
			InUse:    c.cap - len(c.ch),
		})
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

// Classes reports the configured class names.
func (g *Governor) Classes() []string {
	g.mu.Lock()
	names := make([]string, 0, len(g.classes))
	for name := range g.classes {
		names = append(names, name)
	}
	g.mu.Unlock()
	sort.Strings(names)
	return names
}
