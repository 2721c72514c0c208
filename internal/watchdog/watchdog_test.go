package watchdog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskwarden/internal/manifest"
	logx "taskwarden/pkg/logx"
)

// fakeHandle gives tests full control over a worker's lifecycle.
type fakeHandle struct {
	done chan error

	mu           sync.Mutex
	lastActivity time.Time

	exitOnTerm bool // honor SIGTERM-equivalent
	exitOnKill bool

	terminated atomic.Int32
	killed     atomic.Int32
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		done:         make(chan error, 1),
		lastActivity: time.Now(),
		exitOnKill:   true,
	}
}

func (f *fakeHandle) Done() <-chan error { return f.done }

func (f *fakeHandle) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}

func (f *fakeHandle) touch() {
	f.mu.Lock()
	f.lastActivity = time.Now()
	f.mu.Unlock()
}

func (f *fakeHandle) Terminate() error {
	f.terminated.Add(1)
	if f.exitOnTerm {
		f.done <- errors.New("terminated")
	}
	return nil
}

func (f *fakeHandle) Kill() error {
	f.killed.Add(1)
	if f.exitOnKill {
		f.done <- errors.New("killed")
	}
	return nil
}

func (f *fakeHandle) Pid() int { return 0 }

func quickConfig() Config {
	return Config{
		GracePeriod:       20 * time.Millisecond,
		ProbeInterval:     10 * time.Millisecond,
		ActivityThreshold: 30 * time.Millisecond,
		MaxStrikes:        3,
		HardTimeout:       5 * time.Second,
		TermGrace:         20 * time.Millisecond,
	}
}

func watchTask(id string) manifest.Task {
	return manifest.Task{ID: id, Type: "test", PayloadKey: "p"}
}

func TestWatchNaturalSuccess(t *testing.T) {
	t.Parallel()

	h := newFakeHandle()
	w := New(quickConfig(), logx.Nop())
	go func() {
		time.Sleep(10 * time.Millisecond)
		h.done <- nil
	}()

	out := w.Watch(context.Background(), watchTask("t1"), h)
	if out.Status != manifest.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", out.Status, out.Detail)
	}
	if h.terminated.Load() != 0 || h.killed.Load() != 0 {
		t.Fatal("successful worker should not be signalled")
	}
	if out.AttemptID == "" {
		t.Fatal("missing attempt id")
	}
}

func TestWatchNaturalCrash(t *testing.T) {
	t.Parallel()

	h := newFakeHandle()
	w := New(quickConfig(), logx.Nop())
	go func() { h.done <- errors.New("exit status 2") }()

	out := w.Watch(context.Background(), watchTask("t2"), h)
	if out.Status != manifest.StatusCrashed {
		t.Fatalf("expected crashed, got %s", out.Status)
	}
	if out.Detail != "exit status 2" {
		t.Fatalf("crash detail lost: %q", out.Detail)
	}
}

func TestWatchHangAfterStrikes(t *testing.T) {
	t.Parallel()

	h := newFakeHandle()
	h.exitOnTerm = true
	w := New(quickConfig(), logx.Nop())

	// Worker was active once at start and then goes silent.
	out := w.Watch(context.Background(), watchTask("t3"), h)
	if out.Status != manifest.StatusHungKilled {
		t.Fatalf("expected hung_killed, got %s (%s)", out.Status, out.Detail)
	}
	if out.Strikes < 3 {
		t.Fatalf("expected at least 3 strikes, got %d", out.Strikes)
	}
	if h.terminated.Load() == 0 {
		t.Fatal("hung worker was never terminated")
	}
}

func TestWatchActivityResetsStrikes(t *testing.T) {
	t.Parallel()

	h := newFakeHandle()
	cfg := quickConfig()
	cfg.HardTimeout = 400 * time.Millisecond
	w := New(cfg, logx.Nop())

	// Keep beating: the worker must never be declared hung, so the hard
	// timeout is what ends the attempt.
	stopBeats := make(chan struct{})
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				h.touch()
			case <-stopBeats:
				return
			}
		}
	}()
	defer close(stopBeats)

	h.exitOnTerm = true
	out := w.Watch(context.Background(), watchTask("t4"), h)
	if out.Status != manifest.StatusTimedOut {
		t.Fatalf("expected timed_out for an active-but-overlong worker, got %s (%s)", out.Status, out.Detail)
	}
	if h.terminated.Load() == 0 {
		t.Fatal("timed out worker was never terminated")
	}
}

func TestWatchEscalatesToKill(t *testing.T) {
	t.Parallel()

	h := newFakeHandle()
	h.exitOnTerm = false // ignores polite termination
	h.exitOnKill = true
	cfg := quickConfig()
	cfg.HardTimeout = 50 * time.Millisecond
	w := New(cfg, logx.Nop())

	go func() {
		for i := 0; i < 100; i++ {
			h.touch()
			time.Sleep(5 * time.Millisecond)
		}
	}()

	out := w.Watch(context.Background(), watchTask("t5"), h)
	if out.Status != manifest.StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", out.Status)
	}
	if h.terminated.Load() == 0 {
		t.Fatal("expected a graceful terminate first")
	}
	if h.killed.Load() == 0 {
		t.Fatal("expected escalation to kill after the grace window")
	}
}

func TestWatchNoStrikesDuringGrace(t *testing.T) {
	t.Parallel()

	h := newFakeHandle()
	cfg := quickConfig()
	cfg.GracePeriod = 150 * time.Millisecond
	cfg.MaxStrikes = 1
	w := New(cfg, logx.Nop())

	// Silent worker that finishes within the grace period: must succeed,
	// never be flagged as hung.
	go func() {
		time.Sleep(100 * time.Millisecond)
		h.done <- nil
	}()

	out := w.Watch(context.Background(), watchTask("t6"), h)
	if out.Status != manifest.StatusSucceeded {
		t.Fatalf("grace period not honored: got %s (%s)", out.Status, out.Detail)
	}
}

func TestWatchShutdownStopsWorker(t *testing.T) {
	t.Parallel()

	h := newFakeHandle()
	h.exitOnTerm = true
	w := New(quickConfig(), logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out := w.Watch(ctx, watchTask("t7"), h)
	if out.Status != manifest.StatusCrashed {
		t.Fatalf("expected crashed on shutdown, got %s", out.Status)
	}
	if h.terminated.Load() == 0 {
		t.Fatal("shutdown should terminate the worker")
	}
}
