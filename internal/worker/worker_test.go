package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskwarden/internal/manifest"
)

func testTask(id string) manifest.Task {
	return manifest.Task{ID: id, Type: "test", PayloadKey: "p-" + id}
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.RegisterFunc("fetch", func(ctx context.Context, task manifest.Task, hb *Heartbeat) error {
		return nil
	})

	if _, err := r.Lookup("fetch"); err != nil {
		t.Fatalf("lookup fetch: %v", err)
	}
	if _, err := r.Lookup("transcode"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if got := r.Types(); len(got) != 1 || got[0] != "fetch" {
		t.Fatalf("unexpected types: %v", got)
	}
}

func TestInProcResult(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("boom")
	s := InProc(ExecFunc(func(ctx context.Context, task manifest.Task, hb *Heartbeat) error {
		return wantErr
	}))
	h, err := s.Start(context.Background(), testTask("a"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case got := <-h.Done():
		if !errors.Is(got, wantErr) {
			t.Fatalf("expected %v, got %v", wantErr, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("attempt never finished")
	}
	if h.Pid() != 0 {
		t.Fatalf("in-process attempt should report pid 0, got %d", h.Pid())
	}
}

func TestInProcTerminateCancelsContext(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	s := InProc(ExecFunc(func(ctx context.Context, task manifest.Task, hb *Heartbeat) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	h, err := s.Start(context.Background(), testTask("b"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started
	if err := h.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	select {
	case got := <-h.Done():
		if !errors.Is(got, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("attempt ignored termination")
	}
}

func TestInProcRecoversPanic(t *testing.T) {
	t.Parallel()

	s := InProc(ExecFunc(func(ctx context.Context, task manifest.Task, hb *Heartbeat) error {
		panic("worker exploded")
	}))
	h, err := s.Start(context.Background(), testTask("c"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case got := <-h.Done():
		if got == nil {
			t.Fatal("expected an error from a panicking worker")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic swallowed the result")
	}
}

func TestHeartbeatActivity(t *testing.T) {
	t.Parallel()

	hb := NewHeartbeat()
	if _, ok := hb.Last(); ok {
		t.Fatal("fresh heartbeat should report no beats")
	}
	hb.Beat()
	last, ok := hb.Last()
	if !ok {
		t.Fatal("beat not recorded")
	}
	if time.Since(last) > time.Second {
		t.Fatalf("beat timestamp too old: %v", last)
	}
	if hb.Beats() != 1 {
		t.Fatalf("expected 1 beat, got %d", hb.Beats())
	}

	// nil receiver is safe for executors that ignore heartbeats.
	var nilHB *Heartbeat
	nilHB.Beat()
	if nilHB.Beats() != 0 {
		t.Fatal("nil heartbeat should be inert")
	}
}

func TestInProcActivityFollowsBeats(t *testing.T) {
	t.Parallel()

	beaten := make(chan struct{})
	release := make(chan struct{})
	s := InProc(ExecFunc(func(ctx context.Context, task manifest.Task, hb *Heartbeat) error {
		hb.Beat()
		close(beaten)
		<-release
		return nil
	}))
	h, err := s.Start(context.Background(), testTask("d"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-beaten

	first := h.LastActivity()
	time.Sleep(20 * time.Millisecond)
	second := h.LastActivity()
	if !second.Equal(first) {
		t.Fatalf("activity advanced without a beat: %v vs %v", first, second)
	}

	close(release)
	<-h.Done()
}
