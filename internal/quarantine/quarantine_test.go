package quarantine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	logx "taskwarden/pkg/logx"
)

func TestQuarantineCarriesFailureHistory(t *testing.T) {
	t.Parallel()

	s := New(nil, logx.Nop())
	now := time.Now()

	s.NoteFailure("t1", "crashed", "exit status 1", now.Add(-3*time.Minute))
	s.NoteFailure("t1", "hung_killed", "no activity for 5m", now.Add(-2*time.Minute))
	s.NoteFailure("t1", "crashed", "exit status 1", now.Add(-time.Minute))

	rec, err := s.Quarantine(context.Background(), "t1", "transcribe", "ep-1", ReasonThreshold, now)
	if err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	if rec.RecordID == "" {
		t.Fatal("missing record id")
	}
	if len(rec.Failures) != 3 {
		t.Fatalf("expected 3 failures in history, got %d", len(rec.Failures))
	}
	if rec.Failures[1].Outcome != "hung_killed" {
		t.Fatalf("history order lost: %+v", rec.Failures)
	}
	if rec.Reason != ReasonThreshold {
		t.Fatalf("wrong reason: %q", rec.Reason)
	}
}

func TestQuarantineIdempotentPerTask(t *testing.T) {
	t.Parallel()

	s := New(nil, logx.Nop())
	now := time.Now()

	first, err := s.Quarantine(context.Background(), "t1", "analyze", "ep-1", ReasonPermanent, now)
	if err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	second, err := s.Quarantine(context.Background(), "t1", "analyze", "ep-1", ReasonThreshold, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second quarantine: %v", err)
	}
	if second.RecordID != first.RecordID {
		t.Fatal("second quarantine should return the existing record")
	}
	if len(s.List()) != 1 {
		t.Fatalf("expected one record, got %d", len(s.List()))
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()

	s := New(nil, logx.Nop())
	now := time.Now()
	for i := 0; i < 50; i++ {
		s.NoteFailure("t1", "crashed", fmt.Sprintf("failure %d", i), now.Add(time.Duration(i)*time.Second))
	}
	rec, err := s.Quarantine(context.Background(), "t1", "fetch", "ep-1", ReasonThreshold, now)
	if err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	if len(rec.Failures) != 20 {
		t.Fatalf("history should be capped at 20, got %d", len(rec.Failures))
	}
	// Keeps the most recent entries.
	if rec.Failures[len(rec.Failures)-1].Detail != "failure 49" {
		t.Fatalf("expected newest failure kept, got %q", rec.Failures[len(rec.Failures)-1].Detail)
	}
}

func TestListSortedOldestFirst(t *testing.T) {
	t.Parallel()

	s := New(nil, logx.Nop())
	now := time.Now()
	if _, err := s.Quarantine(context.Background(), "newer", "a", "k1", ReasonThreshold, now); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Quarantine(context.Background(), "older", "a", "k2", ReasonThreshold, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	got := s.List()
	if len(got) != 2 || got[0].TaskID != "older" || got[1].TaskID != "newer" {
		t.Fatalf("list not sorted oldest first: %+v", got)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	s := New(nil, logx.Nop())
	if _, err := s.Remove(context.Background(), "ghost"); !errors.Is(err, ErrNotQuarantined) {
		t.Fatalf("expected ErrNotQuarantined, got %v", err)
	}

	if _, err := s.Quarantine(context.Background(), "t1", "a", "k", ReasonThreshold, time.Now()); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Remove(context.Background(), "t1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if rec.TaskID != "t1" {
		t.Fatalf("wrong record removed: %+v", rec)
	}
	if _, ok := s.Get("t1"); ok {
		t.Fatal("record should be gone after remove")
	}
}
