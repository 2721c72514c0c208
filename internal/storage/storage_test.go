package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"taskwarden/internal/backoff"
	"taskwarden/internal/manifest"
	"taskwarden/internal/quarantine"
	logx "taskwarden/pkg/logx"
)

func openTestFileStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	if st == nil {
		t.Fatal("expected a store, got nil")
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", "NONE"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: %v", driver, err)
		}
		if st != nil {
			t.Fatalf("driver %q: expected nil store", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileStoreTaskRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	st := openTestFileStore(t, dir)
	tasks := []manifest.Task{
		{
			ID: "aa11", Type: "transcribe", PayloadKey: "ep-1",
			ResourceClass: "cpu_heavy", Status: manifest.StatusPending,
			EnqueuedAt: now, Seq: 1,
		},
		{
			ID: "bb22", Type: "analyze", PayloadKey: "ep-2",
			Status: manifest.StatusCrashed, Detail: "exit status 2",
			AttemptCount: 3, EnqueuedAt: now, LastAttemptAt: now.Add(time.Minute),
			NextEligibleAt: now.Add(5 * time.Minute), Seq: 2,
		},
	}
	for _, tk := range tasks {
		if err := st.SaveTask(ctx, tk); err != nil {
			t.Fatalf("save %s: %v", tk.ID, err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st = openTestFileStore(t, dir)
	defer st.Close()

	got, err := st.LoadTasks(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}
	byID := map[string]manifest.Task{}
	for _, tk := range got {
		byID[tk.ID] = tk
	}
	b := byID["bb22"]
	if b.Status != manifest.StatusCrashed || b.AttemptCount != 3 {
		t.Fatalf("task state lost on reload: %+v", b)
	}
	if !b.NextEligibleAt.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("next eligible mismatch: %v", b.NextEligibleAt)
	}
}

func TestFileStoreDeleteSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	st := openTestFileStore(t, dir)
	task := manifest.Task{ID: "cc33", Type: "fetch", PayloadKey: "feed-1",
		Status: manifest.StatusPending, EnqueuedAt: time.Now(), Seq: 1}
	if err := st.SaveTask(ctx, task); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st = openTestFileStore(t, dir)
	defer st.Close()

	got, err := st.LoadTasks(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected deleted task to stay gone, got %d", len(got))
	}
}

func TestFileStoreBackoffRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	st := openTestFileStore(t, dir)
	state := backoff.State{
		TaskID:              "dd44",
		ConsecutiveFailures: 2,
		CurrentDelay:        90 * time.Second,
		LastFailureAt:       now,
	}
	if err := st.SaveBackoff(ctx, state); err != nil {
		t.Fatalf("save backoff: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st = openTestFileStore(t, dir)
	defer st.Close()

	got, err := st.LoadBackoff(ctx)
	if err != nil {
		t.Fatalf("load backoff: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 state, got %d", len(got))
	}
	if got[0].ConsecutiveFailures != 2 || got[0].CurrentDelay != 90*time.Second {
		t.Fatalf("backoff state lost on reload: %+v", got[0])
	}
}

func TestFileStoreQuarantineAppendIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	st := openTestFileStore(t, dir)
	defer st.Close()

	rec := quarantine.Record{
		RecordID: "r-1", TaskID: "ee55", Type: "analyze", PayloadKey: "ep-9",
		Reason:        quarantine.ReasonThreshold,
		QuarantinedAt: now,
		Failures: []quarantine.Failure{
			{Outcome: "crashed", Detail: "exit status 1", At: now},
		},
	}
	if err := st.AppendQuarantine(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	dup := rec
	dup.RecordID = "r-2"
	if err := st.AppendQuarantine(ctx, dup); err != nil {
		t.Fatalf("append dup: %v", err)
	}

	got, err := st.LoadQuarantine(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].RecordID != "r-1" {
		t.Fatalf("first record should win, got %q", got[0].RecordID)
	}
	if len(got[0].Failures) != 1 || got[0].Failures[0].Outcome != "crashed" {
		t.Fatalf("failure history lost: %+v", got[0].Failures)
	}

	if err := st.DeleteQuarantine(ctx, rec.TaskID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = st.LoadQuarantine(ctx)
	if err != nil {
		t.Fatalf("load after delete: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty quarantine, got %d", len(got))
	}
}
