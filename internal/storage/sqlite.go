package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskwarden/internal/backoff"
	"taskwarden/internal/manifest"
	"taskwarden/internal/quarantine"
	logx "taskwarden/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- tasks ----

func (s *sqliteStore) SaveTask(ctx context.Context, t manifest.Task) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, type, payload_key, resource_class, status, detail, attempt_count, enqueued_at, last_attempt_at, next_eligible_at, seq)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, detail=excluded.detail,
		   attempt_count=excluded.attempt_count,
		   last_attempt_at=excluded.last_attempt_at,
		   next_eligible_at=excluded.next_eligible_at`,
		t.ID, t.Type, t.PayloadKey, nullStr(t.ResourceClass), string(t.Status), nullStr(t.Detail),
		t.AttemptCount, fmtTime(t.EnqueuedAt), nullTime(t.LastAttemptAt), nullTime(t.NextEligibleAt), t.Seq,
	)
	return err
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) LoadTasks(ctx context.Context) ([]manifest.Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, payload_key, resource_class, status, detail, attempt_count, enqueued_at, last_attempt_at, next_eligible_at, seq
		 FROM tasks ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []manifest.Task
	for rows.Next() {
		var (
			t                   manifest.Task
			class, detail       sql.NullString
			enq, lastAt, nextAt sql.NullString
			status              string
		)
		if err := rows.Scan(&t.ID, &t.Type, &t.PayloadKey, &class, &status, &detail,
			&t.AttemptCount, &enq, &lastAt, &nextAt, &t.Seq); err != nil {
			return nil, err
		}
		st, err := manifest.ParseStatus(status)
		if err != nil {
			s.log.Warn("skipping task with unknown status", logx.String("task", t.ID), logx.String("status", status))
			continue
		}
		t.Status = st
		t.ResourceClass = class.String
		t.Detail = detail.String
		t.EnqueuedAt = parseTime(enq.String)
		t.LastAttemptAt = parseTime(lastAt.String)
		t.NextEligibleAt = parseTime(nextAt.String)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- backoff ----

func (s *sqliteStore) SaveBackoff(ctx context.Context, st backoff.State) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backoff(task_id, consecutive_failures, current_delay_ms, last_failure_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(task_id) DO UPDATE SET
		   consecutive_failures=excluded.consecutive_failures,
		   current_delay_ms=excluded.current_delay_ms,
		   last_failure_at=excluded.last_failure_at`,
		st.TaskID, st.ConsecutiveFailures, st.CurrentDelay.Milliseconds(), nullTime(st.LastFailureAt),
	)
	return err
}

func (s *sqliteStore) DeleteBackoff(ctx context.Context, taskID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM backoff WHERE task_id = ?`, taskID)
	return err
}

func (s *sqliteStore) LoadBackoff(ctx context.Context) ([]backoff.State, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, consecutive_failures, current_delay_ms, last_failure_at FROM backoff`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backoff.State
	for rows.Next() {
		var (
			st      backoff.State
			delayMS int64
			lastAt  sql.NullString
		)
		if err := rows.Scan(&st.TaskID, &st.ConsecutiveFailures, &delayMS, &lastAt); err != nil {
			return nil, err
		}
		st.CurrentDelay = time.Duration(delayMS) * time.Millisecond
		st.LastFailureAt = parseTime(lastAt.String)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ---- quarantine ----

func (s *sqliteStore) AppendQuarantine(ctx context.Context, r quarantine.Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var failures []byte
	if len(r.Failures) > 0 {
		b, err := json.Marshal(r.Failures)
		if err != nil {
			return err
		}
		failures = b
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quarantine(task_id, record_id, type, payload_key, reason, failures_json, quarantined_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(task_id) DO NOTHING`,
		r.TaskID, r.RecordID, r.Type, r.PayloadKey, r.Reason, nullStr(string(failures)), fmtTime(r.QuarantinedAt),
	)
	return err
}

func (s *sqliteStore) DeleteQuarantine(ctx context.Context, taskID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM quarantine WHERE task_id = ?`, taskID)
	return err
}

func (s *sqliteStore) LoadQuarantine(ctx context.Context) ([]quarantine.Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, record_id, type, payload_key, reason, failures_json, quarantined_at FROM quarantine`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quarantine.Record
	for rows.Next() {
		var (
			r        quarantine.Record
			failures sql.NullString
			at       string
		)
		if err := rows.Scan(&r.TaskID, &r.RecordID, &r.Type, &r.PayloadKey, &r.Reason, &failures, &at); err != nil {
			return nil, err
		}
		if failures.Valid && failures.String != "" {
			if err := json.Unmarshal([]byte(failures.String), &r.Failures); err != nil {
				s.log.Warn("corrupt failure history", logx.String("task", r.TaskID), logx.Err(err))
			}
		}
		r.QuarantinedAt = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- helpers ----

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return time.Time{}.Format(time.RFC3339Nano)
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if strings.TrimSpace(s) == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
