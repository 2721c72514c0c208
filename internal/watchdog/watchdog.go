// Package watchdog supervises one worker attempt at a time: it tells a
// slow-but-alive worker from a hung one, enforces a hard wall-clock
// ceiling, and escalates termination when a worker will not die politely.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskwarden/internal/manifest"
	"taskwarden/internal/worker"
	logx "taskwarden/pkg/logx"
)

type Config struct {
	// GracePeriod suppresses liveness strikes right after launch, when
	// model loading or a cold cache makes any worker look stalled.
	GracePeriod time.Duration
	// ProbeInterval is how often activity is sampled.
	ProbeInterval time.Duration
	// ActivityThreshold is the inactivity age that counts as one strike.
	ActivityThreshold time.Duration
	// MaxStrikes is the number of consecutive failed probes that declare
	// a hang. A single successful probe resets the count.
	MaxStrikes int
	// HardTimeout caps attempt wall-clock time regardless of activity.
	HardTimeout time.Duration
	// TermGrace is how long a terminated worker gets before the kill.
	TermGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ActivityThreshold <= 0 {
		c.ActivityThreshold = time.Minute
	}
	if c.MaxStrikes <= 0 {
		c.MaxStrikes = 3
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = time.Hour
	}
	if c.TermGrace <= 0 {
		c.TermGrace = 10 * time.Second
	}
	return c
}

// Outcome is the single terminal verdict for one attempt.
type Outcome struct {
	TaskID     string
	AttemptID  string
	Status     manifest.Status // Succeeded, Crashed, HungKilled or TimedOut
	Detail     string
	Err        error // the worker's own error, set for crashes
	Strikes    int
	StartedAt  time.Time
	FinishedAt time.Time
}

type Watchdog struct {
	mu  sync.RWMutex
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Watchdog {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watchdog{cfg: cfg.withDefaults(), log: log}
}

// Apply swaps the supervision knobs at runtime. Attempts already in
// flight keep the config they started with.
func (w *Watchdog) Apply(cfg Config) {
	w.mu.Lock()
	w.cfg = cfg.withDefaults()
	w.mu.Unlock()
}

func (w *Watchdog) config() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Watch supervises a launched attempt until it produces exactly one
// outcome. It blocks; callers run it on the attempt's goroutine.
//
// Cancellation of ctx terminates the worker and reports the natural
// exit result, so shutdown does not fabricate crash verdicts.
func (w *Watchdog) Watch(ctx context.Context, task manifest.Task, h worker.Handle) Outcome {
	cfg := w.config()
	start := time.Now()
	out := Outcome{
		TaskID:    task.ID,
		AttemptID: uuid.NewString(),
		StartedAt: start,
	}
	log := w.log.With(
		logx.String("task", task.ID),
		logx.String("attempt", out.AttemptID),
	)

	probe := time.NewTicker(cfg.ProbeInterval)
	defer probe.Stop()
	deadline := time.NewTimer(cfg.HardTimeout)
	defer deadline.Stop()

	strikes := 0
	for {
		select {
		case err := <-h.Done():
			out.FinishedAt = time.Now()
			if err == nil {
				out.Status = manifest.StatusSucceeded
				return out
			}
			out.Status = manifest.StatusCrashed
			out.Detail = err.Error()
			out.Err = err
			return out

		case <-ctx.Done():
			log.Info("shutdown while attempt in flight, stopping worker")
			return w.stop(h, out, manifest.StatusCrashed, "stopped by shutdown: "+ctx.Err().Error(), strikes, cfg.TermGrace)

		case now := <-probe.C:
			if now.Sub(start) < cfg.GracePeriod {
				continue
			}
			idle := now.Sub(h.LastActivity())
			if idle < cfg.ActivityThreshold {
				strikes = 0
				continue
			}
			strikes++
			log.Warn("liveness probe failed",
				logx.Duration("idle", idle),
				logx.Int("strikes", strikes),
				logx.Int("max_strikes", cfg.MaxStrikes))
			if strikes < cfg.MaxStrikes {
				continue
			}
			detail := fmt.Sprintf("no activity for %s (%d consecutive probes)", idle.Round(time.Second), strikes)
			return w.stop(h, out, manifest.StatusHungKilled, detail, strikes, cfg.TermGrace)

		case <-deadline.C:
			log.Warn("attempt exceeded hard timeout", logx.Duration("timeout", cfg.HardTimeout))
			detail := fmt.Sprintf("exceeded hard timeout of %s", cfg.HardTimeout)
			return w.stop(h, out, manifest.StatusTimedOut, detail, strikes, cfg.TermGrace)
		}
	}
}

// stop escalates: graceful terminate, wait TermGrace, then kill. A worker
// that exits on its own during the escalation still gets the watchdog's
// verdict, not a crash verdict, so the outcome stays single-sourced.
func (w *Watchdog) stop(h worker.Handle, out Outcome, status manifest.Status, detail string, strikes int, termGrace time.Duration) Outcome {
	out.Status = status
	out.Detail = detail
	out.Strikes = strikes

	if err := h.Terminate(); err != nil {
		w.log.Debug("terminate failed, escalating", logx.String("task", out.TaskID), logx.Err(err))
	}
	select {
	case <-h.Done():
		out.FinishedAt = time.Now()
		return out
	case <-time.After(termGrace):
	}

	if err := h.Kill(); err != nil {
		w.log.Warn("kill failed", logx.String("task", out.TaskID), logx.Err(err))
	}
	select {
	case <-h.Done():
	case <-time.After(termGrace):
		// An unkillable in-process worker can pin its goroutine; record
		// it and move on rather than wedging the scheduler.
		w.log.Error("worker ignored kill", logx.String("task", out.TaskID), logx.Int("pid", h.Pid()))
		out.Detail += " (worker ignored kill)"
	}
	out.FinishedAt = time.Now()
	return out
}
