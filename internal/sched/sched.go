// Package sched is the coordinating loop: it walks the eligible backlog,
// leases resource permits, launches workers under the watchdog, and routes
// every terminal outcome through the restart controller.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskwarden/internal/backoff"
	"taskwarden/internal/eventbus"
	"taskwarden/internal/governor"
	"taskwarden/internal/manifest"
	"taskwarden/internal/quarantine"
	"taskwarden/internal/retry"
	"taskwarden/internal/watchdog"
	"taskwarden/internal/worker"
	logx "taskwarden/pkg/logx"
)

var ErrUnknownClass = errors.New("sched: unknown resource class")

type Config struct {
	// PassInterval is how often the backlog is scanned even without a wake.
	PassInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PassInterval <= 0 {
		c.PassInterval = 2 * time.Second
	}
	return c
}

type Deps struct {
	Manifest   *manifest.Manifest
	Governor   *governor.Governor
	Backoff    *backoff.Controller
	Quarantine *quarantine.Store
	Watchdog   *watchdog.Watchdog
	Registry   *worker.Registry
	Bus        eventbus.Bus
	Log        logx.Logger
}

type Scheduler struct {
	cfg Config
	d   Deps
	log logx.Logger

	wake chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, d Deps) *Scheduler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:  cfg.withDefaults(),
		d:    d,
		log:  log.With(logx.String("comp", "sched")),
		wake: make(chan struct{}, 1),
	}
}

// TaskEvent is the Data payload for task lifecycle events.
type TaskEvent struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Submit is the single entrypoint for new work, idempotent on
// (type, payload key). The resource class must exist; the task type may
// be registered later, so it is not checked here.
func (s *Scheduler) Submit(ctx context.Context, typ, payloadKey, resourceClass string) (string, bool, error) {
	if resourceClass != "" && resourceClass != governor.ClassNone && !s.hasClass(resourceClass) {
		return "", false, ErrUnknownClass
	}
	id, created, err := s.d.Manifest.Enqueue(ctx, typ, payloadKey, resourceClass)
	if err != nil {
		return "", false, err
	}
	if created {
		s.publish(eventbus.TypeTaskSubmitted, TaskEvent{TaskID: id, Type: typ})
		s.Wake()
	}
	return id, created, nil
}

// ReleaseQuarantined re-admits a quarantined task for a fresh run.
// The manifest is released before the record is removed: if re-admission
// fails, the record stays visible to operators instead of vanishing while
// the task is still parked.
func (s *Scheduler) ReleaseQuarantined(ctx context.Context, taskID string) error {
	if _, ok := s.d.Quarantine.Get(taskID); !ok {
		return fmt.Errorf("%w: %s", quarantine.ErrNotQuarantined, taskID)
	}
	if err := s.d.Manifest.Release(ctx, taskID); err != nil {
		return err
	}
	if _, err := s.d.Quarantine.Remove(ctx, taskID); err != nil {
		s.log.Warn("cannot clear quarantine record", logx.String("task", taskID), logx.Err(err))
	}
	s.d.Backoff.Forget(ctx, taskID)
	s.publish(eventbus.TypeTaskReleased, TaskEvent{TaskID: taskID})
	s.Wake()
	return nil
}

// RecoverOrphans routes tasks that were Running when the previous
// supervisor instance died through the normal failure path.
func (s *Scheduler) RecoverOrphans(ctx context.Context, ids []string) {
	for _, id := range ids {
		t, ok := s.d.Manifest.Get(id)
		if !ok {
			continue
		}
		s.log.Warn("recovering orphaned attempt", logx.String("task", id))
		s.failTask(ctx, t, manifest.StatusCrashed, "supervisor restarted mid-attempt", nil)
	}
}

// Wake nudges the loop so a fresh submit does not wait out the tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives scheduling passes until ctx is done, then waits for
// in-flight attempts to settle.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := time.NewTicker(s.cfg.PassInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-tick.C:
		case <-s.wake:
		}
		s.pass(ctx)
	}
}

// pass launches every eligible task it can get a permit for. A class
// that reports busy is skipped for the rest of the pass so later tasks
// in other classes still launch.
func (s *Scheduler) pass(ctx context.Context) {
	now := time.Now()
	busy := map[string]bool{}

	for _, t := range s.d.Manifest.Ready(now) {
		if ctx.Err() != nil {
			return
		}
		if busy[t.ResourceClass] {
			continue
		}

		starter, err := s.d.Registry.Lookup(t.Type)
		if err != nil {
			// Nothing can ever run this task; park it where an operator
			// will see it instead of spinning on it every pass.
			s.log.Error("no executor for task type", logx.String("task", t.ID), logx.String("type", t.Type))
			s.quarantineTask(ctx, t, quarantine.ReasonPermanent, "no executor registered for type "+t.Type)
			continue
		}

		// Zero-wait acquire: a busy class must not stall the pass, or a
		// later-arrived task in a different class pays the wait. The next
		// tick (or the wake on permit release) retries the deferred task.
		permit, err := s.d.Governor.TryAcquire(t.ResourceClass)
		switch {
		case errors.Is(err, governor.ErrBusy):
			busy[t.ResourceClass] = true
			s.publish(eventbus.TypeTaskDeferred, TaskEvent{TaskID: t.ID, Type: t.Type, Detail: "class busy: " + t.ResourceClass})
			continue
		case errors.Is(err, governor.ErrUnknownClass):
			s.quarantineTask(ctx, t, quarantine.ReasonPermanent, "unknown resource class "+t.ResourceClass)
			continue
		case err != nil:
			return
		}

		if err := s.d.Manifest.Mark(ctx, t.ID, manifest.StatusRunning, ""); err != nil {
			s.log.Warn("cannot mark running", logx.String("task", t.ID), logx.Err(err))
			permit.Release()
			continue
		}
		s.publish(eventbus.TypeTaskLaunched, TaskEvent{TaskID: t.ID, Type: t.Type})

		s.wg.Add(1)
		go s.runAttempt(ctx, t, starter, permit)
	}
}

func (s *Scheduler) runAttempt(ctx context.Context, t manifest.Task, starter worker.Starter, permit *governor.Permit) {
	defer s.wg.Done()
	defer permit.Release()
	defer s.Wake() // freed capacity may unblock a deferred task

	h, err := starter.Start(ctx, t)
	if err != nil {
		s.failTask(ctx, t, manifest.StatusCrashed, "launch failed: "+err.Error(), err)
		return
	}

	out := s.d.Watchdog.Watch(ctx, t, h)
	if out.Status == manifest.StatusSucceeded {
		s.d.Backoff.OnSuccess(ctx, t.ID)
		if err := s.d.Manifest.Mark(ctx, t.ID, manifest.StatusSucceeded, ""); err != nil {
			s.log.Warn("cannot mark succeeded", logx.String("task", t.ID), logx.Err(err))
		}
		s.publish(eventbus.TypeTaskSucceeded, TaskEvent{TaskID: t.ID, Type: t.Type})
		s.log.Info("task succeeded",
			logx.String("task", t.ID),
			logx.String("type", t.Type),
			logx.Duration("took", out.FinishedAt.Sub(out.StartedAt)))
		return
	}
	s.failTask(ctx, t, out.Status, out.Detail, out.Err)
}

// failTask applies one terminal failure: record it, consult the restart
// controller, then either gate a retry or quarantine.
func (s *Scheduler) failTask(ctx context.Context, t manifest.Task, status manifest.Status, detail string, cause error) {
	now := time.Now()

	if err := s.d.Manifest.Mark(ctx, t.ID, status, detail); err != nil {
		s.log.Warn("cannot mark failure", logx.String("task", t.ID), logx.Err(err))
	}
	s.publish(failureEventType(status), TaskEvent{TaskID: t.ID, Type: t.Type, Status: string(status), Detail: detail})
	s.d.Quarantine.NoteFailure(t.ID, string(status), detail, now)

	permanent := retry.IsNoRetry(cause)
	dec := s.d.Backoff.OnFailure(ctx, t.ID, permanent, now)
	if dec.Quarantine {
		reason := quarantine.ReasonThreshold
		if dec.Permanent {
			reason = quarantine.ReasonPermanent
		}
		s.quarantineTask(ctx, t, reason, detail)
		return
	}

	if err := s.d.Manifest.Requeue(ctx, t.ID, dec.NextEligibleAt, detail); err != nil {
		s.log.Warn("cannot requeue", logx.String("task", t.ID), logx.Err(err))
		return
	}
	s.publish(eventbus.TypeTaskRequeued, TaskEvent{TaskID: t.ID, Type: t.Type, Detail: detail})
	s.log.Info("task requeued",
		logx.String("task", t.ID),
		logx.Int("failures", dec.ConsecutiveFailures),
		logx.Duration("delay", dec.Delay))
}

func (s *Scheduler) quarantineTask(ctx context.Context, t manifest.Task, reason, detail string) {
	now := time.Now()
	if _, err := s.d.Quarantine.Quarantine(ctx, t.ID, t.Type, t.PayloadKey, reason, now); err != nil {
		s.log.Warn("cannot record quarantine", logx.String("task", t.ID), logx.Err(err))
	}
	if err := s.d.Manifest.Mark(ctx, t.ID, manifest.StatusQuarantined, detail); err != nil {
		s.log.Warn("cannot mark quarantined", logx.String("task", t.ID), logx.Err(err))
	}
	s.d.Backoff.Forget(ctx, t.ID)
	s.publish(eventbus.TypeTaskQuarantined, TaskEvent{TaskID: t.ID, Type: t.Type, Detail: detail})
	s.log.Warn("task quarantined",
		logx.String("task", t.ID),
		logx.String("type", t.Type),
		logx.String("reason", reason))
}

func failureEventType(status manifest.Status) string {
	switch status {
	case manifest.StatusHungKilled:
		return eventbus.TypeTaskHung
	case manifest.StatusTimedOut:
		return eventbus.TypeTaskTimedOut
	default:
		return eventbus.TypeTaskCrashed
	}
}

func (s *Scheduler) hasClass(name string) bool {
	for _, c := range s.d.Governor.Classes() {
		if c == name {
			return true
		}
	}
	return false
}

func (s *Scheduler) publish(typ string, data TaskEvent) {
	if s.d.Bus == nil {
		return
	}
	s.d.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
