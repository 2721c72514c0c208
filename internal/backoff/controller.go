// Package backoff decides what happens after a task attempt ends: retry
// with an increasing delay, or quarantine after repeated failures.
//
// Each successive failure of the same task identity waits strictly longer
// before its next attempt becomes eligible, up to a configured ceiling.
// That is the mechanism that prevents rapid restart loops.
package backoff

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"taskwarden/internal/retry"
	logx "taskwarden/pkg/logx"
)

type Config struct {
	// BaseDelay is the delay after the first failure; doubled per
	// consecutive failure, jittered, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64 // 0.2 = 20%

	// QuarantineThreshold is the consecutive-failure count at which a task
	// is pulled from rotation. <=0 applies the default.
	QuarantineThreshold int
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Minute
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.2
	}
	if c.QuarantineThreshold <= 0 {
		c.QuarantineThreshold = 5
	}
	return c
}

// State is the per-identity backoff ledger. Persisted so a supervisor
// restart does not forget a crash-looping task's history.
type State struct {
	TaskID              string        `json:"task_id"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CurrentDelay        time.Duration `json:"current_delay"`
	LastFailureAt       time.Time     `json:"last_failure_at,omitzero"`
}

// Persister is the slice of the storage layer the controller writes through.
type Persister interface {
	SaveBackoff(ctx context.Context, s State) error
	DeleteBackoff(ctx context.Context, taskID string) error
}

// Decision is the controller's verdict for one terminal failure.
type Decision struct {
	Quarantine          bool
	Permanent           bool
	Delay               time.Duration
	NextEligibleAt      time.Time
	ConsecutiveFailures int
}

// Controller tracks BackoffState per task identity.
type Controller struct {
	mu     sync.Mutex
	cfg    Config
	states map[string]*State
	rng    *rand.Rand

	store Persister
	log   logx.Logger
}

func NewController(cfg Config, store Persister, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		cfg:    cfg.withDefaults(),
		states: make(map[string]*State),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		store:  store,
		log:    log.With(logx.String("comp", "backoff")),
	}
}

// Apply swaps delay/threshold knobs at runtime. Existing per-task failure
// counts are kept.
func (c *Controller) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

// Restore seeds state from persisted records (startup only).
func (c *Controller) Restore(states []State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range states {
		s := states[i]
		if s.TaskID == "" {
			continue
		}
		cp := s
		c.states[s.TaskID] = &cp
	}
}

// OnSuccess clears all backoff state for the identity. Any success resets
// the ladder to its base.
func (c *Controller) OnSuccess(ctx context.Context, taskID string) {
	c.mu.Lock()
	_, had := c.states[taskID]
	delete(c.states, taskID)
	c.mu.Unlock()

	if had && c.store != nil {
		if err := c.store.DeleteBackoff(ctx, taskID); err != nil {
			c.log.Warn("failed clearing backoff state", logx.String("task", taskID), logx.Err(err))
		}
	}
}

// OnFailure records a failed attempt and decides retry-vs-quarantine.
//
// permanent=true (the domain collaborator reported a non-retryable failure)
// routes directly to quarantine, bypassing the ladder. Otherwise the next
// eligibility is now + min(base*2^(failures-1) +/- jitter, max), and
// quarantine fires once consecutive failures reach the threshold.
func (c *Controller) OnFailure(ctx context.Context, taskID string, permanent bool, now time.Time) Decision {
	c.mu.Lock()
	cfg := c.cfg
	st := c.states[taskID]
	if st == nil {
		st = &State{TaskID: taskID}
		c.states[taskID] = st
	}
	st.ConsecutiveFailures++
	st.LastFailureAt = now
	failures := st.ConsecutiveFailures

	if permanent || failures >= cfg.QuarantineThreshold {
		// The state is dropped once quarantined; Release starts a clean ladder.
		delete(c.states, taskID)
		c.mu.Unlock()
		if c.store != nil {
			if err := c.store.DeleteBackoff(ctx, taskID); err != nil {
				c.log.Warn("failed clearing backoff state", logx.String("task", taskID), logx.Err(err))
			}
		}
		return Decision{Quarantine: true, Permanent: permanent, ConsecutiveFailures: failures}
	}

	delay := retry.Delay(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter, failures, c.rng)
	st.CurrentDelay = delay
	snapshot := *st
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveBackoff(ctx, snapshot); err != nil {
			c.log.Warn("failed persisting backoff state", logx.String("task", taskID), logx.Err(err))
		}
	}
	return Decision{
		Delay:               delay,
		NextEligibleAt:      now.Add(delay),
		ConsecutiveFailures: failures,
	}
}

// Forget drops state without persisting a success (used when a quarantined
// task is released explicitly).
func (c *Controller) Forget(ctx context.Context, taskID string) {
	c.OnSuccess(ctx, taskID)
}

// Snapshot returns current per-task state sorted by id, for inspection.
func (c *Controller) Snapshot() []State {
	c.mu.Lock()
	out := make([]State, 0, len(c.states))
	for _, st := range c.states {
		out = append(out, *st)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}
