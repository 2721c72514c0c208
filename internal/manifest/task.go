package manifest

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusSucceeded   Status = "succeeded"
	StatusHungKilled  Status = "hung_killed"
	StatusTimedOut    Status = "timed_out"
	StatusCrashed     Status = "crashed"
	StatusQuarantined Status = "quarantined"
)

// Terminal reports whether a status ends an attempt.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusHungKilled, StatusTimedOut, StatusCrashed, StatusQuarantined:
		return true
	}
	return false
}

// Failure reports whether a status is a failed attempt outcome.
func (s Status) Failure() bool {
	switch s {
	case StatusHungKilled, StatusTimedOut, StatusCrashed:
		return true
	}
	return false
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusHungKilled,
		StatusTimedOut, StatusCrashed, StatusQuarantined:
		return s, nil
	}
	return "", fmt.Errorf("unknown task status %q", raw)
}

// Task is one schedulable unit of work.
//
// The ID is derived from (Type, PayloadKey) so re-submission is idempotent:
// the same logical work item always maps to the same task identity.
type Task struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	PayloadKey    string    `json:"payload_key"`
	ResourceClass string    `json:"resource_class,omitempty"`
	Status        Status    `json:"status"`
	Detail        string    `json:"detail,omitempty"`
	AttemptCount  int       `json:"attempt_count"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`

	// NextEligibleAt gates scheduling after a failed attempt (backoff).
	// Zero means eligible immediately.
	NextEligibleAt time.Time `json:"next_eligible_at,omitzero"`

	// Seq preserves arrival order for FIFO tie-breaks within equal eligibility.
	Seq uint64 `json:"seq"`
}

// Eligible reports whether the task may be considered for launch at now.
func (t Task) Eligible(now time.Time) bool {
	return t.Status == StatusPending && !t.NextEligibleAt.After(now)
}

// TaskID derives the stable identity for (type, payload key).
func TaskID(typ, payloadKey string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.TrimSpace(typ)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strings.TrimSpace(payloadKey)))
	return fmt.Sprintf("%016x", h.Sum64())
}

// legalTransitions is the task state machine. Enqueue handles the initial
// "" -> Pending edge; everything else goes through Mark/Requeue/Release.
var legalTransitions = map[Status][]Status{
	StatusPending:     {StatusRunning, StatusQuarantined},
	StatusRunning:     {StatusSucceeded, StatusHungKilled, StatusTimedOut, StatusCrashed},
	StatusHungKilled:  {StatusPending, StatusQuarantined},
	StatusTimedOut:    {StatusPending, StatusQuarantined},
	StatusCrashed:     {StatusPending, StatusQuarantined},
	StatusQuarantined: {StatusPending},
	StatusSucceeded:   {},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
