package backoff

import (
	"context"
	"testing"
	"time"

	logx "taskwarden/pkg/logx"
)

func newTestController(threshold int) *Controller {
	return NewController(Config{
		BaseDelay:           time.Second,
		MaxDelay:            time.Minute,
		Jitter:              0.0001, // effectively deterministic
		QuarantineThreshold: threshold,
	}, nil, logx.Nop())
}

func TestDelaysGrowUntilQuarantine(t *testing.T) {
	t.Parallel()
	c := newTestController(4)
	ctx := context.Background()
	now := time.Now()

	var prev time.Duration
	for i := 1; i <= 3; i++ {
		d := c.OnFailure(ctx, "t1", false, now)
		if d.Quarantine {
			t.Fatalf("failure %d quarantined before threshold", i)
		}
		if d.ConsecutiveFailures != i {
			t.Fatalf("failures = %d, want %d", d.ConsecutiveFailures, i)
		}
		if d.Delay < prev {
			t.Fatalf("delay shrank: %v after %v", d.Delay, prev)
		}
		if !d.NextEligibleAt.After(now) {
			t.Fatal("next eligibility not in the future")
		}
		prev = d.Delay
	}

	d := c.OnFailure(ctx, "t1", false, now)
	if !d.Quarantine {
		t.Fatalf("failure at threshold did not quarantine: %+v", d)
	}
	if d.ConsecutiveFailures != 4 {
		t.Fatalf("failures = %d, want 4", d.ConsecutiveFailures)
	}
}

func TestSuccessResetsLadder(t *testing.T) {
	t.Parallel()
	c := newTestController(10)
	ctx := context.Background()
	now := time.Now()

	c.OnFailure(ctx, "t1", false, now)
	c.OnFailure(ctx, "t1", false, now)
	grown := c.OnFailure(ctx, "t1", false, now)

	c.OnSuccess(ctx, "t1")

	fresh := c.OnFailure(ctx, "t1", false, now)
	if fresh.ConsecutiveFailures != 1 {
		t.Fatalf("failures after reset = %d, want 1", fresh.ConsecutiveFailures)
	}
	if fresh.Delay >= grown.Delay {
		t.Fatalf("delay after reset %v not below grown delay %v", fresh.Delay, grown.Delay)
	}
}

func TestPermanentBypassesLadder(t *testing.T) {
	t.Parallel()
	c := newTestController(10)
	d := c.OnFailure(context.Background(), "t1", true, time.Now())
	if !d.Quarantine || !d.Permanent {
		t.Fatalf("permanent failure decision = %+v, want immediate quarantine", d)
	}
}

func TestDelayCappedAtCeiling(t *testing.T) {
	t.Parallel()
	c := NewController(Config{
		BaseDelay:           time.Second,
		MaxDelay:            4 * time.Second,
		Jitter:              0.0001,
		QuarantineThreshold: 100,
	}, nil, logx.Nop())
	ctx := context.Background()
	now := time.Now()

	var last time.Duration
	for i := 0; i < 10; i++ {
		last = c.OnFailure(ctx, "t1", false, now).Delay
	}
	if last > 4*time.Second+100*time.Millisecond {
		t.Fatalf("delay %v exceeds ceiling", last)
	}
}

func TestIdentitiesIndependent(t *testing.T) {
	t.Parallel()
	c := newTestController(3)
	ctx := context.Background()
	now := time.Now()

	c.OnFailure(ctx, "flappy", false, now)
	c.OnFailure(ctx, "flappy", false, now)

	d := c.OnFailure(ctx, "healthy-ish", false, now)
	if d.ConsecutiveFailures != 1 {
		t.Fatalf("unrelated identity inherited failures: %+v", d)
	}
}

func TestRestore(t *testing.T) {
	t.Parallel()
	c := newTestController(3)
	c.Restore([]State{{TaskID: "t1", ConsecutiveFailures: 2, LastFailureAt: time.Now()}})

	d := c.OnFailure(context.Background(), "t1", false, time.Now())
	if !d.Quarantine {
		t.Fatalf("restored failures ignored: %+v", d)
	}
}
