package retry

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func fastOpts() Options {
	return Options{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Jitter:      0.1,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), fastOpts(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()
	calls := 0
	sentinel := errors.New("still down")
	err := Do(context.Background(), fastOpts(), func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("got %v, want last error returned", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoPermanentFailsImmediately(t *testing.T) {
	t.Parallel()
	calls := 0
	bad := errors.New("bad input")
	start := time.Now()
	err := Do(context.Background(), Options{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    time.Second,
	}, func(ctx context.Context) error {
		calls++
		return NoRetry(bad)
	})
	if !errors.Is(err, bad) {
		t.Fatalf("got %v, want wrapped permanent error", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("permanent failure waited before returning")
	}
}

func TestDoClassifierPermanent(t *testing.T) {
	t.Parallel()
	calls := 0
	auth := errors.New("401 unauthorized")
	opt := fastOpts()
	opt.Retryable = func(err error) bool { return !errors.Is(err, auth) }
	err := Do(context.Background(), opt, func(ctx context.Context) error {
		calls++
		return auth
	})
	if !errors.Is(err, auth) {
		t.Fatalf("got %v, want auth error", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoContextCanceledDuringWait(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	opt := Options{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, opt, func(ctx context.Context) error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestDelayExponentialAndCapped(t *testing.T) {
	t.Parallel()
	base := 100 * time.Millisecond
	max := time.Second

	// Without jitter the ladder must double then hit the ceiling.
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		got := Delay(base, max, 0, i+1, nil)
		if got != w {
			t.Fatalf("Delay(attempt=%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelayMonotonicWithJitter(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	prev := time.Duration(0)
	// With doubling growth, a jitter fraction < 1/3 cannot reorder
	// consecutive attempts below the ceiling.
	for attempt := 1; attempt <= 8; attempt++ {
		d := Delay(50*time.Millisecond, time.Hour, 0.2, attempt, rng)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestDelayPinsAtCeilingWithJitter(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	base := time.Second
	max := time.Minute

	// Even at the largest allowed jitter the ladder must never step down,
	// and once the exponential clears the ceiling the delay is exactly max
	// rather than oscillating below it.
	for trial := 0; trial < 200; trial++ {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 12; attempt++ {
			d := Delay(base, max, 1.0/3.0, attempt, rng)
			if d < prev {
				t.Fatalf("trial %d: delay decreased at attempt %d: %v < %v", trial, attempt, d, prev)
			}
			prev = d
		}
		// base*2^(k-1) reaches twice the cap at attempt 8.
		for attempt := 8; attempt <= 12; attempt++ {
			if d := Delay(base, max, 1.0/3.0, attempt, rng); d != max {
				t.Fatalf("trial %d: attempt %d delay %v, want pinned at %v", trial, attempt, d, max)
			}
		}
	}
}

func TestRetryAfterHintBoundsDelay(t *testing.T) {
	t.Parallel()
	opt := fastOpts().withDefaults()
	err := RetryAfter(errors.New("429"), time.Hour)
	d := delayWithHint(opt, 1, err, rand.New(rand.NewSource(1)))
	if d > opt.MaxDelay {
		t.Fatalf("hinted delay %v exceeds MaxDelay %v", d, opt.MaxDelay)
	}
}

func TestNoRetryNilIsNil(t *testing.T) {
	t.Parallel()
	if NoRetry(nil) != nil {
		t.Fatal("NoRetry(nil) must be nil")
	}
	if RetryAfter(nil, time.Second) != nil {
		t.Fatal("RetryAfter(nil) must be nil")
	}
	if IsNoRetry(errors.New("x")) {
		t.Fatal("plain error reported as no-retry")
	}
}
