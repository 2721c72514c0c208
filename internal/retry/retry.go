// Package retry is a bounded retry-with-backoff helper for calls to flaky
// external services (download endpoints, transcription APIs, analysis APIs).
//
// It is a leaf utility used inside task bodies; the scheduler never calls it.
// Permanent failures (bad input, auth) fail immediately without waiting, and
// after the attempt budget is spent the last error is returned to the caller.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Options controls one Do call.
//
// The delay before attempt k (1-indexed) is
// min(BaseDelay * 2^(k-1) +/- jitter, MaxDelay). Jitter is a fraction of the
// computed delay, randomized per call to avoid synchronized retry storms
// across independent callers.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // 0.2 = 20%

	// Retryable partitions failures into transient (retry) and permanent
	// (fail now). When nil, DefaultRetryable is used.
	Retryable func(error) bool
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 15 * time.Second
	}
	if o.Jitter <= 0 {
		o.Jitter = 0.2
	}
	if o.Retryable == nil {
		o.Retryable = DefaultRetryable
	}
	return o
}

// DefaultRetryable treats everything as transient except NoRetry-wrapped
// errors and context cancellation/expiry.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsNoRetry(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Do runs op, retrying transient failures with exponential backoff until it
// succeeds, a permanent failure occurs, the attempt budget is exhausted, or
// ctx is canceled. The returned error is always the operation's last error
// (or ctx.Err() when canceled mid-wait), never silently dropped.
func Do(ctx context.Context, opt Options, op func(ctx context.Context) error) error {
	opt = opt.withDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var err error
	for attempt := 1; attempt <= opt.MaxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		// Permanent failures fail immediately, without burning the budget.
		var nr noRetryError
		if errors.As(err, &nr) {
			return nr.err
		}
		if !opt.Retryable(err) {
			return err
		}
		if attempt >= opt.MaxAttempts {
			break
		}

		delay := delayWithHint(opt, attempt, err, rng)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return err
}

// Delay computes the backoff delay for 1-indexed attempt number k:
// min(base * 2^(k-1) +/- jitter, max). Exposed so the restart/backoff
// controller applies the same formula to task re-eligibility.
//
// Jitter is applied to the uncapped exponential value and the cap comes
// last. With jitter <= 1/3 (enforced by config validation) the sequence
// is non-decreasing in the attempt number, and once the ladder clears the
// ceiling every subsequent delay is exactly max.
func Delay(base, max time.Duration, jitter float64, attempt int, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 15 * time.Second
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		// Past 2*max even the lowest jitter draw stays above the cap, so
		// further doubling cannot change the result (and would overflow).
		if d >= 2*max {
			d = 2 * max
			break
		}
	}
	if jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return d
}

func delayWithHint(opt Options, attempt int, err error, rng *rand.Rand) time.Duration {
	// Respect explicit retry-after hints (e.g. HTTP 429) if the operation
	// surfaced one, still bounded by MaxDelay and jittered.
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > opt.MaxDelay {
			d = opt.MaxDelay
		}
		if opt.Jitter > 0 && d > 0 && rng != nil {
			r := (rng.Float64()*2 - 1) * opt.Jitter
			d = time.Duration(float64(d) * (1 + r))
			if d < 0 {
				d = 0
			}
		}
		if d > opt.MaxDelay {
			d = opt.MaxDelay
		}
		return d
	}
	return Delay(opt.BaseDelay, opt.MaxDelay, opt.Jitter, attempt, rng)
}
