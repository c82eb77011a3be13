// Package retry implements the declarative RetryPolicy (§4.3) on
// top of github.com/sethvargo/go-retry. Only errs.Error values the
// ErrorModel classifies as Retryable (internal/errs) are resubmitted;
// everything else stops the loop immediately. The hard rule that total
// wall-clock time across attempts must never exceed the task's
// remaining deadline is enforced with a context deadline derived from
// that remaining time, surfacing errs.Timeout on violation.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/lesleslie/mahavishnu/internal/errs"
)

// Policy holds the tunables for one retry envelope (§6 "per-retry").
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultPolicy returns 5 attempts, a 100ms base delay doubling per
// retry, capped at 10s (the same values config.Default uses).
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
	}
}

// backoff builds the go-retry Backoff chain: exponential with the
// policy's multiplier, capped at MaxDelay, limited to MaxAttempts-1
// additional retries (the first call is not a "retry"), with full
// jitter (uniform in [0, computed_delay]) layered on top — go-retry's
// own WithJitterPercent only perturbs by a percentage and cannot
// express the "uniform in [0, delay]" rule, so that final layer
// is hand-rolled.
func (p Policy) backoff() goretry.Backoff {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	attempt := 0.0
	var b goretry.Backoff = goretry.BackoffFunc(func() (time.Duration, bool) {
		d := float64(p.BaseDelay) * math.Pow(mult, attempt)
		attempt++
		if d >= math.MaxInt64 {
			return time.Duration(math.MaxInt64), false
		}
		return time.Duration(d), false
	})
	b = goretry.WithCappedDuration(p.MaxDelay, b)
	b = goretry.WithMaxRetries(uint64(maxInt(p.MaxAttempts-1, 0)), b)
	return fullJitter(b)
}

func fullJitter(next goretry.Backoff) goretry.Backoff {
	return goretry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := next.Next()
		if stop {
			return 0, true
		}
		if delay <= 0 {
			return 0, false
		}
		return time.Duration(rand.Int63n(int64(delay) + 1)), false
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Outcome reports how many attempts Do made before returning.
type Outcome struct {
	Attempts int
}

// Do runs fn under the policy until it succeeds, a non-retryable error
// is returned, MaxAttempts is exhausted, or remaining elapses — whichever
// comes first. remaining is the task's remaining wall-clock budget
// (§4.3's "task's remaining deadline"). A zero or negative remaining
// adds no deadline of its own: the loop is then bounded only by ctx
// and MaxAttempts.
func Do(ctx context.Context, p Policy, remaining time.Duration, fn func(ctx context.Context) error) (Outcome, error) {
	deadlineCtx := ctx
	var cancel context.CancelFunc
	if remaining > 0 {
		deadlineCtx, cancel = context.WithTimeout(ctx, remaining)
		defer cancel()
	}

	outcome := Outcome{}
	b := p.backoff()

	err := goretry.Do(deadlineCtx, b, func(ctx context.Context) error {
		outcome.Attempts++
		callErr := fn(ctx)
		if callErr == nil {
			return nil
		}
		if errs.IsRetryable(callErr) {
			return goretry.RetryableError(callErr)
		}
		return callErr
	})

	if err == nil {
		return outcome, nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return outcome, errs.Wrap(errs.Timeout, err, "retry budget exhausted after %d attempt(s)", outcome.Attempts)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return outcome, errs.Wrap(errs.Cancelled, err, "retry loop cancelled after %d attempt(s)", outcome.Attempts)
	}
	// MaxRetries exhausted or a non-retryable error: surface the original
	// *errs.Error classification to the caller, whether or not go-retry's
	// RetryableError wrapper is still around it.
	var classified *errs.Error
	if errors.As(err, &classified) {
		return outcome, classified
	}
	return outcome, err
}
