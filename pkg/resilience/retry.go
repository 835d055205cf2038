// Package resilience provides the retry-with-backoff combinator shared by the
// upstream clients and the export fetcher.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts bounds the total number of calls (0 = bounded by MaxElapsed only).
	MaxAttempts int

	// InitialDelay is the wait after the first failure.
	InitialDelay time.Duration

	// Multiplier grows the delay after each failure. Values <= 1 give a fixed delay.
	Multiplier float64

	// MaxDelay caps a single wait (0 = uncapped).
	MaxDelay time.Duration

	// MaxElapsed bounds the total time spent retrying (0 = unbounded).
	MaxElapsed time.Duration

	// Retryable reports whether a failure should be retried. Nil retries everything.
	Retryable func(error) bool

	// Clock drives elapsed time and waits. Nil uses the wall clock.
	Clock Clock
}

// Fixed returns a policy with a constant delay between a bounded number of attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		Multiplier:   1,
	}
}

// Exponential returns a policy bounded by total elapsed time.
func Exponential(initial time.Duration, multiplier float64, maxDelay, maxElapsed time.Duration) Policy {
	return Policy{
		InitialDelay: initial,
		Multiplier:   multiplier,
		MaxDelay:     maxDelay,
		MaxElapsed:   maxElapsed,
	}
}

// WithRetryable returns a copy of p using the given predicate.
func (p Policy) WithRetryable(fn func(error) bool) Policy {
	p.Retryable = fn
	return p
}

// WithClock returns a copy of p driven by c.
func (p Policy) WithClock(c Clock) Policy {
	p.Clock = c
	return p
}

// Outcome describes how a retried operation ended.
type Outcome struct {
	Attempts int

	// Exhausted is true when the policy ran out of attempts or time while the
	// operation was still failing with a retryable error.
	Exhausted bool
}

// Notify is called before each wait with the failure and the upcoming delay.
type Notify func(attempt int, err error, next time.Duration)

// Retry calls op until it succeeds, returns a non-retryable error, or the
// policy is exhausted. The last error is returned.
func Retry(ctx context.Context, p Policy, op func(ctx context.Context) error) (Outcome, error) {
	return RetryNotify(ctx, p, op, nil)
}

// RetryNotify is Retry with a callback before every wait.
func RetryNotify(ctx context.Context, p Policy, op func(ctx context.Context) error, notify Notify) (Outcome, error) {
	var (
		out       Outcome
		permanent bool
	)

	b := p.backOff(ctx)
	err := backoff.RetryNotifyWithTimer(func() error {
		out.Attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		if notify != nil {
			notify(out.Attempts, err, next)
		}
	}, p.timer())

	if err != nil && !permanent && ctx.Err() == nil {
		out.Exhausted = true
	}
	return out, err
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Multiplier <= 1 && p.MaxElapsed == 0 {
		b = backoff.NewConstantBackOff(p.InitialDelay)
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.InitialDelay
		eb.RandomizationFactor = 0
		eb.Multiplier = p.Multiplier
		if eb.Multiplier < 1 {
			eb.Multiplier = 1
		}
		eb.MaxInterval = p.MaxDelay
		if eb.MaxInterval == 0 {
			eb.MaxInterval = time.Duration(1<<63 - 1)
		}
		eb.MaxElapsedTime = p.MaxElapsed
		if p.Clock != nil {
			eb.Clock = p.Clock
		}
		eb.Reset()
		b = eb
		if p.MaxElapsed > 0 {
			b = &fullBudget{ExponentialBackOff: eb, max: p.MaxElapsed}
		}
	}

	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// fullBudget spends the whole MaxElapsed budget. ExponentialBackOff stops as
// soon as the next interval would overshoot the budget; the remainder is
// waited once instead, so the last attempt happens at the deadline.
type fullBudget struct {
	*backoff.ExponentialBackOff
	max  time.Duration
	last bool
}

func (b *fullBudget) NextBackOff() time.Duration {
	if next := b.ExponentialBackOff.NextBackOff(); next != backoff.Stop {
		return next
	}
	if b.last {
		return backoff.Stop
	}
	remaining := b.max - b.GetElapsedTime()
	if remaining <= 0 {
		return backoff.Stop
	}
	b.last = true
	return remaining
}

func (b *fullBudget) Reset() {
	b.ExponentialBackOff.Reset()
	b.last = false
}

func (p Policy) timer() backoff.Timer {
	if p.Clock != nil {
		return p.Clock.NewTimer()
	}
	return nil
}
