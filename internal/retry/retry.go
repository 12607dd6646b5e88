// Package retry drives the optimistic compare-and-swap loops of the counters and
// the read-lock protocol.
//
// A loop attempt either succeeds, fails with an error, or loses a CAS race. Lost
// races are retried according to a Policy, which is a backoff.BackOff factory.
// The default policy spins without sleeping, which is what the protocols need
// in the common case of one or two conflicting writers. Production deployments
// with heavy contention can switch to Exponential, and tests can bound the
// number of attempts to force worst-case behaviour deterministically.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// ErrExhausted is returned when the policy gives up before the loop succeeded.
var ErrExhausted = errors.New("retries exhausted")

// Policy creates a fresh backoff for one loop.
type Policy func() backoff.BackOff

// BusySpin retries immediately and forever.
func BusySpin() Policy {
	return func() backoff.BackOff {
		return &backoff.ZeroBackOff{}
	}
}

// Exponential retries forever with a short randomized exponential delay.
func Exponential() Policy {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.RandomizationFactor = 0.2
		b.InitialInterval = 100 * time.Microsecond
		b.Multiplier = 2
		b.MaxInterval = 50 * time.Millisecond
		b.MaxElapsedTime = 0 // never stop
		b.Reset()
		return b
	}
}

// WithMaxRetries stops p after n retries.
func WithMaxRetries(p Policy, n uint64) Policy {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(p(), n)
	}
}

// Until calls attempt until it reports done, returns an error, ctx ends or the
// policy stops. It returns the number of retries performed.
//
// ctx is checked before every attempt, so a cancelled or expired context is
// reported as the context error and never confused with a negative outcome of
// the protocol itself.
func Until(ctx context.Context, p Policy, attempt func() (bool, error)) (int, error) {
	if p == nil {
		p = BusySpin()
	}
	b := p()
	b.Reset()

	for retries := 0; ; retries++ {
		if err := ctx.Err(); err != nil {
			return retries, errors.WithStack(err)
		}

		done, err := attempt()
		if err != nil {
			return retries, err
		}
		if done {
			return retries, nil
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return retries, errors.WithStack(ErrExhausted)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return retries, errors.WithStack(ctx.Err())
			case <-timer.C:
			}
		}
	}
}
