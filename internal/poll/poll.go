// Package poll repeats a check at a fixed interval until it reports done,
// fails, runs out of attempts or the context ends.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrExhausted = errors.New("poll attempts exhausted")

	errPending = errors.New("pending")
)

// Policy describes how often and how many times a check runs.
// Attempts lower than 1 are treated as 1.
type Policy struct {
	Interval time.Duration
	Attempts int
}

// Budget returns the worst case time spent sleeping between attempts.
func (p Policy) Budget() time.Duration {
	if p.Attempts <= 1 {
		return 0
	}
	return time.Duration(p.Attempts-1) * p.Interval
}

// CheckFunc returns true once the awaited condition holds. A non nil error
// stops polling immediately and is returned by Until.
type CheckFunc func(ctx context.Context) (bool, error)

// Until calls check until it returns true. The first call happens
// immediately, the following ones after p.Interval each.
func Until(ctx context.Context, p Policy, check CheckFunc) error {
	attempts := max(p.Attempts, 1)

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	var tries int
	err := backoff.Retry(func() error {
		tries++
		done, err := check(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return errPending
		}
		return nil
	}, b)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errPending):
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: after %d attempts", ErrExhausted, tries)
	default:
		return err
	}
}
