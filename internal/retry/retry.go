// Package retry runs operations under a fixed-interval, bounded-attempt
// policy built on cenkalti/backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy is a constant-interval retry budget.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

var (
	// Outbound is applied to provider, fetch and upload calls.
	Outbound = Policy{Interval: 2 * time.Second, MaxAttempts: 3}
	// Settlement is applied to the finalize transaction.
	Settlement = Policy{Interval: 10 * time.Second, MaxAttempts: 6}
)

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// Always treats every error except context cancellation as transient.
func Always(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Notify is called before each retry with the failed attempt's error.
type Notify func(err error, attempt int, wait time.Duration)

// Do runs op until it succeeds, returns an error the classifier rejects, or
// exhausts the policy. The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, transient Classifier, notify Notify, op func(ctx context.Context) (T, error)) (T, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if transient == nil {
		transient = Always
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		out, err := op(ctx)
		if err != nil && !transient(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Interval)),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			notify(err, attempt, wait)
		}))
	}
	out, err := backoff.Retry(ctx, operation, opts...)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return out, err
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, transient Classifier, notify Notify, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, transient, notify, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
