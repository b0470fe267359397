// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package servicebus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// retryExecutor runs network bound operations in a bounded retry loop.
type retryExecutor struct {
	opts RetryOptions
}

// newBackoff generates the backoff policy of one retry loop. It is a variable so
// tests can remove the delays.
var newBackoff = func(opts RetryOptions) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.RetryDelay
	b.MaxInterval = opts.MaxRetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	return b
}

func newRetryExecutor(opts RetryOptions) *retryExecutor {
	return &retryExecutor{opts: opts}
}

// run calls fn until it succeeds, fails with a non transient error, ctx ends, or
// MaxAttempts attempts were made. Exhaustion returns a ServiceBusError carrying the
// attempt count and the last error.
func (r *retryExecutor) run(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempts := 0
	var last error

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newBackoff(r.opts), uint64(r.opts.MaxAttempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, delay time.Duration) {
		logrus.
			WithContext(ctx).
			WithError(err).
			WithFields(logrus.Fields{
				"operation": operation,
				"attempt":   attempts,
				"delay":     delay,
			}).
			Warn("servicebus transient failure, retrying")
	})

	if err == nil {
		return nil
	}

	if !isTransient(err) {
		return err
	}

	if ctxErr := ctx.Err(); ctxErr != nil && attempts < r.opts.MaxAttempts {
		return ctxErr
	}

	logrus.
		WithContext(ctx).
		WithError(last).
		WithFields(logrus.Fields{"operation": operation, "attempts": attempts}).
		Error("servicebus retries exhausted")

	return exhaustedError(operation, attempts, last)
}
