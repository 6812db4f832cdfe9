// SPDX-License-Identifier: Apache-2.0
// Package resilience bounds in-process work with deadlines.
package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jllopis/capcore/pkg/errors"
)

// TimeoutConfig controls timeout behavior.
type TimeoutConfig struct {
	// Duration is the maximum time allowed for the operation. Zero means no
	// deadline beyond the caller's context.
	Duration time.Duration
}

// WithTimeout executes fn with a timeout boundary.
// Returns errors.CodeTransport, marked recoverable, if the deadline is exceeded.
func WithTimeout(ctx context.Context, config TimeoutConfig, fn func(context.Context) error) error {
	_, err := WithTimeoutResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// WithTimeoutResult executes fn with a timeout boundary, returning both result and error.
// fn receives the bounded context and should honor it; if it does not, its result
// is discarded once the deadline passes. A panic in fn is returned as errors.CodeInternal.
func WithTimeoutResult[T any](ctx context.Context, config TimeoutConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if config.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Duration)
		defer cancel()
	}

	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.New(errors.CodeInternal, fmt.Sprintf("panic: %v", r), nil)}
			}
		}()
		value, err := fn(ctx)
		done <- result{value, err}
	}()

	select {
	case <-ctx.Done():
		return zero, contextError(ctx.Err(), config.Duration)
	case res := <-done:
		if res.err != nil && ctx.Err() != nil && isContextErr(res.err) {
			return zero, contextError(ctx.Err(), config.Duration)
		}
		return res.value, res.err
	}
}

func isContextErr(err error) bool {
	return stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled)
}

func contextError(err error, d time.Duration) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		e := errors.New(errors.CodeTransport, "operation exceeded timeout", err).
			WithRecoverable(true)
		if d > 0 {
			e = e.WithContext("timeout", d.String())
		}
		return e
	}
	return errors.New(errors.CodeTransport, "operation canceled", err)
}
