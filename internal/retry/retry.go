package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"spot-grid/internal/core"
)

// Policy bounds how hard a single logical call is retried.
type Policy struct {
	Attempts    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	CallTimeout time.Duration
	// OnRetry, if set, is called before sleeping after a failed attempt.
	OnRetry func(op string, attempt int, err error)
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:    3,
		BaseDelay:   300 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
		CallTimeout: 10 * time.Second,
	}
}

// Delay is the pause after the given zero-based failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	f := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && f > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if f > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retryable reports whether another attempt could plausibly succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var perm permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if core.IsRejection(err) {
		return false
	}
	switch {
	case errors.Is(err, core.ErrDuplicateOrder),
		errors.Is(err, core.ErrOrderNotFound),
		errors.Is(err, core.ErrInsufficientBalance),
		errors.Is(err, core.ErrOrderRejected),
		errors.Is(err, core.ErrCostBasisUnavailable):
		return false
	}
	return true
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. Each attempt gets its own CallTimeout.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := callOnce(ctx, p.CallTimeout, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !Retryable(err) {
			var perm permanentError
			if errors.As(err, &perm) {
				return zero, perm.err
			}
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(op, attempt+1, err)
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return zero, err
		}
	}
	return zero, &ExhaustedError{Op: op, Attempts: attempts, Err: lastErr}
}

func callOnce[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
