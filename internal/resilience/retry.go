package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Class tags an error for retry decisions.
type Class int

const (
	// ClassRetryable covers server 5xx responses, network timeouts, and 429
	// rate limits — the attempt is repeated after a backoff delay.
	ClassRetryable Class = iota

	// ClassNonRetryable covers 4xx responses other than 429 and semantic
	// errors — the loop aborts immediately.
	ClassNonRetryable

	// ClassCancelled marks cooperative cancellation — the loop aborts and
	// surfaces the cancellation.
	ClassCancelled
)

// String returns the human-readable name of the class.
func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassNonRetryable:
		return "non-retryable"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with a retry [Class] and an optional
// Retry-After hint from a 429 response.
type ClassifiedError struct {
	Err        error
	Class      Class
	RetryAfter time.Duration // zero when the vendor sent no hint

	// RateLimit marks a 429; the TTS pacing loop grows its delay harder
	// for these than for other transient failures.
	RateLimit bool
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string { return e.Err.Error() }

// Unwrap exposes the wrapped error to errors.Is/As.
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Retryable builds a retryable [ClassifiedError].
func Retryable(err error) *ClassifiedError {
	return &ClassifiedError{Err: err, Class: ClassRetryable}
}

// RateLimited builds a retryable [ClassifiedError] carrying a Retry-After
// hint. A zero retryAfter means the vendor sent no hint.
func RateLimited(err error, retryAfter time.Duration) *ClassifiedError {
	return &ClassifiedError{Err: err, Class: ClassRetryable, RetryAfter: retryAfter, RateLimit: true}
}

// Permanent builds a non-retryable [ClassifiedError].
func Permanent(err error) *ClassifiedError {
	return &ClassifiedError{Err: err, Class: ClassNonRetryable}
}

// Cancelled builds a cancelled [ClassifiedError].
func Cancelled(err error) *ClassifiedError {
	return &ClassifiedError{Err: err, Class: ClassCancelled}
}

// Classify extracts the [Class] of err. Plain context cancellation errors are
// treated as cancelled; any other unclassified error is non-retryable, so
// adapters must classify transient failures explicitly.
func Classify(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCancelled
	}
	return ClassNonRetryable
}

// RetryConfig holds the per-adapter backoff policy.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt; subsequent delays
	// double. Default: 250ms.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay. Default: 10s.
	MaxDelay time.Duration

	// JitterRatio adds up to delay*JitterRatio of random jitter.
	// Default: 0.2.
	JitterRatio float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 250 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.JitterRatio <= 0 {
		c.JitterRatio = 0.2
	}
	return c
}

// Do executes fn up to cfg.MaxAttempts times with jittered exponential
// backoff between attempts. fn returns a value and a (possibly classified)
// error; the error's [Class] decides whether the loop continues. A 429
// Retry-After hint, when present, overrides the computed delay for that
// cycle. Cancellation via ctx is honoured during backoff waits.
func Do[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, Cancelled(err)
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		switch Classify(err) {
		case ClassNonRetryable:
			return zero, err
		case ClassCancelled:
			return zero, err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		var ce *ClassifiedError
		if errors.As(err, &ce) && ce.RetryAfter > 0 {
			delay = ce.RetryAfter
		}

		if err := Sleep(ctx, delay); err != nil {
			return zero, Cancelled(err)
		}
	}

	return zero, lastErr
}

// backoffDelay computes base * 2^(attempt-1) plus jitter, capped at MaxDelay.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << (attempt - 1)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(float64(delay)*cfg.JitterRatio) + 1))
	delay += jitter
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// Sleep waits for d or until ctx is cancelled, whichever comes first. It is
// the cancellation-aware replacement for time.Sleep used throughout the
// pipeline, in particular by the TTS pacing loop.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
