// Package retry wraps capability invocations with bounded retries,
// exponential backoff, and transient-vs-permanent error classification.
// Results are explicit Outcome values rather than propagated panics or
// bare errors, so the orchestrator can inspect and decide.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Classification labels an outcome for ledger reporting.
type Classification string

const (
	// ClassNone means the call succeeded.
	ClassNone Classification = ""
	// ClassTransient marks retryable failures: rate limits, network
	// timeouts, temporary service unavailability.
	ClassTransient Classification = "transient"
	// ClassPermanent marks non-retryable failures: invalid input,
	// authentication failure, quota exhausted permanently.
	ClassPermanent Classification = "permanent"
)

// TransientError marks err as retryable.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks err as non-retryable.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err so Invoke retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err so Invoke aborts immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether an error is safe to retry. Unwrapped errors are
// classified by shape: deadline and network timeouts are transient, context
// cancellation is not, and anything unmarked defaults to permanent so unknown
// failures never loop.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.As(err, new(*PermanentError)) {
		return false
	}
	if errors.As(err, new(*TransientError)) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// Policy bounds the retry loop for one stage.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Timeout applies per attempt; zero means no per-attempt deadline.
	Timeout time.Duration
	// TimeoutEscalation is how many consecutive attempt timeouts are treated
	// as transient before the failure is reclassified permanent.
	TimeoutEscalation int
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.TimeoutEscalation <= 0 {
		p.TimeoutEscalation = 3
	}
	return p
}

// Outcome reports how an invocation ended.
type Outcome struct {
	Classification Classification
	Attempts       int
	Err            error
}

// Succeeded reports whether the call ultimately succeeded.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Call is one capability invocation. Non-idempotent capabilities receive a
// stable dedup key so retried attempts do not double-apply effects.
type Call func(ctx context.Context, dedupKey string) error

// Invoke runs call under policy. Transient errors are retried up to
// MaxAttempts with exponential backoff (base x 2^attempt, capped at
// MaxDelay); permanent errors abort immediately. Exhausted retries are
// reclassified permanent for reporting.
func Invoke(ctx context.Context, policy Policy, dedupKey string, call Call) Outcome {
	policy = policy.withDefaults()

	var lastErr error
	timeouts := 0

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Classification: ClassPermanent, Attempts: attempt - 1, Err: err}
		}

		err := runAttempt(ctx, policy.Timeout, dedupKey, call)
		if err == nil {
			return Outcome{Classification: ClassNone, Attempts: attempt}
		}
		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) {
			timeouts++
			// A recurring timeout stops looking like a loading hiccup.
			if timeouts >= policy.TimeoutEscalation {
				return Outcome{
					Classification: ClassPermanent,
					Attempts:       attempt,
					Err:            fmt.Errorf("timed out %d times: %w", timeouts, err),
				}
			}
		}

		if !IsTransient(err) {
			return Outcome{Classification: ClassPermanent, Attempts: attempt, Err: err}
		}

		if attempt == policy.MaxAttempts {
			break
		}
		if err := sleep(ctx, backoff(policy, attempt)); err != nil {
			return Outcome{Classification: ClassPermanent, Attempts: attempt, Err: err}
		}
	}

	// Retries exhausted: reclassified permanent for reporting purposes.
	return Outcome{
		Classification: ClassPermanent,
		Attempts:       policy.MaxAttempts,
		Err:            fmt.Errorf("retries exhausted after %d attempts: %w", policy.MaxAttempts, lastErr),
	}
}

func runAttempt(ctx context.Context, timeout time.Duration, dedupKey string, call Call) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return call(ctx, dedupKey)
}

// backoff computes the delay before the next attempt: BaseDelay x 2^(attempt-1),
// capped at MaxDelay.
func backoff(policy Policy, attempt int) time.Duration {
	delay := policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= policy.MaxDelay {
			return policy.MaxDelay
		}
	}
	if delay > policy.MaxDelay {
		return policy.MaxDelay
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
