package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestInvoke_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	outcome := Invoke(context.Background(), fastPolicy(), "run-1-stage", func(ctx context.Context, dedupKey string) error {
		calls++
		assert.Equal(t, "run-1-stage", dedupKey)
		return nil
	})

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, ClassNone, outcome.Classification)
	assert.Equal(t, 1, calls)
}

func TestInvoke_TransientThenSuccess(t *testing.T) {
	calls := 0
	outcome := Invoke(context.Background(), fastPolicy(), "k", func(ctx context.Context, dedupKey string) error {
		calls++
		if calls <= 2 {
			return Transient(errors.New("rate limited"))
		}
		return nil
	})

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 3, calls)
}

func TestInvoke_ExhaustsRetries(t *testing.T) {
	calls := 0
	outcome := Invoke(context.Background(), fastPolicy(), "k", func(ctx context.Context, dedupKey string) error {
		calls++
		return Transient(errors.New("still down"))
	})

	assert.False(t, outcome.Succeeded())
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, ClassPermanent, outcome.Classification)
	assert.Contains(t, outcome.Err.Error(), "retries exhausted after 3 attempts")
	assert.Contains(t, outcome.Err.Error(), "still down")
}

func TestInvoke_PermanentAbortsImmediately(t *testing.T) {
	calls := 0
	outcome := Invoke(context.Background(), fastPolicy(), "k", func(ctx context.Context, dedupKey string) error {
		calls++
		return Permanent(errors.New("invalid credentials"))
	})

	assert.False(t, outcome.Succeeded())
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ClassPermanent, outcome.Classification)
}

func TestInvoke_UnmarkedErrorIsPermanent(t *testing.T) {
	calls := 0
	outcome := Invoke(context.Background(), fastPolicy(), "k", func(ctx context.Context, dedupKey string) error {
		calls++
		return errors.New("mystery failure")
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, ClassPermanent, outcome.Classification)
}

func TestInvoke_StableDedupKeyAcrossAttempts(t *testing.T) {
	var keys []string
	Invoke(context.Background(), fastPolicy(), "run-9-upload", func(ctx context.Context, dedupKey string) error {
		keys = append(keys, dedupKey)
		return Transient(errors.New("flaky"))
	})

	require.Len(t, keys, 3)
	for _, k := range keys {
		assert.Equal(t, "run-9-upload", k)
	}
}

func TestInvoke_TimeoutEscalation(t *testing.T) {
	policy := Policy{
		MaxAttempts:       10,
		BaseDelay:         time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		Timeout:           5 * time.Millisecond,
		TimeoutEscalation: 2,
	}

	calls := 0
	outcome := Invoke(context.Background(), policy, "k", func(ctx context.Context, dedupKey string) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	assert.False(t, outcome.Succeeded())
	assert.Equal(t, 2, calls)
	assert.Equal(t, ClassPermanent, outcome.Classification)
	assert.Contains(t, outcome.Err.Error(), "timed out 2 times")
}

func TestInvoke_ContextCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := Invoke(ctx, fastPolicy(), "k", func(ctx context.Context, dedupKey string) error {
		t.Fatal("call should not run after cancellation")
		return nil
	})

	assert.False(t, outcome.Succeeded())
	assert.Equal(t, 0, outcome.Attempts)
	assert.ErrorIs(t, outcome.Err, context.Canceled)
}

func TestBackoff_CapsAtMaxDelay(t *testing.T) {
	policy := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}.withDefaults()

	assert.Equal(t, 100*time.Millisecond, backoff(policy, 1))
	assert.Equal(t, 200*time.Millisecond, backoff(policy, 2))
	assert.Equal(t, 300*time.Millisecond, backoff(policy, 3))
	assert.Equal(t, 300*time.Millisecond, backoff(policy, 8))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(Transient(errors.New("x"))))
	assert.False(t, IsTransient(Permanent(errors.New("x"))))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(errors.New("unmarked")))

	// Wrapped markers survive fmt.Errorf chains.
	wrapped := fmt.Errorf("stage failed: %w", Transient(errors.New("io")))
	assert.True(t, IsTransient(wrapped))

	// Permanent wins when it wraps a transient.
	assert.False(t, IsTransient(Permanent(Transient(errors.New("x")))))
}
