package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"bbgodb/internal/apperr"
	"bbgodb/internal/retry"
)

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestPolicy_Do(t *testing.T) {
	t.Run("SucceedsAfterTransient", func(t *testing.T) {
		calls := 0
		err := fastPolicy(3).Do(context.Background(), "embed", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return apperr.Transient(errors.New("429"))
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("StopsAtMaxAttempts", func(t *testing.T) {
		calls := 0
		err := fastPolicy(3).Do(context.Background(), "embed", func(ctx context.Context) error {
			calls++
			return apperr.Transient(errors.New("503"))
		})
		assert.ErrorIs(t, err, apperr.ErrTransientProvider)
		assert.Equal(t, 3, calls)
	})

	t.Run("PermanentNotRetried", func(t *testing.T) {
		calls := 0
		err := fastPolicy(5).Do(context.Background(), "embed", func(ctx context.Context) error {
			calls++
			return apperr.Permanent(errors.New("401"))
		})
		assert.ErrorIs(t, err, apperr.ErrPermanentProvider)
		assert.Equal(t, 1, calls)
	})

	t.Run("UnclassifiedNotRetried", func(t *testing.T) {
		calls := 0
		err := fastPolicy(5).Do(context.Background(), "upsert", func(ctx context.Context) error {
			calls++
			return errors.New("bad schema")
		})
		assert.EqualError(t, err, "bad schema")
		assert.Equal(t, 1, calls)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := fastPolicy(10).Do(ctx, "embed", func(ctx context.Context) error {
			calls++
			cancel()
			return apperr.Transient(errors.New("timeout"))
		})
		assert.Error(t, err)
		assert.Less(t, calls, 10)
	})

	t.Run("ZeroAttemptsRunsOnce", func(t *testing.T) {
		calls := 0
		_ = fastPolicy(0).Do(context.Background(), "embed", func(ctx context.Context) error {
			calls++
			return apperr.Transient(errors.New("x"))
		})
		assert.Equal(t, 1, calls)
	})
}
