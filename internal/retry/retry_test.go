// ABOUTME: Tests for retry policy budgets, backoff curve, and cancellation
// ABOUTME: Uses short delays so the suite stays fast

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoStopsOnFirstSuccess(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(attempt int) error {
		calls++
		if attempt == 2 {
			return nil
		}
		return errors.New("boom")
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	sentinel := errors.New("still failing")

	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, calls)
}

func TestZeroPolicyIsSingleAttempt(t *testing.T) {
	var p Policy

	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return errors.New("nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDelayDoublesUpToCeiling(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(4))
}

func TestDoRespectsCancellation(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(int) error {
			calls++
			return errors.New("boom")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}
