package ticker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodicallyRunsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Periodically(ctx, time.Hour, func(context.Context) error {
			runs.Add(1)
			return nil
		})
	}()

	deadline := time.Now().Add(time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int32(1), runs.Load(), "first run does not wait for the interval")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestPeriodicallyStopsOnError(t *testing.T) {
	err := Periodically(context.Background(), time.Millisecond, func(context.Context) error {
		return fmt.Errorf("boom")
	})
	require.ErrorContains(t, err, "boom")
}

func TestBestEffortKeepsGoing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		BestEffort(ctx, time.Millisecond, slog.Default(), func(context.Context) error {
			runs.Add(1)
			return fmt.Errorf("still boom")
		})
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(3), "errors do not stop the loop")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancel")
	}
}
