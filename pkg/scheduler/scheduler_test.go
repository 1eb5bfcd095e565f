package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

// stepReconciler counts runs and advances the fake clock by duration on each one,
// standing in for a slow reconcile.
type stepReconciler struct {
	mu       sync.Mutex
	calls    int
	clock    *clocktesting.FakeClock
	duration time.Duration
	err      error
}

func (r *stepReconciler) Reconcile(context.Context) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	if r.duration > 0 {
		r.clock.Step(r.duration)
	}
	return r.err
}

func (r *stepReconciler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startScheduler(t *testing.T, s *Scheduler) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func TestRunMeasuresIntervalFromCompletion(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	r := &stepReconciler{clock: fc, duration: 3 * time.Minute}
	s := New(r, testLogger(), Options{Interval: 10 * time.Minute, Clock: fc})

	startScheduler(t, s)
	require.Eventually(t, func() bool { return r.count() == 1 && fc.HasWaiters() }, time.Second, time.Millisecond)

	// 8 minutes after the first run completed: not due yet.
	fc.Step(8 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, r.count())

	fc.Step(2 * time.Minute)
	require.Eventually(t, func() bool { return r.count() == 2 }, time.Second, time.Millisecond)
}

func TestRunContinuesAfterFailure(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	r := &stepReconciler{clock: fc, err: errors.New("store down")}
	s := New(r, testLogger(), Options{Interval: time.Minute, Poll: time.Second, Clock: fc})

	startScheduler(t, s)
	require.Eventually(t, func() bool { return r.count() == 1 && fc.HasWaiters() }, time.Second, time.Millisecond)

	fc.Step(time.Minute)
	require.Eventually(t, func() bool { return r.count() == 2 }, time.Second, time.Millisecond)
}

func TestRunStopsOnCancel(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	r := &stepReconciler{clock: fc}
	s := New(r, testLogger(), Options{Clock: fc})

	cancel, done := startScheduler(t, s)
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
