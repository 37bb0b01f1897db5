package archiver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSweeper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSweeper) SweepExpired(context.Context, int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 1, f.err
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRun_SweepsImmediatelyAndOnTicks(t *testing.T) {
	sweeper := &fakeSweeper{}
	fc := clocktesting.NewFakeClock(time.Now())
	a := New(sweeper, time.Minute, fc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()

	// Startup sweep.
	require.Eventually(t, func() bool { return sweeper.count() == 1 }, time.Second, 5*time.Millisecond)

	// The run loop must be blocked on the ticker before we step the clock.
	require.Eventually(t, fc.HasWaiters, time.Second, 5*time.Millisecond)
	fc.Step(time.Minute)
	require.Eventually(t, func() bool { return sweeper.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("archiver did not stop on context cancel")
	}
}

func TestRun_KeepsGoingAfterSweepErrors(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db down")}
	fc := clocktesting.NewFakeClock(time.Now())
	a := New(sweeper, time.Minute, fc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()

	require.Eventually(t, fc.HasWaiters, time.Second, 5*time.Millisecond)
	fc.Step(time.Minute)
	require.Eventually(t, func() bool { return sweeper.count() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.GreaterOrEqual(t, sweeper.count(), 2)
}
