package periodic

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForCount(t *testing.T, counter *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if counter.Load() >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d executions, got %d", want, counter.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRunsImmediatelyAfterStart(t *testing.T) {
	var count atomic.Int64
	p := New("test", time.Hour, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	p.Start(context.Background())
	defer p.Stop()

	waitForCount(t, &count, 1)
}

func TestPokeTriggersImmediateRun(t *testing.T) {
	var count atomic.Int64
	p := New("test", time.Hour, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	p.Start(context.Background())
	defer p.Stop()

	waitForCount(t, &count, 1)
	p.Poke()
	waitForCount(t, &count, 2)
}

func TestPeriodicReruns(t *testing.T) {
	var count atomic.Int64
	p := New("test", 10*time.Millisecond, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	p.Start(context.Background())
	defer p.Stop()

	waitForCount(t, &count, 3)
}

func TestStopWaitsForInflightRun(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	p := New("test", time.Hour, func(ctx context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	p.Start(context.Background())
	<-started
	p.Stop()

	require.True(t, finished.Load(), "Stop returned before the in-flight execution finished")
}

func TestExecutorErrorsDoNotStopLoop(t *testing.T) {
	var count atomic.Int64
	p := New("test", 5*time.Millisecond, func(ctx context.Context) error {
		count.Add(1)
		return errors.New("boom")
	})

	p.Start(context.Background())
	defer p.Stop()

	waitForCount(t, &count, 3)
}

func TestExecutorPanicIsRecovered(t *testing.T) {
	var count atomic.Int64
	p := New("test", 5*time.Millisecond, func(ctx context.Context) error {
		count.Add(1)
		if count.Load() == 1 {
			panic("boom")
		}
		return nil
	})

	p.Start(context.Background())
	defer p.Stop()

	waitForCount(t, &count, 2)
}

func TestStartIsIdempotent(t *testing.T) {
	var count atomic.Int64
	p := New("test", time.Hour, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	p.Start(context.Background())
	p.Start(context.Background())
	defer p.Stop()

	waitForCount(t, &count, 1)
	// A second Start must not spawn a second loop.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), count.Load())
}

func TestStopIsIdempotent(t *testing.T) {
	p := New("test", time.Hour, func(ctx context.Context) error { return nil })
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}
