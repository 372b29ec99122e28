package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	var mu sync.Mutex
	ran := make(map[string]bool)
	done := make(chan struct{}, 3)

	p := New(2, func(ctx context.Context, taskID string) {
		mu.Lock()
		ran[taskID] = true
		mu.Unlock()
		done <- struct{}{}
	})
	defer p.Shutdown()

	require.NoError(t, p.Submit("a"))
	require.NoError(t, p.Submit("b"))
	require.NoError(t, p.Submit("c"))

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("task did not run")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, ran, 3)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var active, peak int32
	release := make(chan struct{})

	p := New(2, func(ctx context.Context, taskID string) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
	})
	defer p.Shutdown()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, p.Submit(id))
	}

	time.Sleep(200 * time.Millisecond)
	close(release)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPoolSubmitDeduplicates(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 8)
	var runs int32

	p := New(1, func(ctx context.Context, taskID string) {
		started <- taskID
		if taskID == "contested" {
			atomic.AddInt32(&runs, 1)
		}
		<-release
	})

	require.NoError(t, p.Submit("blocker"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocker did not start")
	}

	// The worker is busy; duplicate submissions collapse into one entry.
	require.NoError(t, p.Submit("contested"))
	require.NoError(t, p.Submit("contested"))
	require.NoError(t, p.Submit("contested"))

	close(release)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs), "duplicate submission must not run the task twice")

	// The claim is released once the run finishes; only then does a new
	// submission enqueue the task again.
	require.Eventually(t, func() bool {
		return !p.Running("contested")
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, p.Submit("contested"))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	p.Shutdown()
}

func TestPoolPauseAndCancelCauses(t *testing.T) {
	causes := make(chan error, 2)
	started := make(chan string, 2)

	p := New(2, func(ctx context.Context, taskID string) {
		started <- taskID
		<-ctx.Done()
		causes <- context.Cause(ctx)
	})
	defer p.Shutdown()

	require.NoError(t, p.Submit("pauseme"))
	require.NoError(t, p.Submit("cancelme"))

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("task did not start")
		}
	}

	assert.True(t, p.Running("pauseme"))
	assert.True(t, p.Pause("pauseme"))
	assert.True(t, p.Cancel("cancelme"))

	got := map[error]bool{}
	for i := 0; i < 2; i++ {
		select {
		case cause := <-causes:
			got[cause] = true
		case <-time.After(2 * time.Second):
			t.Fatal("interrupt was not observed")
		}
	}
	assert.True(t, got[CausePause], "pause cause not delivered")
	assert.True(t, got[CauseCancel], "cancel cause not delivered")
}

func TestPoolInterruptNotRunning(t *testing.T) {
	p := New(1, func(ctx context.Context, taskID string) {})
	defer p.Shutdown()

	// Task never submitted, the caller must apply the state change itself.
	assert.False(t, p.Pause("ghost"))
	assert.False(t, p.Cancel("ghost"))
	assert.False(t, p.Running("ghost"))
}

func TestPoolSubmitAfterShutdown(t *testing.T) {
	p := New(1, func(ctx context.Context, taskID string) {})
	p.Shutdown()
	assert.ErrorIs(t, p.Submit("late"), ErrStopped)
}

func TestPoolShutdownInterruptsRunning(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})

	p := New(1, func(ctx context.Context, taskID string) {
		close(started)
		<-ctx.Done()
		close(finished)
	})

	require.NoError(t, p.Submit("longrunner"))
	<-started

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("running task was not interrupted by shutdown")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
}
