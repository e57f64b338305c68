package fiberloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsCallbackTasks(t *testing.T) {
	s := NewScheduler(3, WithName("cb-test"))
	require.NoError(t, s.Start())

	const n = 200
	var count atomic.Int64
	done := make(chan struct{})
	var remaining atomic.Int64
	remaining.Store(n)

	for i := 0; i < n; i++ {
		require.NoError(t, s.Schedule(NewCallbackTask(func() {
			count.Add(1)
			if remaining.Add(-1) == 0 {
				close(done)
			}
		})))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for all callback tasks to run")
	}

	s.Stop()
	assert.EqualValues(t, n, count.Load())
}

func TestSchedulerRunsFiberTasksAcrossYields(t *testing.T) {
	s := NewScheduler(2)
	require.NoError(t, s.Start())

	var trace []string
	traceCh := make(chan struct{})
	firstDone := make(chan struct{})

	f := NewFiber(func() {
		trace = append(trace, "first")
		close(firstDone)
		Yield()
		trace = append(trace, "second")
		close(traceCh)
	})

	require.NoError(t, s.Schedule(NewFiberTask(f)))
	// The fiber yielded after "first"; resume it again via another task.
	go func() {
		<-firstDone
		for f.State() != FiberReady {
			time.Sleep(time.Millisecond)
		}
		_ = s.Schedule(NewFiberTask(f))
	}()

	select {
	case <-traceCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fiber to finish across yields")
	}

	s.Stop()
	assert.Equal(t, []string{"first", "second"}, trace)
}

// Scheduling two callback tasks on a 1-worker scheduler (no caller) before
// ever calling Start must still run them in FIFO order.
func TestFIFOScheduleOnSingleWorkerScheduler(t *testing.T) {
	s := NewScheduler(1)

	var out []int
	require.NoError(t, s.Schedule(NewCallbackTask(func() { out = append(out, 1) })))
	require.NoError(t, s.Schedule(NewCallbackTask(func() { out = append(out, 2) })))

	require.NoError(t, s.Start())
	s.Stop()

	assert.Equal(t, []int{1, 2}, out)
}

// A task pinned to worker 0 must never run on worker 1, even while worker 1
// is free and draining a flood of unpinned tasks: it runs only once worker
// 0 itself becomes free.
func TestPinnedTaskAlwaysRunsOnItsAssignedWorker(t *testing.T) {
	s := NewScheduler(2)
	require.NoError(t, s.Start())

	release := make(chan struct{})
	blockerStarted := make(chan struct{})
	require.NoError(t, s.Schedule(NewCallbackTask(func() {
		close(blockerStarted)
		<-release
	}).OnThread(0)))
	<-blockerStarted // worker 0 is now busy until release is closed

	pinnedDone := make(chan struct{})
	require.NoError(t, s.Schedule(NewCallbackTask(func() {
		close(pinnedDone)
	}).OnThread(0)))

	const n = 20
	var unpinnedCount atomic.Int64
	unpinnedDone := make(chan struct{})
	for i := 0; i < n; i++ {
		require.NoError(t, s.Schedule(NewCallbackTask(func() {
			if unpinnedCount.Add(1) == n {
				close(unpinnedDone)
			}
		})))
	}

	select {
	case <-unpinnedDone:
	case <-time.After(5 * time.Second):
		t.Fatal("unpinned tasks never drained on worker 1 while worker 0 was busy")
	}

	select {
	case <-pinnedDone:
		t.Fatal("task pinned to worker 0 ran before worker 0 became free")
	default:
	}

	close(release)

	select {
	case <-pinnedDone:
	case <-time.After(5 * time.Second):
		t.Fatal("task pinned to worker 0 never ran once worker 0 became free")
	}

	s.Stop()
}

// popTask itself must never hand a pinned task to the wrong worker, and
// must report skippedPinned so the caller knows to tickle the owner.
func TestPopTaskHonoursThreadPinning(t *testing.T) {
	s := NewScheduler(2)
	require.NoError(t, s.Schedule(NewCallbackTask(func() {}).OnThread(0)))

	task, skipped := s.popTask(1)
	assert.True(t, task.empty())
	assert.True(t, skipped)

	task, skipped = s.popTask(0)
	assert.False(t, task.empty())
	assert.False(t, skipped)
}

func TestSchedulerDoubleStartErrors(t *testing.T) {
	s := NewScheduler(1)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrSchedulerStarted)
	s.Stop()
}

func TestSchedulerScheduleAfterStopErrors(t *testing.T) {
	s := NewScheduler(1)
	require.NoError(t, s.Start())
	s.Stop()
	assert.ErrorIs(t, s.Schedule(NewCallbackTask(func() {})), ErrSchedulerStopped)
}

func TestSchedulerStopWithoutStartJoinsImmediately(t *testing.T) {
	s := NewScheduler(2)
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop on an unstarted scheduler should return promptly")
	}
}

func TestSchedulerUseCallerRequiresConstructingGoroutineToStop(t *testing.T) {
	s := NewScheduler(1, WithUseCaller(true))
	require.NoError(t, s.Start())

	panicked := make(chan any, 1)
	go func() {
		defer func() { panicked <- recover() }()
		s.Stop()
	}()
	r := <-panicked
	require.NotNil(t, r)
	assert.ErrorIs(t, r.(error), ErrWrongCallerThread)

	s.Stop() // from the actual constructing goroutine, should succeed
}
