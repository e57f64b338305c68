package fiberloop

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// AnyThread is the pinned-thread value meaning "any worker may run this
// task", the default for Schedule.
const AnyThread = -1

// ScheduleTask is a unit of work handed to a Scheduler: either a Fiber to
// Resume, or a plain callback to run to completion inside a fresh fiber.
// Exactly one of Fiber/Callback is set; use NewFiberTask or
// NewCallbackTask to construct one.
type ScheduleTask struct {
	fiber    *Fiber
	callback func()
	thread   int
}

// NewFiberTask wraps an existing fiber as a task. The scheduler resumes it
// if it is not already FiberTerm.
func NewFiberTask(f *Fiber) ScheduleTask {
	if f == nil {
		panic("fiberloop: NewFiberTask given a nil fiber")
	}
	return ScheduleTask{fiber: f, thread: AnyThread}
}

// NewCallbackTask wraps a plain callback as a task. The scheduler runs it
// to completion inside a fresh, throwaway fiber.
func NewCallbackTask(cb func()) ScheduleTask {
	if cb == nil {
		panic("fiberloop: NewCallbackTask given a nil callback")
	}
	return ScheduleTask{callback: cb, thread: AnyThread}
}

// OnThread pins the task to a specific worker id (0-based, as assigned by
// NewScheduler), returning a copy. A task pinned to a worker id outside
// [0, workers) will never run.
func (t ScheduleTask) OnThread(id int) ScheduleTask {
	t.thread = id
	return t
}

func (t ScheduleTask) empty() bool { return t.fiber == nil && t.callback == nil }

// Scheduler multiplexes ScheduleTasks over a fixed pool of workerThreads,
// each running a cooperative worker loop: pop a task (honouring per-task
// thread pinning), resume it to completion-or-yield, repeat; when no task
// is available, resume an idle fiber instead of busy-spinning.
//
// Grounded on the teacher's Submit/submitWakeup queue-then-wake shape in
// loop.go, simplified to a single mutex-guarded slice queue as this
// package's contract requires (the teacher's lock-free ingress ring is a
// performance choice this package does not need).
type Scheduler struct {
	opts *schedulerOptions

	mu    sync.Mutex
	queue []ScheduleTask

	workers []*workerThread

	activeCount atomic.Int64
	idleThreads atomic.Int64
	stoppingFl  atomic.Bool
	started     atomic.Bool

	callerGID      uint64
	callerWorkerID int
	callerFiber    *Fiber

	wakeCh atomic.Pointer[chan struct{}]

	// idleFunc and tickleFunc are the Scheduler's "virtual methods": the
	// default implementations below handle the plain FIFO-worker-pool
	// contract, and IOManager overrides both after embedding a Scheduler
	// to add epoll-blocking idle behaviour and self-pipe based wakeups.
	idleFunc     func()
	tickleFunc   func()
	stoppingCond func() bool
}

// NewScheduler constructs a Scheduler with the given number of workers
// (must be >= 1) and starts none of them; call Start to do that.
//
// If WithUseCaller(true) is set, the constructing goroutine becomes one of
// the workers itself, so only workers-1 worker goroutines are ever spawned
// by Start; the constructing goroutine's share of the work runs as a
// "scheduler fiber" created here and resumed from Stop, mirroring the
// original scheduler.cc's threads-- / m_schedulerFiber construction.
func NewScheduler(workers int, opts ...SchedulerOption) *Scheduler {
	if workers < 1 {
		panic("fiberloop: NewScheduler requires at least one worker")
	}
	s := &Scheduler{opts: resolveSchedulerOptions(opts), callerWorkerID: -1}
	s.idleFunc = s.defaultIdle
	s.tickleFunc = s.defaultTickle
	ch := make(chan struct{})
	s.wakeCh.Store(&ch)
	s.workers = make([]*workerThread, workers)
	if s.opts.useCaller {
		s.callerGID = getGoroutineID()
		s.callerWorkerID = workers - 1
		wid := s.callerWorkerID
		s.callerFiber = NewFiber(func() { s.workerLoop(wid) },
			WithRunsInScheduler(true),
			WithFiberName(fmt.Sprintf("%s-scheduler-%d", s.opts.name, wid)))
	}
	return s
}

// Name returns the scheduler's configured name.
func (s *Scheduler) Name() string { return s.opts.name }

// Workers returns the number of workers this scheduler runs.
func (s *Scheduler) Workers() int { return len(s.workers) }

// Stats is a point-in-time snapshot of scheduler load, exposed for an
// embedder's own metrics exporter (no metrics library is bundled here).
type Stats struct {
	QueueLength int
	ActiveCount int64
	IdleThreads int64
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	n := len(s.queue)
	s.mu.Unlock()
	return Stats{
		QueueLength: n,
		ActiveCount: s.activeCount.Load(),
		IdleThreads: s.idleThreads.Load(),
	}
}

// Start launches the scheduler's workers. Start is not idempotent: calling
// it twice, or after Stop, returns ErrSchedulerStarted/ErrSchedulerStopped.
func (s *Scheduler) Start() error {
	if s.stoppingFl.Load() {
		return ErrSchedulerStopped
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrSchedulerStarted
	}
	for i := range s.workers {
		if i == s.callerWorkerID {
			// The constructing goroutine runs this worker's share of the
			// loop itself, from Stop, via s.callerFiber; no goroutine is
			// spawned for it here.
			continue
		}
		id := i
		name := fmt.Sprintf("%s-worker-%d", s.opts.name, id)
		s.workers[i] = startWorkerThread(id, name, func() {
			s.workerLoop(id)
		})
	}
	return nil
}

// Schedule enqueues task for any worker to pick up, waking a worker if the
// queue was previously empty. Schedule returns ErrSchedulerStopped once
// Stop has been called; the task is not enqueued in that case.
func (s *Scheduler) Schedule(task ScheduleTask) error {
	return s.scheduleOn(task, task.thread)
}

// ScheduleOn enqueues task pinned to the given worker id (or AnyThread).
func (s *Scheduler) ScheduleOn(thread int, task ScheduleTask) error {
	return s.scheduleOn(task, thread)
}

func (s *Scheduler) scheduleOn(task ScheduleTask, thread int) error {
	if task.empty() {
		panic("fiberloop: Schedule given an empty ScheduleTask")
	}
	if s.stoppingFl.Load() {
		return ErrSchedulerStopped
	}
	task.thread = thread
	s.mu.Lock()
	wasEmpty := len(s.queue) == 0
	s.queue = append(s.queue, task)
	s.mu.Unlock()
	if wasEmpty {
		s.tickle()
	}
	return nil
}

// popTask removes and returns the first queued task eligible to run on
// workerID (unpinned, or pinned to workerID). It also reports whether a
// differently-pinned task was skipped over, in which case the caller
// should tickle so the task's actual owner notices it.
func (s *Scheduler) popTask(workerID int) (ScheduleTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skippedPinned := false
	for i, t := range s.queue {
		if t.thread == AnyThread || t.thread == workerID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return t, skippedPinned
		}
		skippedPinned = true
	}
	return ScheduleTask{}, skippedPinned
}

func (s *Scheduler) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) hasIdleThreads() bool {
	return s.idleThreads.Load() > 0
}

// stopping is the worker loop's exit condition: the stopping flag is set,
// the queue is empty, no task is currently active, and (for subtypes like
// IOManager that set stoppingCond) any additional condition holds too.
func (s *Scheduler) stopping() bool {
	if !s.stoppingFl.Load() {
		return false
	}
	if s.queueLen() != 0 || s.activeCount.Load() != 0 {
		return false
	}
	if s.stoppingCond != nil {
		return s.stoppingCond()
	}
	return true
}

// defaultTickle wakes every worker currently parked in the default idle
// action by rotating the broadcast wake channel. IOManager overrides this
// to instead write a byte to its self-pipe, since its idle action blocks
// in epoll_wait rather than on this channel.
func (s *Scheduler) defaultTickle() {
	next := make(chan struct{})
	old := s.wakeCh.Swap(&next)
	close(*old)
}

func (s *Scheduler) tickle() {
	s.tickleFunc()
}

// defaultIdle is the idle fiber's per-iteration action for a plain
// Scheduler: sleep up to one second (or until tickled), then yield back to
// the worker loop.
func (s *Scheduler) defaultIdle() {
	ch := *s.wakeCh.Load()
	select {
	case <-ch:
	case <-time.After(s.opts.idleSleep):
	}
	Yield()
}

// workerLoop is the body run on each worker's pinned goroutine: repeatedly
// pop a task, run it to completion-or-yield, and fall back to the idle
// fiber when there is nothing queued, until stopping() holds.
func (s *Scheduler) workerLoop(workerID int) {
	setCurrentScheduler(s)
	// A worker started by startWorkerThread is a bare goroutine, so this
	// lazily creates its main fiber; the useCaller worker's share instead
	// already runs inside callerFiber's own trampoline, whose identity is
	// kept rather than shadowed by a synthetic one.
	schedFiber := CurrentFiber()
	if schedFiber.isMain {
		schedFiber.name = fmt.Sprintf("%s-scheduler-%d", s.opts.name, workerID)
	}
	SetSchedulerFiber(schedFiber)

	idle := NewFiber(func() {
		for !s.stopping() {
			s.idleFunc()
		}
	}, WithRunsInScheduler(true), WithFiberName(fmt.Sprintf("%s-idle-%d", s.opts.name, workerID)))

	for {
		task, skipped := s.popTask(workerID)
		if skipped {
			s.tickle()
		}

		switch {
		case task.fiber != nil:
			if task.fiber.State() != FiberTerm {
				s.activeCount.Add(1)
				if err := task.fiber.Resume(); err != nil {
					logf(LogLevelError, "scheduler", task.fiber.ID(), 0, err, "fiber callback error")
				}
				s.activeCount.Add(-1)
			}
		case task.callback != nil:
			s.activeCount.Add(1)
			wrapped := NewFiber(task.callback)
			if err := wrapped.Resume(); err != nil {
				logf(LogLevelError, "scheduler", wrapped.ID(), 0, err, "callback task error")
			}
			s.activeCount.Add(-1)
		default:
			if idle.State() == FiberTerm {
				return
			}
			s.idleThreads.Add(1)
			_ = idle.Resume()
			s.idleThreads.Add(-1)
		}
	}
}

// Stop signals every worker to exit once it has drained the queue and has
// no active task, tickles them so any parked idle fiber notices promptly,
// and blocks until all have exited.
//
// If this scheduler was built with WithUseCaller(true), Stop panics unless
// called from the same goroutine that constructed it, and then runs that
// worker's own share of the loop itself — by resuming callerFiber, which
// drains the queue and idles exactly like any other worker — before
// joining the rest, matching scheduler.cc's stop()/m_schedulerFiber.
func (s *Scheduler) Stop() {
	if s.opts.useCaller && getGoroutineID() != s.callerGID {
		panic(ErrWrongCallerThread)
	}
	s.stoppingFl.Store(true)
	for range s.workers {
		s.tickle()
	}
	if s.callerFiber != nil {
		if err := s.callerFiber.Resume(); err != nil {
			logf(LogLevelError, "scheduler", s.callerFiber.ID(), 0, err, "caller worker loop error")
		}
	}
	for _, w := range s.workers {
		if w != nil {
			w.Join()
		}
	}
}
