package fiberloop

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// IOEvent is a readiness direction bitmask. The bit values are pinned
// (EventRead=0x1, EventWrite=0x4) rather than left as an implementation
// detail, matching spec.md §6's wire-level contract; note this is not the
// teacher's own poller_linux.go numbering.
type IOEvent uint32

const (
	EventNone  IOEvent = 0x0
	EventRead  IOEvent = 0x1
	EventWrite IOEvent = 0x4
)

func dirIndex(ev IOEvent) int {
	if ev == EventWrite {
		return 1
	}
	return 0
}

// eventContext is what AddEvent stores for one fd/direction pair: either a
// fiber to resume (Yield-based waiting) or a plain callback, plus the
// scheduler it was registered against, snapshotted at registration time so
// a later trigger lands on the same scheduler even if the triggering
// goroutine's own anchor has since changed.
type eventContext struct {
	fiber    *Fiber
	callback func()
	sched    *Scheduler
}

func (ec eventContext) empty() bool { return ec.fiber == nil && ec.callback == nil }

// fdContext is the per-fd registration record: its own mutex guards
// mutation of its events mask and its two direction slots, independent of
// the fdMu that guards the IOManager's fds vector itself — the two-tier
// locking spec.md §5 calls for.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events uint32 // currently registered IOEvent bits
	ctx    [2]eventContext
}

// IOManager embeds a Scheduler and replaces its idle behaviour with a
// blocking epoll wait, so fibers can suspend until a file descriptor
// becomes readable/writable or a timer fires, instead of busy-polling.
type IOManager struct {
	*Scheduler

	poller *epollPoller
	wakeR  int
	wakeW  int

	pending atomic.Int64

	fdMu sync.RWMutex
	fds  []*fdContext

	timers *TimerManager

	pollCapMs int
	closed    atomic.Bool
}

// NewIOManager constructs an IOManager with the given number of workers.
func NewIOManager(workers int, opts ...IOManagerOption) (*IOManager, error) {
	o := resolveIOManagerOptions(opts)

	poller, err := newEpollPoller()
	if err != nil {
		return nil, wrapf("NewIOManager: epoll_create1", err)
	}
	wr, ww, err := createWakePipe()
	if err != nil {
		_ = poller.Close()
		return nil, wrapf("NewIOManager: self-pipe", err)
	}

	m := &IOManager{
		poller:    poller,
		wakeR:     wr,
		wakeW:     ww,
		timers:    NewTimerManager(),
		pollCapMs: o.pollCapMs,
	}

	var schedOpts []SchedulerOption
	if o.name != "" {
		schedOpts = append(schedOpts, WithName(o.name))
	}
	if o.useCaller {
		schedOpts = append(schedOpts, WithUseCaller(true))
	}
	if o.logger != nil {
		schedOpts = append(schedOpts, WithLogger(o.logger))
	}
	if o.metricsTag != "" {
		schedOpts = append(schedOpts, WithMetrics(o.metricsTag))
	}
	m.Scheduler = NewScheduler(workers, schedOpts...)
	m.Scheduler.idleFunc = m.idleStep
	m.Scheduler.tickleFunc = m.tickleSelfPipe
	m.Scheduler.stoppingCond = func() bool {
		return m.pending.Load() == 0 && !m.timers.HasTimer()
	}
	m.timers.onTimerInsertedAtFront = m.tickle

	if err := m.poller.Add(wr, uint32(EventRead)); err != nil {
		_ = poller.Close()
		_ = closeFD(wr)
		_ = closeFD(ww)
		return nil, wrapf("NewIOManager: register wake pipe", err)
	}

	return m, nil
}

// Timers returns the IOManager's TimerManager, for scheduling timer-driven
// work alongside fd readiness.
func (m *IOManager) Timers() *TimerManager { return m.timers }

func (m *IOManager) growFdContexts(fd int) {
	m.fdMu.Lock()
	defer m.fdMu.Unlock()
	if fd < len(m.fds) {
		return
	}
	newLen := fd*3/2 + 1
	grown := make([]*fdContext, newLen)
	copy(grown, m.fds)
	m.fds = grown
}

func (m *IOManager) fdContextFor(fd int) *fdContext {
	m.fdMu.RLock()
	if fd < len(m.fds) && m.fds[fd] != nil {
		fc := m.fds[fd]
		m.fdMu.RUnlock()
		return fc
	}
	m.fdMu.RUnlock()

	m.growFdContexts(fd)

	m.fdMu.Lock()
	defer m.fdMu.Unlock()
	if m.fds[fd] == nil {
		m.fds[fd] = &fdContext{fd: fd}
	}
	return m.fds[fd]
}

func (m *IOManager) fdContextExisting(fd int) *fdContext {
	m.fdMu.RLock()
	defer m.fdMu.RUnlock()
	if fd < 0 || fd >= len(m.fds) {
		return nil
	}
	return m.fds[fd]
}

// updateEpoll reflects fc's current (already-mutated, already-unlocked)
// mask into the poller: MOD if anything remains registered, DEL if the fd
// has nothing registered at all. Errors are logged rather than returned to
// the DelEvent/CancelEvent/CancelAll callers (AddEvent talks to the poller
// directly and does return its errors), because at
// the point this runs the software-level bookkeeping has already changed
// and there is no useful way for the caller to react beyond what the
// software state already reflects.
func (m *IOManager) updateEpoll(fd int, mask uint32) {
	var err error
	if mask == 0 {
		err = m.poller.Remove(fd)
	} else {
		err = m.poller.Modify(fd, mask)
	}
	if err != nil {
		logf(LogLevelWarn, "io", 0, 0, err, "updateEpoll fd=%d mask=%#x", fd, mask)
	}
}

// AddEvent registers interest in ev on fd. If cb is nil, the calling
// goroutine's CurrentFiber is captured instead, and it is the caller's
// responsibility to Yield after calling AddEvent (see WaitReadable /
// WaitWritable for the canonical pattern). AddEvent rejects a second
// registration of the same fd/direction pair that hasn't yet fired or been
// cancelled, per spec.md's idempotent-reject contract.
func (m *IOManager) AddEvent(fd int, ev IOEvent, cb func()) error {
	if m.closed.Load() {
		return ErrIOManagerClosed
	}
	if fd < 0 {
		return ErrFDInvalid
	}
	fc := m.fdContextFor(fd)

	fc.mu.Lock()
	defer fc.mu.Unlock()

	bit := uint32(ev)
	if fc.events&bit != 0 {
		return ErrEventAlreadyRegistered
	}
	newMask := fc.events | bit

	var err error
	if fc.events == 0 {
		err = m.poller.Add(fd, newMask)
	} else {
		err = m.poller.Modify(fd, newMask)
	}
	if err != nil {
		return wrapf("AddEvent", err)
	}

	idx := dirIndex(ev)
	if cb != nil {
		fc.ctx[idx] = eventContext{callback: cb, sched: m.Scheduler}
	} else {
		fc.ctx[idx] = eventContext{fiber: CurrentFiber(), sched: currentScheduler()}
	}
	fc.events = newMask
	m.pending.Add(1)
	return nil
}

// DelEvent unregisters ev on fd without scheduling its callback/fiber.
// Reports whether the direction had actually been registered.
func (m *IOManager) DelEvent(fd int, ev IOEvent) bool {
	fc := m.fdContextExisting(fd)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	bit := uint32(ev)
	if fc.events&bit == 0 {
		fc.mu.Unlock()
		return false
	}
	idx := dirIndex(ev)
	fc.ctx[idx] = eventContext{}
	fc.events &^= bit
	remaining := fc.events
	fc.mu.Unlock()

	m.updateEpoll(fd, remaining)
	m.pending.Add(-1)
	return true
}

// CancelEvent unregisters ev on fd and schedules its callback/fiber
// exactly once, as if it had fired. Reports whether the direction had
// actually been registered.
func (m *IOManager) CancelEvent(fd int, ev IOEvent) bool {
	fc := m.fdContextExisting(fd)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	bit := uint32(ev)
	if fc.events&bit == 0 {
		fc.mu.Unlock()
		return false
	}
	idx := dirIndex(ev)
	ec := fc.ctx[idx]
	fc.ctx[idx] = eventContext{}
	fc.events &^= bit
	remaining := fc.events
	fc.mu.Unlock()

	m.updateEpoll(fd, remaining)
	m.pending.Add(-1)
	m.dispatch(ec)
	return true
}

// CancelAll unregisters every direction on fd and schedules each
// registered callback/fiber exactly once. Reports whether anything had
// been registered at all.
func (m *IOManager) CancelAll(fd int) bool {
	fc := m.fdContextExisting(fd)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	if fc.events == 0 {
		fc.mu.Unlock()
		return false
	}
	var fired []eventContext
	for idx := 0; idx < 2; idx++ {
		if !fc.ctx[idx].empty() {
			fired = append(fired, fc.ctx[idx])
			fc.ctx[idx] = eventContext{}
		}
	}
	fc.events = 0
	fc.mu.Unlock()

	m.updateEpoll(fd, 0)
	m.pending.Add(-int64(len(fired)))
	for _, ec := range fired {
		m.dispatch(ec)
	}
	return true
}

// dispatch schedules ec's fiber or callback onto its captured scheduler.
// A zero eventContext is a no-op, so callers that may race an empty slot
// don't need to guard every call site.
func (m *IOManager) dispatch(ec eventContext) {
	if ec.empty() {
		return
	}
	sched := ec.sched
	if sched == nil {
		sched = m.Scheduler
	}
	if ec.fiber != nil {
		_ = sched.Schedule(NewFiberTask(ec.fiber))
	} else {
		_ = sched.Schedule(NewCallbackTask(ec.callback))
	}
}

// tickleSelfPipe wakes any worker currently blocked in idleStep's
// epoll_wait by writing one byte to the self-pipe, but only if some worker
// is actually idle — Scheduler.Schedule already only calls tickle when the
// queue transitions from empty, and onTimerInsertedAtFront only calls it
// when a timer becomes the new soonest deadline, so this check mainly
// saves a syscall when every worker is already busy running tasks.
func (m *IOManager) tickleSelfPipe() {
	if !m.hasIdleThreads() {
		return
	}
	_, err := writeFD(m.wakeW, []byte{1})
	if err != nil && err != unix.EAGAIN {
		logf(LogLevelWarn, "io", 0, 0, err, "tickle: write to wake pipe")
	}
}

func (m *IOManager) drainWake() {
	var buf [64]byte
	for {
		_, err := readFD(m.wakeR, buf[:])
		if err != nil {
			return
		}
	}
}

// computeTimeout returns the epoll_wait timeout in milliseconds: the
// configured poll cap, or the next timer's deadline if sooner.
func (m *IOManager) computeTimeout() int {
	next := m.timers.GetNextTimeout()
	if next == math.MaxUint64 || next > uint64(m.pollCapMs) {
		return m.pollCapMs
	}
	return int(next)
}

// dispatchReady handles one ready epoll event: draining the wake pipe, or
// clearing and scheduling whichever directions fired on a registered fd,
// broadcasting EPOLLHUP/EPOLLERR to both directions, and updating the
// poller's remaining mask with MOD (or DEL if it becomes empty).
func (m *IOManager) dispatchReady(ev *unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == m.wakeR {
		m.drainWake()
		return
	}
	fc := m.fdContextExisting(fd)
	if fc == nil {
		return
	}

	fc.mu.Lock()
	fired := epollToEvents(ev.Events) & fc.events
	var toDispatch []eventContext
	for idx := 0; idx < 2; idx++ {
		bit := uint32(EventRead)
		if idx == 1 {
			bit = uint32(EventWrite)
		}
		if fired&bit != 0 {
			toDispatch = append(toDispatch, fc.ctx[idx])
			fc.ctx[idx] = eventContext{}
			fc.events &^= bit
		}
	}
	remaining := fc.events
	fc.mu.Unlock()

	m.updateEpoll(fd, remaining)
	m.pending.Add(-int64(len(toDispatch)))
	for _, ec := range toDispatch {
		m.dispatch(ec)
	}
}

// idleStep is the IOManager's override of Scheduler's default idle
// action: block in epoll_wait for up to computeTimeout milliseconds,
// dispatch whatever became ready, run any expired timer callbacks, then
// yield back to the worker loop. Runs once per call, on the calling
// worker's idle fiber.
func (m *IOManager) idleStep() {
	var events [256]unix.EpollEvent
	n, err := m.poller.Wait(events[:], m.computeTimeout())
	if err != nil {
		if err != unix.EINTR {
			logf(LogLevelWarn, "io", 0, 0, err, "epoll_wait")
		}
	} else {
		for i := 0; i < n; i++ {
			m.dispatchReady(&events[i])
		}
	}

	var expired []func()
	m.timers.ListExpiredCB(&expired)
	for _, cb := range expired {
		_ = m.Schedule(NewCallbackTask(cb))
	}

	Yield()
}

// Close tears down the poller and self-pipe. Must only be called after
// Stop has returned.
func (m *IOManager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = closeFD(m.wakeR)
	_ = closeFD(m.wakeW)
	return m.poller.Close()
}

// WaitReadable blocks the calling fiber until fd becomes readable, or ctx
// is done. It is the building block spec.md's own motivating pattern
// describes without specifying as a core operation: register an event,
// Yield, and have a paired timer/cancellation call CancelEvent on timeout.
func (m *IOManager) WaitReadable(ctx context.Context, fd int) error {
	return m.wait(ctx, fd, EventRead)
}

// WaitWritable is WaitReadable for EventWrite.
func (m *IOManager) WaitWritable(ctx context.Context, fd int) error {
	return m.wait(ctx, fd, EventWrite)
}

func (m *IOManager) wait(ctx context.Context, fd int, ev IOEvent) error {
	if err := m.AddEvent(fd, ev, nil); err != nil {
		return err
	}

	if ctx != nil && ctx.Done() != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				m.CancelEvent(fd, ev)
			case <-done:
			}
		}()
	}

	Yield()

	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}
