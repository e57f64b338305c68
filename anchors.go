package fiberloop

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// getGoroutineID returns the numeric id of the calling goroutine, parsed
// out of a runtime.Stack dump. This mirrors the teacher's own
// getGoroutineID helper (used there to recognise "am I the loop's own
// goroutine"); here it is the key into the anchor table that stands in for
// a thread-local slot, since Go exposes no public goroutine-local storage.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return 0
	}
	b = b[len(prefix):]
	end := bytes.IndexByte(b, ' ')
	if end < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(b[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// anchor holds everything this package needs to associate with a single
// goroutine: its currently-running fiber, a lazily-created fiber standing
// in for "this goroutine's own native flow of control" (the Go analogue of
// the spec's thread-adopted main fiber), and, for scheduler workers, a
// marker fiber standing in for the worker's own scheduler fiber.
type anchor struct {
	current   *Fiber
	main      *Fiber
	scheduler *Fiber
	sched     *Scheduler
}

var anchors sync.Map // uint64 goroutine id -> *anchor

func getAnchor() *anchor {
	gid := getGoroutineID()
	if v, ok := anchors.Load(gid); ok {
		return v.(*anchor)
	}
	a := &anchor{}
	actual, _ := anchors.LoadOrStore(gid, a)
	return actual.(*anchor)
}

// CurrentFiber returns the fiber the calling goroutine is presently
// running as. If the calling goroutine has never started or resumed a
// fiber, a lazily-created "main fiber" is returned, representing the
// goroutine's own native flow of control (already FiberRunning, with no
// callback of its own).
func CurrentFiber() *Fiber {
	a := getAnchor()
	if a.current != nil {
		return a.current
	}
	if a.main == nil {
		a.main = newMainFiber()
	}
	a.current = a.main
	return a.main
}

// SetCurrentFiber overrides the calling goroutine's current-fiber anchor.
// Ordinary callers never need this; it exists for the scheduler's worker
// loop and for tests that need to simulate resuming from a specific fiber
// context.
func SetCurrentFiber(f *Fiber) {
	getAnchor().current = f
}

// SetSchedulerFiber records the marker fiber standing in for "this
// goroutine's own scheduler fiber". Every Scheduler worker loop records
// one at startup, including the WithUseCaller share run inside the
// scheduler's caller fiber.
func SetSchedulerFiber(f *Fiber) {
	getAnchor().scheduler = f
}

// schedulerFiberOf returns the scheduler-fiber marker for the calling
// goroutine, or nil if none was set.
func schedulerFiberOf() *Fiber {
	return getAnchor().scheduler
}

func setCurrentScheduler(s *Scheduler) {
	getAnchor().sched = s
}

// currentScheduler returns the scheduler the calling goroutine's worker
// loop belongs to, or nil outside of one. IOManager.AddEvent snapshots
// this at registration time so a triggered event is scheduled back onto
// the same scheduler even if the calling goroutine's anchor later changes.
func currentScheduler() *Scheduler {
	return getAnchor().sched
}

// CurrentFiberID returns CurrentFiber().ID(), provided as a convenience
// for log call sites that only want the id.
func CurrentFiberID() int64 {
	return CurrentFiber().ID()
}

// forgetGoroutine drops a goroutine's anchor entry. Worker loops call this
// on exit so the anchor map does not grow unboundedly across many
// short-lived Start/Stop cycles in long-running processes or tests.
func forgetGoroutine() {
	anchors.Delete(getGoroutineID())
}
