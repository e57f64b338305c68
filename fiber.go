package fiberloop

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var fiberIDSeq atomic.Int64

// fiberYieldMsg is what a fiber's own goroutine sends back to whoever
// called Resume: either a plain yield (state == FiberReady) or completion
// (state == FiberTerm, with err set if the callback panicked).
type fiberYieldMsg struct {
	state FiberState
	err   error
}

// Fiber is a unit of cooperative execution backed by exactly one goroutine.
// Go has no user-space stack-switch primitive, so Resume and Yield hand
// control back and forth across an unbuffered channel pair instead of
// swapping registers and a stack: the fiber's goroutine parks on a
// "resume gate" between invocations, and whoever last called Resume parks
// on a "yield gate" until the fiber either yields back or its callback
// returns.
//
// Exactly one Fiber is RUNNING on a given goroutine lineage at a time; see
// FiberState. Resuming a TERM fiber panics. Yielding when the calling
// goroutine's current fiber is not RUNNING panics.
type Fiber struct {
	id              int64
	state           fastFiberState
	mu              sync.Mutex
	cb              func()
	runsInScheduler bool
	stackHint       int
	name            string
	isMain          bool

	resumeCh chan struct{}
	yieldCh  chan fiberYieldMsg
	started  atomic.Bool
}

// FiberOption configures a Fiber at construction time.
type FiberOption func(*Fiber)

// WithRunsInScheduler marks a fiber as owned by a scheduler's worker loop,
// for diagnostics and logging; it does not change Resume/Yield's hand-off
// behaviour, which always returns control to whichever goroutine last
// called Resume regardless of this flag (see SPEC_FULL.md §0).
func WithRunsInScheduler(v bool) FiberOption {
	return func(f *Fiber) { f.runsInScheduler = v }
}

// WithFiberStackHint records a documented stack-size hint; see
// WithStackHint for why it has no allocation effect.
func WithFiberStackHint(bytes int) FiberOption {
	return func(f *Fiber) { f.stackHint = bytes }
}

// WithFiberName sets the diagnostic name returned by Name.
func WithFiberName(name string) FiberOption {
	return func(f *Fiber) { f.name = name }
}

// NewFiber creates a fiber in FiberReady state. cb runs on the fiber's own
// goroutine the first time it is Resumed.
func NewFiber(cb func(), opts ...FiberOption) *Fiber {
	f := &Fiber{
		id:       fiberIDSeq.Add(1),
		cb:       cb,
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan fiberYieldMsg),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	f.state.Store(FiberReady)
	return f
}

// newMainFiber returns a fiber standing in for a goroutine's own native
// flow of control, already FiberRunning and never started via Resume. It
// is the lazily-created value CurrentFiber returns before any real fiber
// has been resumed on that goroutine.
func newMainFiber() *Fiber {
	f := &Fiber{
		id:     fiberIDSeq.Add(1),
		isMain: true,
		name:   "main",
	}
	f.state.Store(FiberRunning)
	return f
}

// ID returns the fiber's identity, stable for its lifetime (including
// across Reset).
func (f *Fiber) ID() int64 { return f.id }

// State returns the fiber's current state.
func (f *Fiber) State() FiberState { return f.state.Load() }

// Name returns the fiber's diagnostic name, or "" if none was set.
func (f *Fiber) Name() string { return f.name }

// RunsInScheduler reports whether this fiber was constructed with
// WithRunsInScheduler(true).
func (f *Fiber) RunsInScheduler() bool { return f.runsInScheduler }

// Reset rebinds a terminated fiber to a new callback, returning it to
// FiberReady so it can be Resumed again. Reset panics if the fiber has
// never run to completion (i.e. is not currently FiberTerm) — it exists to
// let a scheduler reuse a fiber value across unrelated tasks rather than
// allocate a fresh one each time, the Go-idiomatic substitute for a native
// stack allocator reusing a stack slot.
func (f *Fiber) Reset(cb func()) {
	if f.isMain {
		panic(fmt.Errorf("fiberloop: cannot Reset the main fiber"))
	}
	if !f.state.TryTransition(FiberTerm, FiberReady) {
		panic(fmt.Errorf("fiberloop: cannot Reset fiber %d in state %s, must be TERM", f.id, f.state.Load()))
	}
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	f.started.Store(false)
}

// Resume transfers control to the fiber: if this is the first call, its
// goroutine is started and begins running cb; otherwise, the goroutine
// parked at its last Yield is woken. Resume blocks until the fiber yields
// or its callback returns, and returns the error recovered from a panicking
// callback (wrapped as *PanicError), or nil.
//
// Resume panics if the fiber is already FiberTerm, or if it is already
// FiberRunning (concurrent Resume of the same fiber is a programmer error,
// not a runtime condition to report via error).
func (f *Fiber) Resume() error {
	switch f.state.Load() {
	case FiberTerm:
		panic(ErrFiberTerminated)
	case FiberRunning:
		panic(fmt.Errorf("fiberloop: fiber %d is already running", f.id))
	}
	if !f.state.TryTransition(FiberReady, FiberRunning) {
		panic(fmt.Errorf("fiberloop: cannot resume fiber %d in state %s", f.id, f.state.Load()))
	}

	if f.started.CompareAndSwap(false, true) {
		go f.trampoline()
	} else {
		f.resumeCh <- struct{}{}
	}

	msg := <-f.yieldCh
	f.state.Store(msg.state)
	return msg.err
}

// trampoline is the body of a fiber's own goroutine. It runs exactly once
// per NewFiber/Reset cycle, driving cb to completion across however many
// Yield/Resume round-trips cb performs, then reports FiberTerm and exits.
func (f *Fiber) trampoline() {
	SetCurrentFiber(f)

	var msg fiberYieldMsg
	func() {
		defer func() {
			if r := recover(); r != nil {
				msg.err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		f.mu.Lock()
		cb := f.cb
		f.mu.Unlock()
		if cb != nil {
			cb()
		}
	}()

	msg.state = FiberTerm
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
	f.yieldCh <- msg
}

// Yield suspends the calling goroutine's current fiber, returning control
// to whichever goroutine called Resume on it, and parks until that fiber
// is Resumed again. Yield panics if the calling goroutine's current fiber
// is not RUNNING — in particular, calling Yield on a goroutine that never
// had a real fiber Resumed onto it (CurrentFiber returning the lazily
// created main fiber) always panics, since there is nothing for a native
// flow of control to yield to.
func Yield() {
	f := CurrentFiber()
	if f.isMain {
		panic(ErrFiberNotRunning)
	}
	if f.state.Load() != FiberRunning {
		panic(ErrFiberNotRunning)
	}
	f.yieldCh <- fiberYieldMsg{state: FiberReady}
	<-f.resumeCh
}
