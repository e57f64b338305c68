package fiberloop

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by this package's operations. They are returned
// unwrapped; errors.Is works on them as well as on any wrapped form.
var (
	// ErrFiberTerminated is returned/panicked when Resume is called on a
	// Fiber whose state is FiberTerm.
	ErrFiberTerminated = errors.New("fiberloop: fiber is terminated")

	// ErrFiberNotRunning is panicked when Yield is called from a goroutine
	// whose current fiber is not in FiberRunning.
	ErrFiberNotRunning = errors.New("fiberloop: current fiber is not running")

	// ErrSchedulerStopped is returned by Schedule once Stop has been called.
	ErrSchedulerStopped = errors.New("fiberloop: scheduler is stopped")

	// ErrSchedulerStarted is returned by Start if called more than once.
	ErrSchedulerStarted = errors.New("fiberloop: scheduler already started")

	// ErrWrongCallerThread is panicked by Stop when the scheduler was built
	// with WithUseCaller(true) and Stop is invoked from a goroutine other
	// than the one that constructed it.
	ErrWrongCallerThread = errors.New("fiberloop: Stop called from a goroutine other than the constructing one")

	// ErrFDInvalid is returned by AddEvent when given a negative fd.
	ErrFDInvalid = errors.New("fiberloop: invalid file descriptor")

	// ErrEventAlreadyRegistered is returned by AddEvent when the requested
	// direction is already registered for the given fd.
	ErrEventAlreadyRegistered = errors.New("fiberloop: event already registered for this fd and direction")

	// ErrIOManagerClosed is returned once an IOManager's poller has been
	// torn down.
	ErrIOManagerClosed = errors.New("fiberloop: io manager is closed")
)

// wrapf is a small helper mirroring the teacher's %w-wrapping convention,
// kept as a function rather than repeating fmt.Errorf everywhere a call
// site needs to name the failing fd/op.
func wrapf(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("fiberloop: %s: %w", op, err)
}

// PanicError records a value recovered from a fiber callback's panic. Fiber
// trampolines recover user-callback panics and Resume returns them, wrapped
// in PanicError, to the resuming goroutine as an ordinary error, so a crash
// inside one fiber body neither silently vanishes nor crashes the worker
// that resumed it.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("fiberloop: fiber callback panicked: %v", e.Value)
}

// Unwrap supports errors.As against the recovered value when it is itself
// an error (e.g. the callback called panic(err)).
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
