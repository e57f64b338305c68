package fiberloop

import "sync/atomic"

// FiberState is the state of a Fiber. A fresh or Reset fiber is
// FiberReady; Resume transitions it to FiberRunning; it returns to
// FiberReady on Yield, or to FiberTerm when its callback returns. TERM is
// terminal until Reset.
type FiberState int32

const (
	FiberReady FiberState = iota
	FiberRunning
	FiberTerm
)

func (s FiberState) String() string {
	switch s {
	case FiberReady:
		return "READY"
	case FiberRunning:
		return "RUNNING"
	case FiberTerm:
		return "TERM"
	default:
		return "UNKNOWN"
	}
}

// fastFiberState is a cache-line-padded atomic holder for a FiberState,
// generalized from the teacher's five-value LoopState/FastState pattern
// down to this package's three-value FiberState. The padding avoids false
// sharing between a fiber's state word and whatever a neighbouring Fiber
// in a slice would otherwise share a cache line with.
type fastFiberState struct {
	_     [56]byte // pad to a 64-byte cache line ahead of the word
	value atomic.Uint32
	_     [60]byte // pad behind it
}

func (s *fastFiberState) Load() FiberState {
	return FiberState(s.value.Load())
}

func (s *fastFiberState) Store(v FiberState) {
	s.value.Store(uint32(v))
}

// TryTransition performs a CAS from `from` to `to`, returning whether it
// succeeded.
func (s *fastFiberState) TryTransition(from, to FiberState) bool {
	return s.value.CompareAndSwap(uint32(from), uint32(to))
}

func (s *fastFiberState) IsTerminal() bool {
	return s.Load() == FiberTerm
}
