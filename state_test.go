package fiberloop

import "testing"

func TestFastFiberStateTryTransition(t *testing.T) {
	var s fastFiberState
	s.Store(FiberReady)

	if !s.TryTransition(FiberReady, FiberRunning) {
		t.Fatal("expected READY -> RUNNING to succeed")
	}
	if s.TryTransition(FiberReady, FiberRunning) {
		t.Fatal("expected a second READY -> RUNNING to fail, state is already RUNNING")
	}
	if s.Load() != FiberRunning {
		t.Fatalf("got state %s, want RUNNING", s.Load())
	}

	if !s.TryTransition(FiberRunning, FiberTerm) {
		t.Fatal("expected RUNNING -> TERM to succeed")
	}
	if !s.IsTerminal() {
		t.Fatal("expected IsTerminal() once in TERM")
	}
}

func TestFiberStateString(t *testing.T) {
	cases := map[FiberState]string{
		FiberReady:   "READY",
		FiberRunning: "RUNNING",
		FiberTerm:    "TERM",
		FiberState(99): "UNKNOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
