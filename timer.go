package fiberloop

import (
	"container/heap"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

var timerSeqGen atomic.Uint64

// Timer is a single entry owned by a TimerManager. Obtained from AddTimer
// or AddConditionTimer; use Cancel, Refresh or Reset to manage it after
// creation.
type Timer struct {
	mgr       *TimerManager
	cb        func()
	period    time.Duration
	recurring bool
	deadline  time.Time
	seq       uint64 // insertion order, the Less tiebreak for equal deadlines
	index     int    // position in the manager's heap, maintained by heap.Interface
}

// timerHeap is a container/heap min-heap ordered by (deadline, seq),
// directly generalized from the teacher's loop.go timerHeap (there keyed on
// a bare `when` field; here keyed on the fuller Timer type this package
// needs). seq breaks ties between equal deadlines in insertion order, since
// time.Time comparisons alone give no stable order for timers scheduled in
// the same instant.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerManager owns an ordered set of Timers and exposes the
// GetNextTimeout/ListExpiredCB pair an IOManager's idle loop polls each
// iteration. Guarded by a sync.RWMutex since, unlike the teacher's
// single-goroutine loop.go (where only the loop's own goroutine ever
// touched its timer heap), this package's TimerManager is polled
// concurrently by every idle worker of an IOManager.
type TimerManager struct {
	mu   sync.RWMutex
	heap timerHeap

	lastObserved time.Time

	// onTimerInsertedAtFront is called (outside the lock) whenever a new
	// timer becomes the soonest-due one, so an owning IOManager can
	// tickle() its poller to reconsider its wait timeout. Grounded on the
	// teacher's OnOverload-style plain function-valued hook field.
	onTimerInsertedAtFront func()
}

// NewTimerManager returns an empty TimerManager.
func NewTimerManager() *TimerManager {
	return &TimerManager{lastObserved: time.Now()}
}

// AddTimer schedules cb to run after ms milliseconds, once, or repeatedly
// every ms milliseconds if recurring is true. A nil cb or a non-positive ms
// is a per-call failure, not an invariant violation, so AddTimer returns
// nil rather than panicking.
func (m *TimerManager) AddTimer(ms int64, cb func(), recurring bool) *Timer {
	if cb == nil || ms <= 0 {
		return nil
	}
	t := &Timer{
		mgr:       m,
		cb:        cb,
		period:    time.Duration(ms) * time.Millisecond,
		recurring: recurring,
		seq:       timerSeqGen.Add(1),
	}
	t.deadline = time.Now().Add(t.period)
	m.insert(t)
	return t
}

// weakRef is the manual fallback for the lack of weak.Pointer[T] before Go 1.24:
// AddConditionTimer's callback fires only while Alive() is true. Call
// Clear when the referenced owner is discarded, to neutralize any timer
// that outlives it without actually holding a strong reference through the
// TimerManager.
type weakRef struct {
	alive atomic.Bool
}

// NewWeakRef returns a weakRef initially reporting Alive() == true.
func NewWeakRef() *weakRef {
	w := &weakRef{}
	w.alive.Store(true)
	return w
}

func (w *weakRef) Alive() bool { return w.alive.Load() }
func (w *weakRef) Clear()      { w.alive.Store(false) }

// AddConditionTimer is like AddTimer, but cb only actually runs while ref
// reports Alive() — the weak-reference "condition timer" spec.md calls
// for, implemented as a manual alive flag since this module targets Go
// 1.21 (weak.Pointer[T] arrived in 1.24; see DESIGN.md). Returns nil for
// the same invalid arguments AddTimer rejects, plus a nil ref.
func (m *TimerManager) AddConditionTimer(ms int64, cb func(), ref *weakRef, recurring bool) *Timer {
	if ref == nil || cb == nil || ms <= 0 {
		return nil
	}
	wrapped := func() {
		if ref.Alive() {
			cb()
		}
	}
	return m.AddTimer(ms, wrapped, recurring)
}

func (m *TimerManager) insert(t *Timer) {
	m.mu.Lock()
	wasFront := m.heap.Len() == 0 || t.deadline.Before(m.heap[0].deadline)
	heap.Push(&m.heap, t)
	hook := m.onTimerInsertedAtFront
	m.mu.Unlock()
	if wasFront && hook != nil {
		hook()
	}
}

// HasTimer reports whether any timer is currently scheduled.
func (m *TimerManager) HasTimer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heap.Len() > 0
}

// GetNextTimeout returns the number of milliseconds until the soonest
// timer is due, or math.MaxUint64 if none is scheduled.
func (m *TimerManager) GetNextTimeout() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.heap.Len() == 0 {
		return math.MaxUint64
	}
	d := m.heap[0].deadline.Sub(time.Now())
	if d <= 0 {
		return 0
	}
	return uint64(d.Milliseconds())
}

// detectClockChange compares time.Now() against the last observed wall
// time, reporting true if the clock has jumped backwards by more than an
// hour (e.g. an NTP correction or a suspend/resume cycle) since the last
// check. Must be called with m.mu held for writing.
func (m *TimerManager) detectClockChange(now time.Time) bool {
	rewound := m.lastObserved.Sub(now) > time.Hour
	m.lastObserved = now
	return rewound
}

// ListExpiredCB appends the callbacks of every timer due to run to out,
// removing non-recurring timers from the set and rescheduling recurring
// ones. If the wall clock has rewound by more than an hour since the last
// call, every scheduled timer is treated as expired, per spec.md §7.
func (m *TimerManager) ListExpiredCB(out *[]func()) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	rewound := m.detectClockChange(now)
	for m.heap.Len() > 0 {
		t := m.heap[0]
		if !rewound && t.deadline.After(now) {
			break
		}
		heap.Pop(&m.heap)
		*out = append(*out, t.cb)
		if t.recurring {
			t.deadline = now.Add(t.period)
			heap.Push(&m.heap, t)
		} else {
			t.cb = nil
		}
	}
}

// Cancel removes t from its manager, if still present. Safe to call more
// than once.
func (t *Timer) Cancel() {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return
	}
	heap.Remove(&t.mgr.heap, t.index)
	t.cb = nil
}

// Refresh reschedules t to fire period milliseconds from now, using its
// existing period and callback.
func (t *Timer) Refresh() {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return
	}
	heap.Remove(&t.mgr.heap, t.index)
	t.deadline = time.Now().Add(t.period)
	heap.Push(&t.mgr.heap, t)
}

// Reset changes t's period to ms milliseconds and reschedules it. If
// fromNow is true the new deadline is ms from time.Now(); otherwise it is
// ms from t's previous deadline minus its previous period (i.e. from when
// it was last (re)scheduled), matching spec.md's
// `deadline = (from_now ? now : old_deadline - old_period) + ms` rule.
func (t *Timer) Reset(ms int64, fromNow bool) {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return
	}
	heap.Remove(&t.mgr.heap, t.index)
	base := time.Now()
	if !fromNow {
		base = t.deadline.Add(-t.period)
	}
	t.period = time.Duration(ms) * time.Millisecond
	t.deadline = base.Add(t.period)
	heap.Push(&t.mgr.heap, t)
}
