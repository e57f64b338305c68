package fiberloop

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerManagerGetNextTimeoutEmpty(t *testing.T) {
	m := NewTimerManager()
	assert.Equal(t, uint64(math.MaxUint64), m.GetNextTimeout())
	assert.False(t, m.HasTimer())
}

func TestTimerManagerAddAndExpireOnce(t *testing.T) {
	m := NewTimerManager()
	var fired bool
	m.AddTimer(10, func() { fired = true }, false)

	time.Sleep(30 * time.Millisecond)

	var cbs []func()
	m.ListExpiredCB(&cbs)
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.True(t, fired)
	assert.False(t, m.HasTimer())
}

func TestTimerManagerRecurringFiresRepeatedly(t *testing.T) {
	m := NewTimerManager()
	var count int
	m.AddTimer(10, func() { count++ }, true)

	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		var cbs []func()
		m.ListExpiredCB(&cbs)
		for _, cb := range cbs {
			cb()
		}
	}

	assert.GreaterOrEqual(t, count, 2)
	assert.True(t, m.HasTimer())
}

func TestTimerCancelPreventsExpiry(t *testing.T) {
	m := NewTimerManager()
	var fired bool
	timer := m.AddTimer(10, func() { fired = true }, false)
	timer.Cancel()

	time.Sleep(30 * time.Millisecond)
	var cbs []func()
	m.ListExpiredCB(&cbs)
	assert.Empty(t, cbs)
	assert.False(t, fired)
	assert.False(t, m.HasTimer())

	// Cancelling twice must not panic.
	timer.Cancel()
}

func TestTimerRefreshPostponesExpiry(t *testing.T) {
	m := NewTimerManager()
	var fired bool
	timer := m.AddTimer(10, func() { fired = true }, false)

	time.Sleep(5 * time.Millisecond)
	timer.Refresh()
	time.Sleep(8 * time.Millisecond)

	var cbs []func()
	m.ListExpiredCB(&cbs)
	assert.Empty(t, cbs, "refreshed timer should not have expired yet")
	assert.False(t, fired)

	time.Sleep(10 * time.Millisecond)
	m.ListExpiredCB(&cbs)
	require.Len(t, cbs, 1)
}

func TestTimerResetFromNow(t *testing.T) {
	m := NewTimerManager()
	timer := m.AddTimer(1000, func() {}, false)
	timer.Reset(10, true)

	time.Sleep(30 * time.Millisecond)
	var cbs []func()
	m.ListExpiredCB(&cbs)
	assert.Len(t, cbs, 1)
}

func TestConditionTimerSkipsCallbackOnceDead(t *testing.T) {
	m := NewTimerManager()
	ref := NewWeakRef()
	var fired bool
	m.AddConditionTimer(10, func() { fired = true }, ref, false)
	ref.Clear()

	time.Sleep(30 * time.Millisecond)
	var cbs []func()
	m.ListExpiredCB(&cbs)
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.False(t, fired, "callback must not run once the weak ref is cleared")
}

func TestAddTimerRejectsNonPositivePeriodWithoutPanic(t *testing.T) {
	m := NewTimerManager()
	assert.Nil(t, m.AddTimer(0, func() {}, false))
	assert.Nil(t, m.AddTimer(-5, func() {}, false))
	assert.Nil(t, m.AddTimer(10, nil, false))
	assert.False(t, m.HasTimer())
}

func TestAddConditionTimerRejectsInvalidArgsWithoutPanic(t *testing.T) {
	m := NewTimerManager()
	ref := NewWeakRef()
	assert.Nil(t, m.AddConditionTimer(0, func() {}, ref, false))
	assert.Nil(t, m.AddConditionTimer(10, func() {}, nil, false))
	assert.False(t, m.HasTimer())
}

func TestEqualDeadlineTimersFireInInsertionOrder(t *testing.T) {
	m := NewTimerManager()
	var order []int
	deadline := time.Now().Add(10 * time.Millisecond)
	for i := 0; i < 5; i++ {
		i := i
		tm := &Timer{mgr: m, cb: func() { order = append(order, i) }, deadline: deadline, seq: timerSeqGen.Add(1)}
		m.insert(tm)
	}

	time.Sleep(30 * time.Millisecond)
	var cbs []func()
	m.ListExpiredCB(&cbs)
	require.Len(t, cbs, 5)
	for _, cb := range cbs {
		cb()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

// Three timers scheduled out of deadline order must fire in deadline
// order: +50ms, +10ms, +30ms at time zero should record as (10, 30, 50).
func TestTimerOrderingAcrossDifferentDeadlines(t *testing.T) {
	m := NewTimerManager()
	var mu sync.Mutex
	var order []int64
	record := func(ms int64) func() {
		return func() {
			mu.Lock()
			order = append(order, ms)
			mu.Unlock()
		}
	}
	m.AddTimer(50, record(50), false)
	m.AddTimer(10, record(10), false)
	m.AddTimer(30, record(30), false)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
		var cbs []func()
		m.ListExpiredCB(&cbs)
		for _, cb := range cbs {
			cb()
		}
	}

	require.Len(t, order, 3)
	assert.Equal(t, []int64{10, 30, 50}, order)
}

func TestDetectClockChangeRewind(t *testing.T) {
	m := NewTimerManager()
	base := time.Now()
	m.lastObserved = base

	assert.False(t, m.detectClockChange(base.Add(time.Minute)))
	assert.True(t, m.detectClockChange(base.Add(-2*time.Hour)))
}

func TestListExpiredCBDrainsEverythingOnRewind(t *testing.T) {
	m := NewTimerManager()
	m.AddTimer(60_000, func() {}, false)
	m.AddTimer(120_000, func() {}, false)
	m.lastObserved = time.Now().Add(2 * time.Hour)

	var cbs []func()
	m.ListExpiredCB(&cbs)
	assert.Len(t, cbs, 2)
	assert.False(t, m.HasTimer())
}
