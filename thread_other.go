//go:build !linux

package fiberloop

import "sync/atomic"

var syntheticTID atomic.Int64

// gettid falls back to a process-unique synthetic id on platforms without
// a raw thread-id syscall wired up (this package's IOManager is
// epoll-based and so is Linux-only in practice; the Scheduler and Fiber
// core have no platform dependency and so still need a gettid on other
// platforms for the Thread wrapper and anchor bookkeeping).
func gettid() int64 {
	return syntheticTID.Add(1)
}
