package fiberloop

import "runtime"

// workerThread wraps a goroutine pinned to a real OS thread (via
// runtime.LockOSThread, matching the teacher's loop.go run() method) plus
// a name and a one-shot startup barrier: construction blocks until the
// goroutine has actually started and published its OS thread id, the Go
// rendition of the spec's "construction blocks on a semaphore until the
// thread id is available" contract.
type workerThread struct {
	id   int
	name string
	tid  int64

	ready chan int64
	done  chan struct{}
}

// startWorkerThread launches fn on a new goroutine pinned to its own OS
// thread and blocks until fn's thread id has been published, then returns
// a handle for joining it later.
func startWorkerThread(id int, name string, fn func()) *workerThread {
	t := &workerThread{
		id:    id,
		name:  name,
		ready: make(chan int64, 1),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		defer forgetGoroutine()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		tid := gettid()
		t.ready <- tid
		fn()
	}()
	t.tid = <-t.ready
	return t
}

// Join blocks until the worker's function has returned.
func (t *workerThread) Join() {
	<-t.done
}

// ThreadID returns the worker's published OS thread id.
func (t *workerThread) ThreadID() int64 { return t.tid }
