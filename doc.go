// Package fiberloop implements a user-space cooperative concurrency runtime:
// fibers multiplexed over a worker pool of goroutines pinned to OS threads,
// with a timer heap and an epoll-based I/O readiness poller so fibers can
// suspend on fd events or timeouts.
//
// The four core types are Fiber, Scheduler, TimerManager and IOManager.
// IOManager embeds a Scheduler and replaces its idle behaviour with a
// blocking epoll wait, so a single IOManager value is usually all a caller
// needs:
//
//	iom, err := fiberloop.NewIOManager(4)
//	if err != nil {
//		log.Fatal(err)
//	}
//	iom.Start()
//	iom.Schedule(fiberloop.NewCallbackTask(func() {
//		fmt.Println("hello from a worker")
//	}))
//	iom.Stop()
//
// Fibers are the unit of cooperative execution. A Fiber is backed by exactly
// one goroutine; Resume and Yield hand control back and forth across an
// unbuffered channel pair rather than switching stacks, since Go exposes no
// user-space stack-switch primitive. See Fiber for the state machine this
// implies.
//
// This package does not implement work stealing, preemption, priorities
// beyond per-thread FIFO pinning, or cross-process coordination.
package fiberloop
