//go:build linux

package fiberloop

import "golang.org/x/sys/unix"

// gettid returns the calling OS thread's real Linux thread id. Callers
// must have already called runtime.LockOSThread, or the value is
// meaningless the moment the goroutine migrates.
func gettid() int64 {
	return int64(unix.Gettid())
}
