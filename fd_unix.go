//go:build linux

package fiberloop

import "golang.org/x/sys/unix"

// closeFD, readFD and writeFD wrap the three unix syscalls the self-pipe
// and poller need, grounded on the teacher's fd_unix.go.

func closeFD(fd int) error {
	return unix.Close(fd)
}

func readFD(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func writeFD(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}
