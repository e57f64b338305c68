//go:build linux

package fiberloop

import "golang.org/x/sys/unix"

// epollPoller is a thin wrapper around epoll, grounded on the teacher's
// poller_linux.go FastPoller (Init/Close/RegisterFD/UnregisterFD/
// ModifyFD/PollIO), generalized here to operate on this package's IOEvent
// bit layout (EventRead=0x1, EventWrite=0x4) rather than the teacher's own
// numbering, since spec.md pins the wire values.
type epollPoller struct {
	epfd int
}

func newEpollPoller() (*epollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: fd}, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

// eventsToEpoll converts this package's IOEvent bitmask into epoll's
// EPOLLIN/EPOLLOUT bits, always requesting edge-triggered delivery.
func eventsToEpoll(mask uint32) uint32 {
	var e uint32 = unix.EPOLLET
	if mask&uint32(EventRead) != 0 {
		e |= unix.EPOLLIN
	}
	if mask&uint32(EventWrite) != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

// epollToEvents converts epoll's reported bits back into this package's
// IOEvent bitmask, passing EPOLLHUP/EPOLLERR through as both directions so
// callers can broadcast them per spec.md §4.5.
func epollToEvents(e uint32) uint32 {
	var mask uint32
	if e&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		mask |= uint32(EventRead)
	}
	if e&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		mask |= uint32(EventWrite)
	}
	return mask
}

func (p *epollPoller) Add(fd int, mask uint32) error {
	ev := unix.EpollEvent{Events: eventsToEpoll(mask), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) Modify(fd int, mask uint32) error {
	ev := unix.EpollEvent{Events: eventsToEpoll(mask), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(events []unix.EpollEvent, timeoutMs int) (int, error) {
	return unix.EpollWait(p.epfd, events, timeoutMs)
}
