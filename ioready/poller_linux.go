//go:build linux

package ioready

import (
	"golang.org/x/sys/unix"
)

// epollPoller backs Poller with Linux's level-triggered epoll facility.
type epollPoller struct {
	epfd    int
	events  [ReadQueue]unix.EpollEvent
	targets map[int32]Target
	n       int
	cursor  int
	closed  bool
}

func newPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: epfd, targets: make(map[int32]Target)}, nil
}

func (p *epollPoller) Register(fd int, target Target) error {
	if p.closed {
		return ErrPollerClosed
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.targets[int32(fd)] = target
	return nil
}

func (p *epollPoller) Unregister(fd int) error {
	if p.closed {
		return ErrPollerClosed
	}
	delete(p.targets, int32(fd))
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(timeoutMs int) (int, error) {
	if p.closed {
		return 0, ErrPollerClosed
	}
	p.cursor = 0
	for {
		n, err := unix.EpollWait(p.epfd, p.events[:], timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			p.n = 0
			return 0, err
		}
		p.n = n
		return n, nil
	}
}

func (p *epollPoller) Next() (Target, bool) {
	for p.cursor < p.n {
		fd := p.events[p.cursor].Fd
		p.cursor++
		if target, ok := p.targets[fd]; ok {
			return target, true
		}
		// fd was unregistered after this batch was filled; skip it rather
		// than reporting the whole batch drained.
	}
	return Target{}, false
}

func (p *epollPoller) Close() error {
	p.closed = true
	return unix.Close(p.epfd)
}
