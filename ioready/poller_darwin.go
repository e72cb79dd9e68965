//go:build darwin || freebsd || netbsd || openbsd

package ioready

import (
	"golang.org/x/sys/unix"
)

// kqueuePoller backs Poller with the BSD-family kqueue change-list
// facility.
type kqueuePoller struct {
	kq      int
	events  [ReadQueue]unix.Kevent_t
	targets map[int]Target
	n       int
	cursor  int
	closed  bool
}

func newPoller() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &kqueuePoller{kq: kq, targets: make(map[int]Target)}, nil
}

func (p *kqueuePoller) Register(fd int, target Target) error {
	if p.closed {
		return ErrPollerClosed
	}
	kev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}
	if _, err := unix.Kevent(p.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		return err
	}
	p.targets[fd] = target
	return nil
}

func (p *kqueuePoller) Unregister(fd int) error {
	if p.closed {
		return ErrPollerClosed
	}
	delete(p.targets, fd)
	kev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_DELETE,
	}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{kev}, nil, nil)
	return err
}

func (p *kqueuePoller) Wait(timeoutMs int) (int, error) {
	if p.closed {
		return 0, ErrPollerClosed
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64(timeoutMs%1000) * 1000000,
		}
	}
	p.cursor = 0
	for {
		n, err := unix.Kevent(p.kq, nil, p.events[:], ts)
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

func (p *kqueuePoller) Next() (Target, bool) {
	for p.cursor < p.n {
		fd := int(p.events[p.cursor].Ident)
		p.cursor++
		if target, ok := p.targets[fd]; ok {
			return target, true
		}
	}
	return Target{}, false
}

func (p *kqueuePoller) Close() error {
	p.closed = true
	return unix.Close(p.kq)
}
