package mio

import (
	"time"

	"golang.org/x/sys/unix"
)

// pollBackend is the level-triggered array-poll variant: readiness is
// re-reported every check() call until interest is explicitly unset.
type pollBackend struct {
	fds   []unix.PollFd
	index map[int]int // fd -> position in fds
}

func newPollBackend() *pollBackend {
	return &pollBackend{index: make(map[int]int)}
}

func (b *pollBackend) addFD(fd int, read, write bool) error {
	var events int16
	if read {
		events |= unix.POLLIN
	}
	if write {
		events |= unix.POLLOUT
	}
	b.index[fd] = len(b.fds)
	b.fds = append(b.fds, unix.PollFd{Fd: int32(fd), Events: events})
	return nil
}

func (b *pollBackend) removeFD(fd int) {
	i, ok := b.index[fd]
	if !ok {
		return
	}
	last := len(b.fds) - 1
	b.fds[i] = b.fds[last]
	b.index[int(b.fds[i].Fd)] = i
	b.fds = b.fds[:last]
	delete(b.index, fd)
}

func (b *pollBackend) setRead(fd int)    { b.setEvent(fd, unix.POLLIN, true) }
func (b *pollBackend) unsetRead(fd int)  { b.setEvent(fd, unix.POLLIN, false) }
func (b *pollBackend) setWrite(fd int)   { b.setEvent(fd, unix.POLLOUT, true) }
func (b *pollBackend) unsetWrite(fd int) { b.setEvent(fd, unix.POLLOUT, false) }

func (b *pollBackend) setEvent(fd int, mask int16, on bool) {
	i, ok := b.index[fd]
	if !ok {
		return
	}
	if on {
		b.fds[i].Events |= mask
	} else {
		b.fds[i].Events &^= mask
	}
}

func (b *pollBackend) check(timeout time.Duration) ([]readyEvent, error) {
	ms := int(timeout / time.Millisecond)
	n, err := unix.Poll(b.fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]readyEvent, 0, n)
	for _, pfd := range b.fds {
		if pfd.Revents == 0 {
			continue
		}
		ready = append(ready, readyEvent{
			fd:       int(pfd.Fd),
			readable: pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0,
			writable: pfd.Revents&unix.POLLOUT != 0,
		})
	}
	return ready, nil
}

// canFree is always true: level-triggered poll re-derives readiness from
// the fds slice each call, so a freed slot cannot be referenced stale.
func (b *pollBackend) canFree(fd int) bool { return true }

func (b *pollBackend) close() error { return nil }
