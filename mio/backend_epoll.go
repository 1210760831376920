package mio

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend is the edge-triggered per-fd-event variant. A batch returned
// by check() may still reference fds the caller is in the middle of closing.
// canFree reports false only for an fd still listed in the current batch;
// removeFD drops the fd from that batch, and Reactor.Close_ calls removeFD
// before canFree, so a descriptor closed through the reactor has its slot
// reclaimed at once, not at the end of the dispatch iteration.
type interest struct{ read, write bool }

type epollBackend struct {
	epfd     int
	pending  map[int]bool // fds present in the most recent check() batch
	interest map[int]interest
}

func newEpollBackend() (*epollBackend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollBackend{
		epfd:     fd,
		pending:  make(map[int]bool),
		interest: make(map[int]interest),
	}, nil
}

func (b *epollBackend) eventMask(in interest) uint32 {
	var ev uint32 = unix.EPOLLET
	if in.read {
		ev |= unix.EPOLLIN
	}
	if in.write {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (b *epollBackend) addFD(fd int, read, write bool) error {
	in := interest{read: read, write: write}
	ev := &unix.EpollEvent{Events: b.eventMask(in), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}
	b.interest[fd] = in
	return nil
}

func (b *epollBackend) removeFD(fd int) {
	_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(b.pending, fd)
	delete(b.interest, fd)
}

func (b *epollBackend) modify(fd int, set func(*interest)) {
	in := b.interest[fd]
	set(&in)
	b.interest[fd] = in
	ev := &unix.EpollEvent{Events: b.eventMask(in), Fd: int32(fd)}
	_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (b *epollBackend) setRead(fd int)    { b.modify(fd, func(in *interest) { in.read = true }) }
func (b *epollBackend) unsetRead(fd int)  { b.modify(fd, func(in *interest) { in.read = false }) }
func (b *epollBackend) setWrite(fd int)   { b.modify(fd, func(in *interest) { in.write = true }) }
func (b *epollBackend) unsetWrite(fd int) { b.modify(fd, func(in *interest) { in.write = false }) }

func (b *epollBackend) check(timeout time.Duration) ([]readyEvent, error) {
	ms := int(timeout / time.Millisecond)
	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(b.epfd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	b.pending = make(map[int]bool, n)
	ready := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		b.pending[fd] = true
		ready = append(ready, readyEvent{
			fd:       fd,
			readable: events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			writable: events[i].Events&unix.EPOLLOUT != 0,
		})
	}
	return ready, nil
}

func (b *epollBackend) canFree(fd int) bool { return !b.pending[fd] }

func (b *epollBackend) close() error { return unix.Close(b.epfd) }
