package mio

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// selectBackend is the portable fallback variant, built on unix.Select. It
// is O(maxfd) per check() call but needs no OS-specific readiness API.
type selectBackend struct {
	interest map[int]interest
}

func newSelectBackend() *selectBackend {
	return &selectBackend{interest: make(map[int]interest)}
}

// fdSetBits is the number of bits per word in unix.FdSet.Bits, taken from
// the word type itself so it matches the platform's long size (64 on 64-bit
// Linux targets, 32 on 32-bit ones).
const fdSetBits = int(unsafe.Sizeof(unix.FdSet{}.Bits[0])) * 8

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/fdSetBits] |= 1 << (fd % fdSetBits)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/fdSetBits]&(1<<(fd%fdSetBits)) != 0
}

func (b *selectBackend) addFD(fd int, read, write bool) error {
	b.interest[fd] = interest{read: read, write: write}
	return nil
}

func (b *selectBackend) removeFD(fd int) { delete(b.interest, fd) }

func (b *selectBackend) setRead(fd int) {
	in := b.interest[fd]
	in.read = true
	b.interest[fd] = in
}

func (b *selectBackend) unsetRead(fd int) {
	in := b.interest[fd]
	in.read = false
	b.interest[fd] = in
}

func (b *selectBackend) setWrite(fd int) {
	in := b.interest[fd]
	in.write = true
	b.interest[fd] = in
}

func (b *selectBackend) unsetWrite(fd int) {
	in := b.interest[fd]
	in.write = false
	b.interest[fd] = in
}

func (b *selectBackend) check(timeout time.Duration) ([]readyEvent, error) {
	var readSet, writeSet unix.FdSet
	maxfd := -1

	for fd, in := range b.interest {
		if in.read {
			fdSet(&readSet, fd)
		}
		if in.write {
			fdSet(&writeSet, fd)
		}
		if (in.read || in.write) && fd > maxfd {
			maxfd = fd
		}
	}
	if maxfd < 0 {
		time.Sleep(timeout)
		return nil, nil
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(maxfd+1, &readSet, &writeSet, nil, &tv)
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
	for fd, in := range b.interest {
		r := in.read && fdIsSet(&readSet, fd)
		w := in.write && fdIsSet(&writeSet, fd)
		if r || w {
			ready = append(ready, readyEvent{fd: fd, readable: r, writable: w})
		}
	}
	return ready, nil
}

// canFree is always true: select recomputes its fd sets from interest on
// every call, so there is no stale-batch hazard to guard against.
func (b *selectBackend) canFree(fd int) bool { return true }

func (b *selectBackend) close() error { return nil }
