package mio

import "time"

// readyEvent reports one descriptor's post-poll readiness.
type readyEvent struct {
	fd       int
	readable bool
	writable bool
}

// backend is the capability set spec §4.1 requires the reactor be
// polymorphic over: init, add-fd, free-fd, remove-fd, set-read, unset-read,
// set-write, unset-write, check(timeout), iterate-ready, can-free.
//
// Three variants ship: pollBackend (level-triggered array-poll),
// epollBackend (edge-triggered per-fd-event), and selectBackend (portable
// select fallback).
type backend interface {
	// addFD registers fd with the initial read/write interest.
	addFD(fd int, read, write bool) error
	// removeFD unregisters fd.
	removeFD(fd int)
	// setRead/unsetRead arm/disarm read interest for fd.
	setRead(fd int)
	unsetRead(fd int)
	// setWrite/unsetWrite arm/disarm write interest for fd.
	setWrite(fd int)
	unsetWrite(fd int)
	// check polls for readiness, blocking up to timeout. It returns the
	// ready descriptors for this pass (iterate-ready).
	check(timeout time.Duration) ([]readyEvent, error)
	// canFree reports whether fd's slot may be reclaimed now, or whether
	// the backend needs it to survive to the end of the current dispatch
	// iteration (e.g. an edge-triggered backend mid-batch).
	canFree(fd int) bool
	// close releases any backend-owned OS resources (e.g. an epoll fd).
	close() error
}
