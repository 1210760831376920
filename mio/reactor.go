package mio

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// pollRateLimit caps how aggressively a near-future timed deadline can
// shrink the poll timeout, per spec §4.1 step 2 ("rate-limits timer
// re-entry to ≈200 Hz").
const pollRateLimit = 5 * time.Millisecond

// BackendKind selects which capability-set implementation New wires up.
type BackendKind int

const (
	// BackendPoll is the level-triggered array-poll variant.
	BackendPoll BackendKind = iota
	// BackendEpoll is the edge-triggered per-fd-event variant (Linux only).
	BackendEpoll
	// BackendSelect is the portable select fallback.
	BackendSelect
)

// Reactor multiplexes non-blocking sockets through a pluggable backend and
// drives per-fd application callbacks plus the two C1 timer queues.
type Reactor struct {
	maxFD       int
	descriptors map[int]*descriptor
	backend     backend
	immediate   *immediateQueue
	timed       *timedQueue
	log         *slog.Logger

	// freeable holds fds whose close() has run but whose slot the backend
	// has not yet cleared for reuse (spec §4.1 "Close semantics").
	freeable map[int]bool
}

// New constructs a Reactor bounded to maxFD descriptors, backed by the
// requested backend variant.
func New(maxFD int, kind BackendKind, log *slog.Logger) (*Reactor, error) {
	if log == nil {
		log = slog.Default()
	}

	var be backend
	switch kind {
	case BackendEpoll:
		eb, err := newEpollBackend()
		if err != nil {
			return nil, fmt.Errorf("mio: epoll backend: %w", err)
		}
		be = eb
	case BackendSelect:
		be = newSelectBackend()
	default:
		be = newPollBackend()
	}

	now := time.Now()
	return &Reactor{
		maxFD:       maxFD,
		descriptors: make(map[int]*descriptor),
		backend:     be,
		immediate:   newImmediateQueue(),
		timed:       newTimedQueue(now),
		log:         log.With(slog.Group("component", "name", "mio")),
		freeable:    make(map[int]bool),
	}, nil
}

// Close frees every managed descriptor and the backend's OS resources.
func (r *Reactor) Close() error {
	for fd := range r.descriptors {
		r.Close_(fd)
	}
	return r.backend.close()
}

// Listen opens a listening socket on bindIP:port through net.Listen (which
// sets SO_REUSEADDR and leaves the socket non-blocking) and registers it with
// handler/ctx. The listen backlog is the kernel's default (somaxconn); it is
// not fixed at 10.
func (r *Reactor) Listen(bindIP string, port int, handler Handler, ctx context.Context) (int, error) {
	if len(r.descriptors) >= r.maxFD {
		return 0, fmt.Errorf("mio: max descriptor count (%d) reached", r.maxFD)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(bindIP, strconv.Itoa(port)))
	if err != nil {
		return 0, fmt.Errorf("mio: listen %s:%d: %w", bindIP, port, err)
	}

	fd, err := fdFromListener(ln)
	if err != nil {
		ln.Close()
		return 0, err
	}

	d := &descriptor{fd: fd, typ: fdListen, handler: handler, ctx: ctx, ln: ln}
	r.descriptors[fd] = d
	if err := r.backend.addFD(fd, true, false); err != nil {
		ln.Close()
		delete(r.descriptors, fd)
		return 0, fmt.Errorf("mio: register listener fd: %w", err)
	}
	r.log.Info("listening", "bind", bindIP, "port", port, "fd", fd)
	return fd, nil
}

// Connect starts a non-blocking TCP connect to dstIP:port, optionally bound
// to srcIP. If the connect does not complete synchronously, the descriptor
// enters CONNECT state with write-interest armed, per spec §4.1.
func (r *Reactor) Connect(srcIP, dstIP string, port int, handler Handler, ctx context.Context) (int, error) {
	if len(r.descriptors) >= r.maxFD {
		return 0, fmt.Errorf("mio: max descriptor count (%d) reached", r.maxFD)
	}

	conn, err := nonBlockingConnect(srcIP, dstIP, port)
	if err != nil {
		return 0, err
	}

	fd, err := fdFromConn(conn)
	if err != nil {
		conn.Close()
		return 0, err
	}

	d := &descriptor{fd: fd, typ: fdConnect, handler: handler, ctx: ctx, conn: conn}
	r.descriptors[fd] = d
	if err := r.backend.addFD(fd, false, true); err != nil {
		conn.Close()
		delete(r.descriptors, fd)
		return 0, fmt.Errorf("mio: register connect fd: %w", err)
	}
	return fd, nil
}

// SetupFD registers an already-open, already non-blocking fd (e.g. one
// accepted by an out-of-reactor collaborator) as NORMAL.
func (r *Reactor) SetupFD(conn net.Conn, handler Handler, ctx context.Context) (int, error) {
	fd, err := fdFromConn(conn)
	if err != nil {
		return 0, err
	}
	d := &descriptor{fd: fd, typ: fdNormal, handler: handler, ctx: ctx, conn: conn}
	r.descriptors[fd] = d
	if err := r.backend.addFD(fd, true, false); err != nil {
		delete(r.descriptors, fd)
		return 0, fmt.Errorf("mio: register fd: %w", err)
	}
	return fd, nil
}

// Conn returns the net.Conn backing a NORMAL/CONNECT descriptor, so a
// handler bound after Connect/SetupFD (e.g. the stream codec glue) can read
// and write it directly; ok is false for an unknown or LISTEN descriptor.
func (r *Reactor) Conn(fd int) (net.Conn, bool) {
	d, ok := r.descriptors[fd]
	if !ok || d.conn == nil {
		return nil, false
	}
	return d.conn, true
}

// SetApp replaces the handler/ctx pair for an existing descriptor.
func (r *Reactor) SetApp(fd int, handler Handler, ctx context.Context) {
	if d, ok := r.descriptors[fd]; ok {
		d.handler = handler
		d.ctx = ctx
	}
}

// Read arms read interest for fd.
func (r *Reactor) Read(fd int) {
	if d, ok := r.descriptors[fd]; ok && !d.closed {
		r.backend.setRead(fd)
	}
}

// Write arms write interest for fd.
func (r *Reactor) Write(fd int) {
	if d, ok := r.descriptors[fd]; ok && !d.closed {
		r.backend.setWrite(fd)
	}
}

// Close_ is close(fd): idempotent, invokes ActionClose, closes the OS fd,
// and defers slot reclamation until the backend agrees it is safe. Named
// with a trailing underscore because Close (no args) already satisfies
// io.Closer for the whole reactor.
func (r *Reactor) Close_(fd int) {
	d, ok := r.descriptors[fd]
	if !ok || d.closed {
		return
	}
	d.closed = true
	d.typ = fdClosed

	if d.handler != nil {
		d.handler.HandleIO(r, ActionClose, fd, "", d.ctx)
	}
	if d.conn != nil {
		d.conn.Close()
	}
	if d.ln != nil {
		d.ln.Close()
	}
	r.backend.removeFD(fd)

	if r.backend.canFree(fd) {
		delete(r.descriptors, fd)
	} else {
		r.freeable[fd] = true
	}
}

// AddImmedTimeout / CancelImmed manage C1's immediate queue.
func (r *Reactor) AddImmedTimeout(fn TimeoutFunc, d1, d2 interface{}) uint64 {
	return r.immediate.add(fn, d1, d2)
}

func (r *Reactor) CancelImmed(id uint64) { r.immediate.cancel(id) }

// AddTimeout / CancelTimeout / RunTimeoutEarly manage C1's timed queue.
func (r *Reactor) AddTimeout(fn TimeoutFunc, d1, d2 interface{}, deadline time.Time) uint64 {
	return r.timed.add(fn, d1, d2, deadline)
}

func (r *Reactor) CancelTimeout(id uint64)   { r.timed.cancel(id) }
func (r *Reactor) RunTimeoutEarly(id uint64) { r.timed.runEarly(id) }

// Run advances the loop once, per spec §4.1's six-step dispatch algorithm.
// It returns false if an immediate callback signalled teardown.
func (r *Reactor) Run(timeoutMS int) bool {
	// 1. Drain the immediate-timeout queue.
	if !r.immediate.drain() {
		return false
	}

	// 2. Shrink the poll deadline if a timed deadline is sooner.
	timeout := time.Duration(timeoutMS) * time.Millisecond
	now := time.Now()
	if deadline, ok := r.timed.nextDeadline(); ok {
		untilDeadline := deadline - time.Duration(r.timed.msSince(now))*time.Millisecond + pollRateLimit
		if untilDeadline < timeout {
			timeout = untilDeadline
		}
	}
	if timeout < 0 {
		timeout = 0
	}

	// 3. Rebase the timed queue's epoch if needed.
	r.timed.rebaseIfNeeded(now)

	// 4. Poll the backend.
	ready, err := r.backend.check(timeout)
	if err != nil {
		r.log.Error("backend check failed", "error", err)
	}

	// 5. Dispatch readiness per descriptor.
	for _, ev := range ready {
		r.dispatchReady(ev)
	}

	// Reclaim any slots the backend can now safely free.
	for fd := range r.freeable {
		if r.backend.canFree(fd) {
			delete(r.descriptors, fd)
			delete(r.freeable, fd)
		}
	}

	// 6. Drain elapsed timed timeouts.
	r.timed.drainElapsed(time.Now())
	return true
}

func (r *Reactor) dispatchReady(ev readyEvent) {
	d, ok := r.descriptors[ev.fd]
	if !ok || d.closed {
		return
	}

	switch {
	case d.typ == fdListen && ev.readable:
		r.accept(d)
	case d.typ&fdConnect != 0:
		r.finalizeConnect(d)
	case d.typ == fdNormal && ev.readable:
		if d.handler.HandleIO(r, ActionRead, d.fd, "", d.ctx) == 0 {
			r.backend.unsetRead(d.fd)
		}
		if d.closed {
			return
		}
		fallthrough
	case d.typ == fdNormal && ev.writable:
		if !ev.writable {
			return
		}
		if d.handler.HandleIO(r, ActionWrite, d.fd, "", d.ctx) == 0 {
			r.backend.unsetWrite(d.fd)
		}
	}
}

// accept handles one connection per poll event on a LISTEN fd.
func (r *Reactor) accept(d *descriptor) {
	conn, err := d.ln.Accept()
	if err != nil {
		r.log.Warn("accept failed", "fd", d.fd, "error", err)
		return
	}

	fd, err := fdFromConn(conn)
	if err != nil {
		conn.Close()
		return
	}

	peer := conn.RemoteAddr().String()
	if d.handler.HandleIO(r, ActionAccept, fd, peer, d.ctx) != 0 {
		conn.Close()
		return
	}

	nd := &descriptor{fd: fd, typ: fdNormal, handler: d.handler, ctx: d.ctx, conn: conn}
	r.descriptors[fd] = nd
	_ = r.backend.addFD(fd, true, false)
}

// finalizeConnect transitions a CONNECT descriptor to NORMAL once the
// backend reports either write or read readiness, actioning any deferred
// READ/WRITE sub-bits per spec §4.1 "Socket setup". A non-zero SO_ERROR
// means the connect itself failed (refused, unreachable, timed out); the
// descriptor is closed instead of promoted, and its handler sees the same
// ActionClose path any other dead connection takes.
func (r *Reactor) finalizeConnect(d *descriptor) {
	if err := connectErr(d.fd); err != nil {
		r.log.Warn("connect failed", "fd", d.fd, "error", err)
		r.Close_(d.fd)
		return
	}

	wantRead := d.typ&fdConnectRead != 0
	wantWrite := d.typ&fdConnectWrite != 0

	d.typ = fdNormal
	if d.handler != nil {
		d.handler.HandleIO(r, ActionWrite, d.fd, "", d.ctx)
	}
	if wantRead {
		r.backend.setRead(d.fd)
	}
	if wantWrite {
		r.backend.setWrite(d.fd)
	} else {
		r.backend.unsetWrite(d.fd)
	}
}

// DeferReadWhileConnecting / DeferWriteWhileConnecting record user intent
// to read/write while a connect is still pending, so finalizeConnect can
// action it once the connection completes.
func (r *Reactor) DeferReadWhileConnecting(fd int) {
	if d, ok := r.descriptors[fd]; ok && d.typ&fdConnect != 0 {
		d.typ |= fdConnectRead
	}
}

func (r *Reactor) DeferWriteWhileConnecting(fd int) {
	if d, ok := r.descriptors[fd]; ok && d.typ&fdConnect != 0 {
		d.typ |= fdConnectWrite
	}
}
