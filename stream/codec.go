// Package stream is C7: the glue between mio's reactor actions and the
// opaque XMPP stream codec (spec §1 calls the stream parser/serializer
// "SX" an external collaborator, specified only at the interface). Glue
// performs the recv/send work and the OPEN/STREAM/PACKET decision tree of
// spec §4.4; it never parses XML itself.
package stream

import (
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/jabberd-go/s2s/conntable"
	"github.com/jabberd-go/s2s/dispatch"
	"github.com/jabberd-go/s2s/mio"
	"github.com/jabberd-go/s2s/xmpp"
)

// Event is one callback the opaque stream codec emits while Feed processes
// newly-read bytes, per spec §4.4's event set.
type Event int

const (
	EventWantRead Event = iota
	EventWantWrite
	EventOpen
	EventStream
	EventPacket
	EventError
	EventClosed
)

// Codec is the out-of-scope XMPP stream parser/serializer, reduced to the
// minimal surface Glue drives. A real implementation owns XML parsing,
// stanza buffering, and TLS negotiation state; Glue only needs to feed it
// bytes, drain bytes for the wire, and ask the handful of yes/no questions
// spec §4.4's dispatch table requires.
type Codec interface {
	// Feed hands newly-read bytes to the codec, returning the events they
	// produced, in order.
	Feed(data []byte) []Event
	// Drain returns bytes queued for the wire (stream open, stanzas,
	// STARTTLS negotiation) and clears the internal buffer.
	Drain() []byte
	// WritePacket serializes pkt onto the codec's outbound buffer, to be
	// collected by a later Drain.
	WritePacket(pkt *xmpp.Packet)
	// LastPacket returns the stanza an EventPacket just completed. Valid
	// only for the duration of handling that event.
	LastPacket() *xmpp.Packet

	// StreamID returns the stream id the peer's <stream:stream> open tag
	// carried. Valid once EventStream has fired.
	StreamID() string
	// StreamOffersVersion reports whether the peer's <stream:stream> carried
	// version="1.0" or higher.
	StreamOffersVersion() bool
	// FeaturesOfferSTARTTLS reports whether the just-completed <stream:
	// features> packet advertised <starttls/>.
	FeaturesOfferSTARTTLS() bool
	// StartTLS begins the TLS handshake on the underlying connection.
	StartTLS() error

	// Close releases any codec-internal state.
	Close()
}

// Glue adapts one conntable.Conn's outbound connection to its Codec,
// implementing both mio.Handler (driven by the reactor) and
// conntable.Codec (driven by dispatch.Engine).
type Glue struct {
	fd      int
	conn    net.Conn
	reactor *mio.Reactor
	codec   Codec
	engine  *dispatch.Engine
	entry   *conntable.Conn

	tlsConfigured bool // local side has TLS available at all
	tlsActive     bool // STARTTLS has already completed on this stream

	log *slog.Logger

	recvBuf [4096]byte
}

// New builds the glue for an outbound connection that is about to be dialed:
// the dispatch engine builds it before calling the reactor's Connect, passes
// it as the descriptor's handler, and then attaches it with Bind.
// tlsConfigured reports whether local TLS is available at all (spec §4.4's
// "local side lacks TLS" branch).
func New(reactor *mio.Reactor, codec Codec, engine *dispatch.Engine, entry *conntable.Conn, tlsConfigured bool, log *slog.Logger) *Glue {
	if log == nil {
		log = slog.Default()
	}
	return &Glue{
		reactor:       reactor,
		codec:         codec,
		engine:        engine,
		entry:         entry,
		tlsConfigured: tlsConfigured,
		log:           log.With(slog.Group("component", "name", "stream")),
	}
}

// Bind records fd and its net.Conn and registers g as the conn's codec. The
// dispatch engine calls it right after the reactor registers the connect,
// before the connect completes. It arms write interest so the codec's
// already-queued opening <stream:stream> tag goes out on the next writable
// event.
func (g *Glue) Bind(fd int, conn net.Conn) {
	g.fd = fd
	g.conn = conn
	g.entry.Codec = g
	g.reactor.Write(fd)
}

// HandleIO implements mio.Handler, translating reactor {READ, WRITE,
// CLOSE} actions to a single recv/send plus the codec event dispatch, per
// spec §4.4.
func (g *Glue) HandleIO(r *mio.Reactor, action mio.Action, fd int, peer string, ctx context.Context) int {
	switch action {
	case mio.ActionRead:
		return g.handleRead()
	case mio.ActionWrite:
		return g.handleWrite()
	case mio.ActionClose:
		g.codec.Close()
	}
	return 0
}

func (g *Glue) handleRead() int {
	n, err := g.conn.Read(g.recvBuf[:])
	if n == 0 && err == nil {
		return 1 // nothing yet; keep read interest armed
	}
	if n == 0 && err == io.EOF {
		g.onPeerClose()
		return 0
	}
	if err != nil {
		if isWouldBlock(err) {
			return 1
		}
		g.onFatalIOError(err)
		return 0
	}

	events := g.codec.Feed(g.recvBuf[:n])
	g.processEvents(events)
	return 1
}

func (g *Glue) handleWrite() int {
	out := g.codec.Drain()
	if len(out) == 0 {
		return 0
	}
	n, err := g.conn.Write(out)
	if err != nil && !isWouldBlock(err) {
		g.onFatalIOError(err)
		return 0
	}
	if n < len(out) {
		return 1 // partial write; keep write interest armed for the rest
	}
	return 0
}

func (g *Glue) processEvents(events []Event) {
	for _, ev := range events {
		switch ev {
		case EventWantRead:
			g.reactor.Read(g.fd)
		case EventWantWrite:
			g.reactor.Write(g.fd)
		case EventStream:
			g.onStream()
		case EventPacket:
			g.onPacket()
		case EventError:
			g.onFatalStreamError()
		case EventClosed:
			g.onPeerClose()
		}
	}
}

// onStream implements spec §4.4's "On STREAM" rule.
func (g *Glue) onStream() {
	g.entry.StreamID = g.codec.StreamID()
	if !g.codec.StreamOffersVersion() || !g.tlsConfigured {
		g.goOnline()
	}
	// otherwise wait for <stream:features>
}

// onPacket implements spec §4.4's "On PACKET carrying <stream:features>"
// rule. Non-features stanzas are the in-bound subsystem's concern and are
// left untouched here.
func (g *Glue) onPacket() {
	pkt := g.codec.LastPacket()
	if !isFeatures(pkt) {
		return
	}
	if g.tlsConfigured && !g.tlsActive && g.codec.FeaturesOfferSTARTTLS() {
		if err := g.beginSTARTTLS(); err != nil {
			g.onFatalStreamError()
		}
		return // STARTTLS consumes the features event
	}
	g.goOnline()
}

func (g *Glue) goOnline() {
	g.entry.Online = true
	for rkey := range g.entry.Routes {
		g.engine.OutDialback(g.entry, rkey)
	}
}

func (g *Glue) onPeerClose() {
	if !g.entry.Online {
		g.engine.MarkHostBad(g.entry.Key)
	}
	g.engine.CloseConn(g.entry, g.entry.Domains())
	g.reactor.Close_(g.fd)
}

func (g *Glue) onFatalIOError(err error) {
	g.log.Warn("fatal I/O error", "fd", g.fd, "error", err)
	if !g.entry.Online {
		g.engine.MarkHostBad(g.entry.Key)
	}
	g.engine.CloseConn(g.entry, g.entry.Domains())
	g.reactor.Close_(g.fd)
}

func (g *Glue) onFatalStreamError() {
	if !g.entry.Online {
		g.engine.MarkHostBad(g.entry.Key)
	}
	g.engine.CloseConn(g.entry, g.entry.Domains())
	g.reactor.Close_(g.fd)
}

// WritePacket implements conntable.Codec: queue pkt on the codec's
// outbound buffer and arm write interest.
func (g *Glue) WritePacket(pkt *xmpp.Packet) error {
	g.codec.WritePacket(pkt)
	g.reactor.Write(g.fd)
	return nil
}

// Close implements conntable.Codec.
func (g *Glue) Close() {
	g.codec.Close()
	g.reactor.Close_(g.fd)
}

func isFeatures(pkt *xmpp.Packet) bool {
	if pkt == nil || pkt.Doc == nil || len(pkt.Doc.Elements) == 0 {
		return false
	}
	return pkt.Doc.Elements[0].Name == "stream:features"
}

func isWouldBlock(err error) bool {
	type temporary interface{ Temporary() bool }
	if t, ok := err.(temporary); ok {
		return t.Temporary()
	}
	return false
}
