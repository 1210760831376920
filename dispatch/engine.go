// Package dispatch is C6: the outbound dispatch engine implementing
// out_packet, out_route, out_dialback, out_resolve, and the incoming-verify
// handler, per spec §4.3. Every exported entry point here is expected to
// run only from the reactor goroutine (registered as mio immediate-queue
// callbacks), honoring the single-threaded cooperative concurrency model.
package dispatch

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/jabberd-go/s2s/config"
	"github.com/jabberd-go/s2s/conntable"
	"github.com/jabberd-go/s2s/dnsresolve"
	"github.com/jabberd-go/s2s/mio"
	"github.com/jabberd-go/s2s/route"
	"github.com/jabberd-go/s2s/xmpp"
)

// BounceFunc delivers a stanza-level error back into the router for a
// bounced packet, or silently drops it when it has no addressable reply
// (spec §7 "Propagation"). It is the one collaborator this package does
// not implement itself — the router link is out of scope (spec §1).
type BounceFunc func(pkt *xmpp.Packet, reason string)

// Engine owns the per-process out_host/out_dest/outq/dnscache/dns_bad
// tables (spec §9's design note: "process-wide state owned by a single
// S2S engine instance").
type Engine struct {
	cfg      *config.Config
	reactor  *mio.Reactor
	table    *conntable.Table
	routes   *route.Tracker
	cache    *dnsresolve.Cache
	resolver *dnsresolve.Resolver
	bounce   BounceFunc
	log      *slog.Logger

	// newHandler builds the mio.Handler bound to a freshly dialed
	// connection (the stream codec glue, package stream — out of scope for
	// dispatch to import directly, spec §1). Set via SetHandlerFactory.
	newHandler func(conn *conntable.Conn) mio.Handler

	sp *submitPipeline
}

// New constructs an Engine wired to reactor for outbound connects, resolver
// for DNS resolution, and bounce for delivering stanza-level errors back to
// the router.
func New(cfg *config.Config, reactor *mio.Reactor, resolver *dnsresolve.Resolver, bounce BounceFunc, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		reactor:  reactor,
		table:    conntable.New(),
		routes:   route.NewTracker(),
		cache:    dnsresolve.NewCache(),
		resolver: resolver,
		bounce:   bounce,
		log:      log.With(slog.Group("component", "name", "dispatch")),
		sp:       newSubmitPipeline(),
	}
}

// SetHandlerFactory registers the callback that builds the mio.Handler
// (the stream codec glue) for a newly dialed connection, called from dial
// before the reactor's Connect returns. The session package wires this
// once at startup; dispatch itself never imports the stream package.
func (e *Engine) SetHandlerFactory(fn func(conn *conntable.Conn) mio.Handler) {
	e.newHandler = fn
}

// Start wires the submission pipeline and registers the per-tick drains
// (validated packets, finished DNS resolutions) on the reactor's immediate
// queue.
func (e *Engine) Start(ctx context.Context) {
	e.sp.start(ctx, func(err error) {
		if err != nil {
			e.log.Error("submission pipeline terminated", "error", err)
		}
	})

	// Immediate-queue entries fire exactly once (spec §4.1's "fires on the
	// next tick" semantics), so the drain re-arms itself at the end of
	// every invocation to run on every subsequent tick too.
	var drain mio.TimeoutFunc
	drain = func(d1, d2 interface{}) int {
		for _, pkt := range e.sp.drainReady() {
			e.OutPacket(pkt)
		}
		e.resolver.Drain(e.outResolve)
		e.reactor.AddImmedTimeout(drain, nil, nil)
		return 0
	}
	e.reactor.AddImmedTimeout(drain, nil, nil)
}

// Submit hands pkt to the validation pipeline; it surfaces through
// OutPacket on a later reactor tick once validated.
func (e *Engine) Submit(pkt *xmpp.Packet) {
	e.sp.submit(pkt)
}

// OutPacket is out_packet.
func (e *Engine) OutPacket(pkt *xmpp.Packet) {
	rkey := pkt.RouteKey()

	conn, status := e.outRoute(rkey, true)
	if conn == nil {
		e.routes.Push(rkey, pkt)
		if status == -1 {
			e.bounceRoute(rkey, "service-unavailable")
		}
		return
	}

	if !conn.Online {
		e.routes.Push(rkey, pkt)
		return
	}

	switch conn.States[rkey] {
	case conntable.StateValid:
		e.writePacket(conn, rkey, pkt)
	default:
		if pkt.DB {
			e.writePacket(conn, rkey, pkt)
			return
		}
		if conn.States[rkey] == conntable.StateInProgress {
			e.routes.Push(rkey, pkt)
			return
		}
		// unknown: queue, then kick off piggy-backed dialback.
		e.routes.Push(rkey, pkt)
		e.OutDialback(conn, rkey)
	}
}

func (e *Engine) writePacket(conn *conntable.Conn, rkey string, pkt *xmpp.Packet) {
	if pkt.DB && isDBVerify(pkt) {
		conn.Verify++
		conn.LastVerify = time.Now()
	}
	if conn.Codec != nil {
		if err := conn.Codec.WritePacket(pkt); err != nil {
			e.log.Warn("write failed", "route", rkey, "error", err)
		}
	}
	conn.LastPacket = time.Now()
	conn.LastActivity = conn.LastPacket
	conn.PacketCount++
}

// isDBVerify reports whether pkt is a <db:verify> stanza, judged by the name
// of the root element of its document (xmpp.NAD).
func isDBVerify(pkt *xmpp.Packet) bool {
	if pkt.Doc == nil || len(pkt.Doc.Elements) == 0 {
		return false
	}
	return pkt.Doc.Elements[0].Name == "db:verify"
}

// outRoute is out_route. It returns (conn, 0) when a connection exists for
// the destination, whether already online or with its connect still in
// flight (the caller queues until it is online), (nil, 0) when DNS
// resolution is pending and the caller must queue and wait, or (nil, -1) on
// hard failure (caller queues then bounces).
func (e *Engine) outRoute(rkey string, allowBad bool) (*conntable.Conn, int) {
	from, to := splitRouteKey(rkey)
	if from == "" || to == "" {
		return nil, -1
	}

	if conn, ok := e.table.ByDomain(to); ok {
		conn.AddRoute(rkey)
		return conn, 0
	}

	entry, ok := e.cache.Get(to)
	now := time.Now()

	if !ok {
		q := dnsresolve.NewQuery(to)
		e.cache.Pending(to, q)
		e.resolver.Start(q)
		return nil, 0
	}
	if entry.Pending {
		return nil, 0
	}
	if entry.Expired(now) {
		q := dnsresolve.NewQuery(to)
		e.cache.Pending(to, q)
		e.resolver.Start(q)
		return nil, 0
	}

	picked := e.cache.Select(entry, now, allowBad, func(hostPort string) bool {
		_, reusable := e.table.ByHostPort(hostPort)
		return reusable && e.cfg.OutReuse
	})
	if picked == nil {
		return nil, -1
	}
	if entry.Expired(now) {
		// Select's bad-host fallback forced re-expiry on entry, the same
		// pointer Cache.Get handed back above.
		q := dnsresolve.NewQuery(to)
		e.cache.Pending(to, q)
		e.resolver.Start(q)
		return nil, 0
	}

	if e.cfg.OutReuse {
		if conn, ok := e.table.ByHostPort(picked.Key); ok {
			conn.AddRoute(rkey)
			e.table.PutDomain(to, conn)
			return conn, 0
		}
	}

	conn, err := e.dial(picked, to, rkey)
	if err != nil {
		e.cache.MarkBad(picked.Key, e.cfg.DNSBadTimeout)
		e.log.Warn("connect failed", "host", picked.Key, "error", err)
		return e.outRoute(rkey, false)
	}
	return conn, 0
}

// dial synthesizes a new outbound connection and registers it, per
// spec §4.3's out_route final step.
func (e *Engine) dial(picked *dnsresolve.Result, toDomain, rkey string) (*conntable.Conn, error) {
	conn := conntable.NewConn(picked.IP, picked.Port)
	conn.AddRoute(rkey)
	if !e.cfg.OutReuse {
		conn.DKey = toDomain
	}

	var handler mio.Handler
	if e.newHandler != nil {
		handler = e.newHandler(conn)
	}

	fd, err := e.reactor.Connect(e.cfg.OriginIP, picked.IP, picked.Port, handler, context.Background())
	if err != nil {
		return nil, err
	}
	conn.FD = fd

	if binder, ok := handler.(interface {
		Bind(fd int, c net.Conn)
	}); ok {
		if c, ok := e.reactor.Conn(fd); ok {
			binder.Bind(fd, c)
		}
	}

	if e.cfg.OutReuse {
		e.table.PutHostPort(conn)
	}
	e.table.PutDomain(toDomain, conn)
	return conn, nil
}

// OutDialback is out_dialback.
func (e *Engine) OutDialback(conn *conntable.Conn, rkey string) {
	from, to := splitRouteKey(rkey)
	streamID := conn.StreamID
	if streamID == "" {
		// no stream id captured yet (e.g. a test building conn directly);
		// fall back to the route key rather than bind the dialback key to
		// an empty stream id.
		streamID = rkey
	}
	key := DialbackKey(e.cfg.LocalSecret, to, streamID)

	dbPkt := &xmpp.Packet{
		From: xmpp.JID{Domain: from},
		To:   xmpp.JID{Domain: to},
		DB:   true,
		Doc: &xmpp.NAD{Elements: []xmpp.Element{
			{Name: "db:result", Namespace: "jabber:server:dialback"},
		}, Raw: []byte(key)},
	}
	if conn.Codec != nil {
		_ = conn.Codec.WritePacket(dbPkt)
	}
	conn.SetState(rkey, conntable.StateInProgress)
}

// outResolve is out_resolve, invoked once per tick for every DNS
// resolution the reactor's immediate queue observed finishing.
func (e *Engine) outResolve(domain string, results map[string]*dnsresolve.Result, collectionTTL time.Duration) {
	e.cache.Store(domain, results, collectionTTL, e.cfg.DNSMinTTL, e.cfg.DNSMaxTTL)

	pending := e.routes.RoutesOlderThan(-time.Hour, time.Now()) // every pending route, regardless of age
	for _, rkey := range pending {
		_, to := splitRouteKey(rkey)
		if to != domain {
			continue
		}
		pkts := e.routes.Drain(rkey)
		if len(results) == 0 {
			for _, pkt := range pkts {
				e.bounce(pkt, "remote-server-not-found")
			}
			continue
		}
		for _, pkt := range pkts {
			e.OutPacket(pkt)
		}
	}

	if !e.cfg.DNSCacheEnabled {
		e.cache.Remove(domain)
	}
}

// OutVerify is _out_verify: handling an incoming <db:verify> on an
// outbound connection.
func (e *Engine) OutVerify(streamID, from, to, typ string) {
	incoming, ok := e.table.Incoming(streamID)
	if !ok {
		return
	}

	valid := typ == "valid"
	routeKey := from + "/" + to
	incoming.SetRouteValid(routeKey, valid)
	incoming.SendResult(routeKey, typ)
	if !valid {
		incoming.RaiseStreamError("invalid-id")
		incoming.Close()
	}
}

// CloseConn transitions every route on conn to CLOSED, per spec §4.3's
// state machine: remove out_dest entries, retry each route if its queue
// age is within RetryLimit, else bounce with service-unavailable.
func (e *Engine) CloseConn(conn *conntable.Conn, domains []string) {
	e.table.RemoveConn(conn, domains)

	for rkey := range conn.Routes {
		oq, hasQueue := e.routes.Get(rkey)
		if !hasQueue {
			continue
		}
		if time.Since(oq.Age) <= e.cfg.RetryLimit {
			pkts := e.routes.Drain(rkey)
			for _, pkt := range pkts {
				e.OutPacket(pkt)
			}
		} else {
			e.bounceRoute(rkey, "service-unavailable")
		}
	}
}

// MarkHostBad records ipPort in the bad-host negative cache, for the
// out-of-scope stream glue to call on a fatal read/write/stream error
// observed before a connection ever reached online (spec §7's taxonomy).
func (e *Engine) MarkHostBad(ipPort string) {
	e.cache.MarkBad(ipPort, e.cfg.DNSBadTimeout)
}

// Status is a read-only snapshot of every connection and queued route, for
// the admin surface's GET /status (spec §8's external-interfaces addition).
type Status struct {
	Connections []conntable.ConnInfo
	Queues      []route.QueueInfo
}

// Status returns the current connection table and route queue contents.
func (e *Engine) Status() Status {
	return Status{
		Connections: e.table.Snapshot(),
		Queues:      e.routes.Snapshot(),
	}
}

func (e *Engine) bounceRoute(rkey, reason string) {
	pkts := e.routes.Drain(rkey)
	for _, pkt := range pkts {
		e.bounce(pkt, reason)
	}
}

func splitRouteKey(rkey string) (from, to string) {
	for i := 0; i < len(rkey); i++ {
		if rkey[i] == '/' {
			return rkey[:i], rkey[i+1:]
		}
	}
	return "", ""
}
