// Package session is the single process-wide S2S engine instance (spec
// §9's design note: "Global-mutable tables... process-wide state owned by
// a single S2S engine instance"). It wires the reactor, the DNS resolver,
// and the dispatch engine together and drives the run loop.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jabberd-go/s2s/config"
	"github.com/jabberd-go/s2s/conntable"
	"github.com/jabberd-go/s2s/dispatch"
	"github.com/jabberd-go/s2s/dnsresolve"
	"github.com/jabberd-go/s2s/mio"
	"github.com/jabberd-go/s2s/pubsub"
	"github.com/jabberd-go/s2s/stream"
	"github.com/jabberd-go/s2s/xmpp"
)

// pollTimeoutMS bounds how long one Run iteration blocks in the backend's
// poll/select/epoll wait, per spec §4.1's dispatch loop.
const pollTimeoutMS = 250

// CodecFactory builds the out-of-scope XMPP stream codec (spec §1) for a
// freshly dialed outbound connection. The router embedding this package
// supplies a real implementation; s2s-out itself never parses XML.
type CodecFactory func(conn *conntable.Conn) stream.Codec

// Session owns the reactor, resolver, and dispatch engine for one running
// process, per the design note's single-instance requirement.
type Session struct {
	id  uuid.UUID
	log *slog.Logger
	ps  *pubsub.Logger
	cfg *config.Config

	reactor  *mio.Reactor
	resolver *dnsresolve.Resolver
	dispatch *dispatch.Engine

	done chan struct{}
}

// Bouncer delivers a stanza-level error for a packet the dispatch engine
// could not route; the router embedding this package supplies it (spec
// §1's "router link" out-of-scope collaborator).
type Bouncer func(pkt *xmpp.Packet, reason string)

// New builds a Session from cfg: a poll-backend reactor sized for 4096
// descriptors, a DNS resolver, and the dispatch engine, mirroring the
// teacher's CreateSession wiring (slog + pubsub.Logger + config) minus all
// database setup (dropped per the persistent-storage Non-goal).
func New(cfg *config.Config, bounce Bouncer) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	ps := pubsub.NewLogger(0)
	log := slog.New(slog.NewTextHandler(ps, nil)).WithGroup("session").With("id", id)

	reactor, err := mio.New(4096, mio.BackendPoll, log)
	if err != nil {
		return nil, fmt.Errorf("session: reactor: %w", err)
	}

	resolver := dnsresolve.NewResolver(cfg.DNSServers, cfg.LookupSRV, cfg.ResolveAAAA, log)

	if bounce == nil {
		bounce = func(*xmpp.Packet, string) {}
	}
	eng := dispatch.New(cfg, reactor, resolver, dispatch.BounceFunc(bounce), log)

	s := &Session{
		id:       id,
		log:      log,
		ps:       ps,
		cfg:      cfg,
		reactor:  reactor,
		resolver: resolver,
		dispatch: eng,
		done:     make(chan struct{}),
	}
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Log returns the session-scoped logger.
func (s *Session) Log() *slog.Logger { return s.log }

// PubSub returns the tailable log stream backing the admin feed.
func (s *Session) PubSub() *pubsub.Logger { return s.ps }

// Config returns the session's loaded configuration.
func (s *Session) Config() *config.Config { return s.cfg }

// Dispatch returns the outbound dispatch engine, for the admin surface's
// read-only status reporting and the router link's Submit calls.
func (s *Session) Dispatch() *dispatch.Engine { return s.dispatch }

// Reactor returns the underlying reactor, for a router link that also
// needs to register inbound listeners.
func (s *Session) Reactor() *mio.Reactor { return s.reactor }

// SetCodecFactory wires the out-of-scope stream codec's constructor so
// dialed connections get a working stream.Glue bound as their mio.Handler.
// Skipping this call leaves dialed connections without a protocol handler,
// which is only useful for exercising dispatch in isolation (as the test
// suite does).
func (s *Session) SetCodecFactory(tlsConfigured bool, newCodec CodecFactory) {
	s.dispatch.SetHandlerFactory(func(conn *conntable.Conn) mio.Handler {
		codec := newCodec(conn)
		return stream.New(s.reactor, codec, s.dispatch, conn, tlsConfigured, s.log)
	})
}

// Run drives the reactor loop until ctx is cancelled or Kill is called,
// then closes the reactor itself — the reactor is only ever touched from
// this goroutine, preserving the single-threaded cooperative model.
func (s *Session) Run(ctx context.Context) {
	s.dispatch.Start(ctx)
	defer s.reactor.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}
		if !s.reactor.Run(pollTimeoutMS) {
			return
		}
	}
}

// Done reports whether Kill has been called.
func (s *Session) Done() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Kill signals Run to stop; Run itself closes the reactor once it
// observes the signal.
func (s *Session) Kill() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
}

// Listen opens conn listeners for the in-bound S2S subsystem (out of scope
// per spec §1); the caller supplies the accept handler.
func (s *Session) Listen(bindIP string, port int, handler mio.Handler) (int, error) {
	return s.reactor.Listen(bindIP, port, handler, context.Background())
}
