package dispatch

import (
	"testing"
	"time"

	"github.com/jabberd-go/s2s/config"
	"github.com/jabberd-go/s2s/conntable"
	"github.com/jabberd-go/s2s/dnsresolve"
	"github.com/jabberd-go/s2s/mio"
	"github.com/jabberd-go/s2s/xmpp"
)

type fakeCodec struct {
	packets []*xmpp.Packet
	closed  bool
}

func (f *fakeCodec) WritePacket(pkt *xmpp.Packet) error {
	f.packets = append(f.packets, pkt)
	return nil
}

func (f *fakeCodec) Close() { f.closed = true }

func newTestEngine(t *testing.T) (*Engine, *[]string) {
	t.Helper()
	cfg := config.Default()
	cfg.LocalSecret = "s3cr3t"

	reactor, err := mio.New(64, mio.BackendPoll, nil)
	if err != nil {
		t.Fatalf("mio.New: %v", err)
	}
	resolver := dnsresolve.NewResolver(nil, cfg.LookupSRV, cfg.ResolveAAAA, nil)

	var bounced []string
	bounce := func(pkt *xmpp.Packet, reason string) {
		bounced = append(bounced, pkt.RouteKey()+":"+reason)
	}

	return New(cfg, reactor, resolver, bounce, nil), &bounced
}

func testPacket(from, to string) *xmpp.Packet {
	return &xmpp.Packet{
		From: xmpp.JID{Domain: from},
		To:   xmpp.JID{Domain: to},
		Doc:  &xmpp.NAD{Elements: []xmpp.Element{{Name: "message", Namespace: "jabber:client"}}},
	}
}

func TestOutPacketWritesImmediatelyOnValidRoute(t *testing.T) {
	e, _ := newTestEngine(t)
	pkt := testPacket("a.example", "b.example")
	rkey := pkt.RouteKey()

	conn := conntable.NewConn("1.2.3.4", 5269)
	conn.Online = true
	conn.AddRoute(rkey)
	conn.SetState(rkey, conntable.StateValid)
	fc := &fakeCodec{}
	conn.Codec = fc
	e.table.PutDomain("b.example", conn)

	e.OutPacket(pkt)

	if len(fc.packets) != 1 {
		t.Fatalf("expected 1 packet written, got %d", len(fc.packets))
	}
	if conn.PacketCount != 1 {
		t.Errorf("expected PacketCount incremented, got %d", conn.PacketCount)
	}
	if _, pending := e.routes.Get(rkey); pending {
		t.Error("expected no pending queue for a route that was written immediately")
	}
}

func TestOutPacketQueuesWhileInProgress(t *testing.T) {
	e, _ := newTestEngine(t)
	pkt := testPacket("a.example", "b.example")
	rkey := pkt.RouteKey()

	conn := conntable.NewConn("1.2.3.4", 5269)
	conn.Online = true
	conn.AddRoute(rkey)
	conn.SetState(rkey, conntable.StateInProgress)
	fc := &fakeCodec{}
	conn.Codec = fc
	e.table.PutDomain("b.example", conn)

	e.OutPacket(pkt)

	if len(fc.packets) != 0 {
		t.Fatalf("expected no write while INPROGRESS, got %d", len(fc.packets))
	}
	oq, ok := e.routes.Get(rkey)
	if !ok || oq.Len() != 1 {
		t.Fatalf("expected the packet queued for route %s", rkey)
	}
}

func TestOutPacketKicksOffDialbackOnUnknownState(t *testing.T) {
	e, _ := newTestEngine(t)
	pkt := testPacket("a.example", "b.example")
	rkey := pkt.RouteKey()

	conn := conntable.NewConn("1.2.3.4", 5269)
	conn.Online = true
	conn.AddRoute(rkey)
	fc := &fakeCodec{}
	conn.Codec = fc
	e.table.PutDomain("b.example", conn)

	e.OutPacket(pkt)

	if conn.States[rkey] != conntable.StateInProgress {
		t.Fatalf("expected route to transition to INPROGRESS, got %s", conn.States[rkey])
	}
	if len(fc.packets) != 1 {
		t.Fatalf("expected exactly the db:result dialback packet written, got %d", len(fc.packets))
	}
	if oq, ok := e.routes.Get(rkey); !ok || oq.Len() != 1 {
		t.Fatal("expected the original stanza still queued pending dialback completion")
	}
}

func TestOutPacketQueuesWhileConnectionOffline(t *testing.T) {
	e, _ := newTestEngine(t)
	pkt := testPacket("a.example", "b.example")
	rkey := pkt.RouteKey()

	conn := conntable.NewConn("1.2.3.4", 5269)
	conn.AddRoute(rkey)
	e.table.PutDomain("b.example", conn)

	e.OutPacket(pkt)

	if oq, ok := e.routes.Get(rkey); !ok || oq.Len() != 1 {
		t.Fatal("expected the packet queued while the connection is not yet online")
	}
}

func TestOutPacketBouncesOnMalformedRouteKey(t *testing.T) {
	e, bounced := newTestEngine(t)
	pkt := &xmpp.Packet{From: xmpp.JID{}, To: xmpp.JID{Domain: "b.example"}}

	e.OutPacket(pkt)

	if len(*bounced) != 1 {
		t.Fatalf("expected one bounce for a packet with no from-domain, got %v", *bounced)
	}
}

func TestCloseConnRetriesWithinLimit(t *testing.T) {
	e, bounced := newTestEngine(t)
	e.cfg.RetryLimit = time.Hour
	rkey := "a.example/b.example"

	// A second, already-VALID connection is reachable for b.example, so the
	// retried packet writes immediately instead of re-entering resolution.
	target := conntable.NewConn("9.9.9.9", 5269)
	target.Online = true
	target.AddRoute(rkey)
	target.SetState(rkey, conntable.StateValid)
	fc := &fakeCodec{}
	target.Codec = fc
	e.table.PutDomain("b.example", target)

	closing := conntable.NewConn("1.2.3.4", 5269)
	closing.AddRoute(rkey)
	e.routes.Push(rkey, testPacket("a.example", "b.example"))

	e.CloseConn(closing, nil)

	if len(*bounced) != 0 {
		t.Fatalf("expected a retry (no bounce) within the retry limit, got %v", *bounced)
	}
	if len(fc.packets) != 1 {
		t.Fatalf("expected the retried packet delivered to the reachable connection, got %d", len(fc.packets))
	}
}

func TestCloseConnBouncesPastRetryLimit(t *testing.T) {
	e, bounced := newTestEngine(t)
	e.cfg.RetryLimit = time.Hour
	rkey := "a.example/b.example"

	closing := conntable.NewConn("1.2.3.4", 5269)
	closing.AddRoute(rkey)
	oq := e.routes.Push(rkey, testPacket("a.example", "b.example"))
	oq.Age = time.Now().Add(-2 * time.Hour)

	e.CloseConn(closing, nil)

	if len(*bounced) != 1 {
		t.Fatalf("expected a bounce once the queue exceeded the retry limit, got %v", *bounced)
	}
}
