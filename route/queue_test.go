package route_test

import (
	"testing"
	"time"

	"github.com/jabberd-go/s2s/route"
	"github.com/jabberd-go/s2s/xmpp"
)

func TestQueueFIFOOrder(t *testing.T) {
	tr := route.NewTracker()
	routeKey := "a.example/b.example"

	p1 := &xmpp.Packet{From: xmpp.JID{Domain: "a.example"}, To: xmpp.JID{Domain: "b.example"}}
	p2 := &xmpp.Packet{From: xmpp.JID{Domain: "a.example"}, To: xmpp.JID{Domain: "b.example"}}

	tr.Push(routeKey, p1)
	tr.Push(routeKey, p2)

	pkts := tr.Drain(routeKey)
	if len(pkts) != 2 || pkts[0] != p1 || pkts[1] != p2 {
		t.Fatalf("expected FIFO order [p1 p2], got %v", pkts)
	}
}

func TestEntryExistsOnlyWhilePending(t *testing.T) {
	tr := route.NewTracker()
	routeKey := "a.example/b.example"

	if _, ok := tr.Get(routeKey); ok {
		t.Fatal("expected no queue entry before any packet is pushed")
	}

	tr.Push(routeKey, &xmpp.Packet{})
	if _, ok := tr.Get(routeKey); !ok {
		t.Fatal("expected a queue entry once a packet is pending")
	}

	tr.Drain(routeKey)
	if _, ok := tr.Get(routeKey); ok {
		t.Fatal("expected the queue entry to be removed once drained empty")
	}
}

func TestAgeStampedOnFirstPacketOnly(t *testing.T) {
	tr := route.NewTracker()
	routeKey := "a.example/b.example"

	oq := tr.Push(routeKey, &xmpp.Packet{})
	firstAge := oq.Age

	time.Sleep(5 * time.Millisecond)
	oq = tr.Push(routeKey, &xmpp.Packet{})

	if !oq.Age.Equal(firstAge) {
		t.Errorf("expected Age to remain stamped at first-enqueue time, got %v vs %v", oq.Age, firstAge)
	}
}

func TestRoutesOlderThan(t *testing.T) {
	tr := route.NewTracker()
	tr.Push("a.example/old.example", &xmpp.Packet{})

	old := tr.RoutesOlderThan(0, time.Now().Add(time.Hour))
	if len(old) != 1 || old[0] != "a.example/old.example" {
		t.Fatalf("expected the aged route to be reported, got %v", old)
	}

	fresh := tr.RoutesOlderThan(time.Hour, time.Now())
	if len(fresh) != 0 {
		t.Fatalf("expected no routes reported within the age limit, got %v", fresh)
	}
}
