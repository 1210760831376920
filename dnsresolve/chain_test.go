package dnsresolve

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startTestDNSServer serves handler over UDP on loopback and returns its
// "ip:port" address plus a cleanup func.
func startTestDNSServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}

	srv := &dns.Server{PacketConn: pc, Handler: handler}
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go srv.ActivateAndServe()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("test DNS server never started")
	}
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestResolverRunChainsSRVThenA(t *testing.T) {
	addr := startTestDNSServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)

		switch {
		case req.Question[0].Qtype == dns.TypeSRV:
			rr, err := dns.NewRR("_xmpp-server._tcp.b.example. 300 IN SRV 10 1 5269 node1.b.example.")
			if err != nil {
				t.Fatalf("NewRR: %v", err)
			}
			m.Answer = append(m.Answer, rr)
		case req.Question[0].Qtype == dns.TypeA && req.Question[0].Name == "node1.b.example.":
			rr, err := dns.NewRR("node1.b.example. 300 IN A 198.51.100.7")
			if err != nil {
				t.Fatalf("NewRR: %v", err)
			}
			m.Answer = append(m.Answer, rr)
		}
		w.WriteMsg(m)
	})

	r := NewResolver([]string{addr}, []string{"_xmpp-server._tcp"}, false, nil)
	q := NewQuery("b.example")

	done := make(chan struct{})
	go func() {
		r.run(q)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run never completed")
	}

	var outcome *resolveOutcome
	r.outcomes.Process(func(data interface{}) {
		if o, ok := data.(*resolveOutcome); ok {
			outcome = o
		}
	})
	if outcome == nil {
		t.Fatal("expected run to post an outcome")
	}
	if len(outcome.results) != 1 {
		t.Fatalf("expected exactly one A result reached through the SRV chain, got %d", len(outcome.results))
	}
	for _, res := range outcome.results {
		if res.IP != "198.51.100.7" || res.Port != 5269 {
			t.Errorf("unexpected result %+v", res)
		}
	}
}

func TestResolverRunFallsBackToDomainWhenSRVEmpty(t *testing.T) {
	addr := startTestDNSServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		if req.Question[0].Qtype == dns.TypeA && req.Question[0].Name == "c.example." {
			rr, err := dns.NewRR("c.example. 300 IN A 203.0.113.9")
			if err != nil {
				t.Fatalf("NewRR: %v", err)
			}
			m.Answer = append(m.Answer, rr)
		}
		// SRV queries get an empty NOERROR answer, as if no SRV records exist.
		w.WriteMsg(m)
	})

	r := NewResolver([]string{addr}, []string{"_xmpp-server._tcp"}, false, nil)
	q := NewQuery("c.example")
	r.run(q)

	var outcome *resolveOutcome
	r.outcomes.Process(func(data interface{}) {
		if o, ok := data.(*resolveOutcome); ok {
			outcome = o
		}
	})
	if outcome == nil {
		t.Fatal("expected run to post an outcome")
	}
	if len(outcome.results) != 1 {
		t.Fatalf("expected the synthesized fallback host (port 5269) to resolve, got %d results", len(outcome.results))
	}
	for _, res := range outcome.results {
		if res.Port != 5269 {
			t.Errorf("expected the fallback host's default port 5269, got %d", res.Port)
		}
	}
}

func TestResolverExpandSkipsOnQueryError(t *testing.T) {
	r := NewResolver([]string{"127.0.0.1:1"}, nil, false, nil) // nothing listens on port 1
	q := NewQuery("d.example")
	h := &host{name: "d.example", port: 5269}

	r.expand(q, h, dns.TypeA)

	if len(q.results) != 0 {
		t.Errorf("expected no results when every upstream query fails, got %d", len(q.results))
	}
}

func TestResolverQueryTreatsNXDOMAINAsNoData(t *testing.T) {
	addr := startTestDNSServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeNameError)
		w.WriteMsg(m)
	})

	r := NewResolver([]string{addr}, nil, false, nil)
	answers, ttl, err := r.query("nowhere.example.", dns.TypeA)

	if err != nil {
		t.Fatalf("expected NXDOMAIN treated as no-data, not an error, got %v", err)
	}
	if answers != nil || ttl != 0 {
		t.Errorf("expected nil/zero results for NXDOMAIN, got %v/%v", answers, ttl)
	}
}
