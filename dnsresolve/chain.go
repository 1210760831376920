package dnsresolve

import (
	"log/slog"
	"time"

	"github.com/caffix/queue"
	"github.com/caffix/stringset"
	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// ResolvedFunc receives a finished resolution: domain (original Unicode
// form), the finalized results, and the collection TTL before clamping.
// This is out_resolve's input per spec §4.3.
type ResolvedFunc func(domain string, results map[string]*Result, collectionTTL time.Duration)

// Resolver drives C4's async SRV -> AAAA/A chain. Go's net/miekg-dns
// stack exposes no raw fd to register with mio's backend (spec §5's
// suspension-point language calls for the resolver's fd to be "integrated
// with the reactor as a normal fd"); each query instead runs on its own
// goroutine and posts its outcome onto a caffix/queue that the reactor
// drains once per Run() tick from the immediate-timeout phase, preserving
// the single-threaded-callback invariant without a real fd (see DESIGN.md's
// Open Question resolution).
type Resolver struct {
	client      *dns.Client
	servers     []string
	lookupSRV   []string
	resolveAAAA bool
	log         *slog.Logger

	outcomes queue.Queue // holds *resolveOutcome
}

type resolveOutcome struct {
	domain        string
	results       map[string]*Result
	collectionTTL time.Duration
}

// NewResolver builds a Resolver that queries the given upstream servers
// (host:port) for each of lookupSRV's service prefixes.
func NewResolver(servers, lookupSRV []string, resolveAAAA bool, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if len(servers) == 0 {
		log.Warn("resolver started with no upstream DNS servers; every lookup will return empty results")
	}
	// Deduplicate a misconfigured repeated SRV prefix, keeping the configured
	// order, so the SRV loop below never queries the same service name twice
	// for one domain.
	seen := stringset.New()
	prefixes := make([]string, 0, len(lookupSRV))
	for _, p := range lookupSRV {
		if seen.Has(p) {
			continue
		}
		seen.Insert(p)
		prefixes = append(prefixes, p)
	}
	return &Resolver{
		client:      &dns.Client{Timeout: 5 * time.Second},
		servers:     servers,
		lookupSRV:   prefixes,
		resolveAAAA: resolveAAAA,
		log:         log.With(slog.Group("component", "name", "dnsresolve")),
		outcomes:    queue.NewQueue(),
	}
}

// Drain processes every completed resolution currently queued, invoking fn
// for each. Intended to be called from an mio.TimeoutFunc registered on the
// reactor's immediate queue once per tick.
func (r *Resolver) Drain(fn ResolvedFunc) {
	r.outcomes.Process(func(data interface{}) {
		o, ok := data.(*resolveOutcome)
		if !ok {
			return
		}
		fn(o.domain, o.results, o.collectionTTL)
	})
}

// Start begins the async chain for a Query the caller has already
// registered as pending in the Cache (Cache.Pending). The outcome surfaces
// only through Drain.
func (r *Resolver) Start(q *Query) {
	go r.run(q)
}

func (r *Resolver) run(q *Query) {
	ascii, err := idna.Lookup.ToASCII(q.Domain)
	if err != nil {
		r.log.Warn("idna encode failed", "domain", q.Domain, "error", err)
		r.outcomes.Append(&resolveOutcome{domain: q.Domain})
		return
	}

	// Step 1: SRV lookup per configured prefix, in strict order, merging
	// every prefix's answers (progress to the next prefix on every
	// result, even success).
	for _, prefix := range r.lookupSRV {
		select {
		case <-q.ctx.Done():
			return
		default:
		}

		qname := prefix + "." + ascii
		answers, ttl, err := r.query(qname, dns.TypeSRV)
		if err != nil {
			r.log.Warn("SRV query failed", "name", qname, "error", err)
			continue
		}
		for _, rr := range answers {
			srv, ok := rr.(*dns.SRV)
			if !ok {
				r.log.Warn("malformed SRV record, skipping", "name", qname)
				continue
			}
			q.addHost(srv.Target, int(srv.Port), int(srv.Priority), srv.Weight,
				time.Duration(rr.Header().Ttl)*time.Second)
		}
		if ttl > 0 && ttl < q.minTTL {
			q.minTTL = ttl
		}
	}

	// Step 2: synthesize the fallback host when SRV yielded nothing.
	if len(q.hosts) == 0 {
		q.addHost(ascii, 5269, 0, 0, 0)
	}

	// Step 3: drain hosts one at a time, AAAA (if enabled) then always A.
	for _, h := range q.hosts {
		select {
		case <-q.ctx.Done():
			return
		default:
		}
		if r.resolveAAAA {
			r.expand(q, h, dns.TypeAAAA)
		}
		r.expand(q, h, dns.TypeA)
	}

	if q.minTTL == time.Duration(1<<63-1) {
		q.minTTL = 0
	}
	r.outcomes.Append(&resolveOutcome{domain: q.Domain, results: q.results, collectionTTL: q.minTTL})
}

// expand issues an AAAA or A query for h and records every answer into
// q.results, each capped by min(record TTL, h.expiry).
func (r *Resolver) expand(q *Query, h *host, qtype uint16) {
	answers, ttl, err := r.query(h.name, qtype)
	if err != nil {
		return
	}
	if ttl > 0 && ttl < q.minTTL {
		q.minTTL = ttl
	}

	for _, rr := range answers {
		var ip string
		switch a := rr.(type) {
		case *dns.A:
			ip = a.A.String()
		case *dns.AAAA:
			ip = a.AAAA.String()
		default:
			continue
		}
		recTTL := time.Duration(rr.Header().Ttl) * time.Second
		expiry := time.Now().Add(recTTL)
		if !h.expiry.IsZero() && h.expiry.Before(expiry) {
			expiry = h.expiry
		}
		q.addResult(ip, h.port, h.prio, h.weight, expiry)
	}
}

// query issues one DNS question against the configured upstream servers in
// order, returning the first successful answer set; NXDOMAIN is treated as
// "no data" rather than an error.
func (r *Resolver) query(name string, qtype uint16) ([]dns.RR, time.Duration, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.Exchange(m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return nil, 0, nil // NXDOMAIN: no data, not an error
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = &dnsRcodeError{name: name, rcode: resp.Rcode}
			continue
		}
		if len(resp.Answer) == 0 {
			return nil, 0, nil
		}

		minTTL := time.Duration(1<<63 - 1)
		for _, rr := range resp.Answer {
			if ttl := time.Duration(rr.Header().Ttl) * time.Second; ttl < minTTL {
				minTTL = ttl
			}
		}
		return resp.Answer, minTTL, nil
	}
	return nil, 0, lastErr
}

type dnsRcodeError struct {
	name  string
	rcode int
}

func (e *dnsRcodeError) Error() string {
	return "dnsresolve: " + e.name + ": rcode " + dns.RcodeToString[e.rcode]
}
