package dnsresolve

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// host is one SRV-derived target awaiting AAAA/A expansion (spec §3
// "intermediate hosts mapping").
type host struct {
	name   string
	port   int
	prio   int
	weight int64
	expiry time.Time
}

// Query is dnsquery: per-in-flight-resolution bookkeeping. Domain is the
// cache key, the original Unicode domain; asyncID identifies the
// goroutine driving the chain so Cancel can stop it by identity, the Go
// equivalent of spec §3's "async_id, have_async_id for cancellation".
type Query struct {
	Domain  string
	asyncID string

	hosts   map[string]*host // awaiting A/AAAA expansion, capped at maxResults
	results map[string]*Result
	minTTL  time.Duration // minimum TTL seen across every answer so far

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQuery starts a fresh in-flight bookkeeping record for domain.
func NewQuery(domain string) *Query {
	ctx, cancel := context.WithCancel(context.Background())
	return &Query{
		Domain:  domain,
		asyncID: uuid.NewString(),
		hosts:   make(map[string]*host),
		results: make(map[string]*Result),
		minTTL:  time.Duration(1<<63 - 1), // unset sentinel, narrowed by the first answer
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Cancel stops the query's goroutine at its next cancellation check point.
// Per spec §3, this is identified by async_id, not by domain, since a
// domain may be re-queried before the prior query's goroutine has noticed
// cancellation.
func (q *Query) Cancel() { q.cancel() }

// addHost inserts a SRV-derived target into hosts via the weight-shift
// rule, capped at maxResults (spec §3 invariant).
func (q *Query) addHost(name string, port int, prio int, rawWeight uint16, ttl time.Duration) {
	if len(q.hosts) >= maxResults {
		return
	}
	key := hostPortKeyName(name, port)
	q.hosts[key] = &host{
		name:   name,
		port:   port,
		prio:   prio,
		weight: shiftWeight(rawWeight),
		expiry: time.Now().Add(ttl),
	}
	if ttl < q.minTTL {
		q.minTTL = ttl
	}
}

// addResult inserts a finalized A/AAAA answer into results, capped at
// maxResults.
func (q *Query) addResult(ip string, port, prio int, weight int64, expiry time.Time) {
	if len(q.results) >= maxResults {
		return
	}
	q.results[hostPortKey(ip, port)] = &Result{
		Key: hostPortKey(ip, port), IP: ip, Port: port,
		Prio: prio, Weight: weight, Expiry: expiry,
	}
}

func hostPortKeyName(name string, port int) string {
	return name + ":" + strconv.Itoa(port)
}
