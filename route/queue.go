// Package route is C5: route state lives primarily on conntable.Conn
// (States/StatesTime), but the per-route packet queue (outq) that backs
// queueing-during-resolution/connect/dialback, and bounce-on-failure, is
// owned here.
package route

import (
	"sync"
	"time"

	"github.com/caffix/queue"
	"github.com/jabberd-go/s2s/xmpp"
)

// Queue is outq: a FIFO of packets queued for one route key, plus the age
// of its oldest pending packet (spec §3 "Per-route queue").
type Queue struct {
	RouteKey string
	Age      time.Time
	q        queue.Queue
	depth    int
}

func newQueue(routeKey string) *Queue {
	return &Queue{RouteKey: routeKey, q: queue.NewQueue()}
}

// Push appends pkt, stamping Age on the first packet only, per spec's
// "age = time first packet enqueued".
func (oq *Queue) Push(pkt *xmpp.Packet) {
	if oq.depth == 0 {
		oq.Age = time.Now()
	}
	oq.q.Append(pkt)
	oq.depth++
}

// Drain removes and returns every queued packet in FIFO order.
func (oq *Queue) Drain() []*xmpp.Packet {
	var pkts []*xmpp.Packet
	oq.q.Process(func(data interface{}) {
		if p, ok := data.(*xmpp.Packet); ok {
			pkts = append(pkts, p)
		}
	})
	oq.depth = 0
	return pkts
}

// Len reports the number of packets currently queued.
func (oq *Queue) Len() int { return oq.depth }

// Tracker owns every route's Queue, keyed by "from/to". Per spec §3's
// invariant, an entry exists for a route iff at least one packet is
// pending for it — Tracker enforces this by deleting a route's Queue the
// moment it drains empty.
type Tracker struct {
	mu      sync.Mutex
	queues  map[string]*Queue
}

func NewTracker() *Tracker {
	return &Tracker{queues: make(map[string]*Queue)}
}

// Push enqueues pkt for its route, creating the Queue entry if absent.
func (t *Tracker) Push(routeKey string, pkt *xmpp.Packet) *Queue {
	t.mu.Lock()
	defer t.mu.Unlock()

	oq, ok := t.queues[routeKey]
	if !ok {
		oq = newQueue(routeKey)
		t.queues[routeKey] = oq
	}
	oq.Push(pkt)
	return oq
}

// Drain removes and returns the route's queue contents, deleting the entry
// to preserve the "entry exists iff non-empty" invariant.
func (t *Tracker) Drain(routeKey string) []*xmpp.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()

	oq, ok := t.queues[routeKey]
	if !ok {
		return nil
	}
	pkts := oq.Drain()
	delete(t.queues, routeKey)
	return pkts
}

// Get returns the route's Queue without draining it, for age inspection
// (retry-limit bounce decisions).
func (t *Tracker) Get(routeKey string) (*Queue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	oq, ok := t.queues[routeKey]
	return oq, ok
}

// QueueInfo is a read-only snapshot of one route's queue depth/age, for the
// admin status surface.
type QueueInfo struct {
	RouteKey string
	Depth    int
	Age      time.Time
}

// Snapshot returns a point-in-time copy of every route's queue depth/age.
func (t *Tracker) Snapshot() []QueueInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := make([]QueueInfo, 0, len(t.queues))
	for _, oq := range t.queues {
		info = append(info, QueueInfo{RouteKey: oq.RouteKey, Depth: oq.depth, Age: oq.Age})
	}
	return info
}

// RoutesOlderThan returns every route key whose queue age exceeds limit,
// for the retry-limit bounce check in spec §4.3's state machine.
func (t *Tracker) RoutesOlderThan(limit time.Duration, now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []string
	for key, oq := range t.queues {
		if oq.depth > 0 && now.Sub(oq.Age) > limit {
			keys = append(keys, key)
		}
	}
	return keys
}
