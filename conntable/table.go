// Package conntable is C3: the outbound connection table. It maps
// "ip/port" to an outbound connection, remote domain to an outbound
// connection, and (via a narrow interface) incoming stream id to an
// incoming connection owned by the out-of-scope in-bound subsystem.
package conntable

import (
	"fmt"
	"sync"
	"time"

	"github.com/jabberd-go/s2s/xmpp"
)

// RouteState is the per-route authentication state on a connection, per
// spec §3/§4.3's state machine.
type RouteState int

const (
	StateNone RouteState = iota
	StateInProgress
	StateValid
)

func (s RouteState) String() string {
	switch s {
	case StateInProgress:
		return "in-progress"
	case StateValid:
		return "valid"
	default:
		return "none"
	}
}

// Conn is the outbound connection record (spec §3 "Outbound connection").
type Conn struct {
	FD int

	IP   string
	Port int
	Key  string // "ip/port"
	DKey string // single pinned remote domain, used only when reuse is disabled

	// StreamID is the peer's stream id from its negotiated <stream:stream>
	// open tag, captured by the stream codec glue once received. Dialback
	// keys are bound to this, not to the route key, per XEP-0220.
	StreamID string

	// Routes is the set of "from-domain/to-domain" keys multiplexed on
	// this connection.
	Routes map[string]struct{}
	// States maps route key to {INPROGRESS, VALID}; absence means unknown.
	States map[string]RouteState
	// StatesTime records when INPROGRESS was set for a route, used by the
	// dispatch engine's retry-limit bounce logic.
	StatesTime map[string]time.Time

	Online      bool
	Verify      int // outstanding db:verify count
	LastPacket  time.Time
	LastActivity time.Time
	LastVerify  time.Time
	PacketCount int64
	InitTime    time.Time

	// Codec is the stream codec handle (spec §3's "the stream codec
	// handle"), set by the stream glue's Bind as soon as the reactor has
	// registered the outbound connect, before that connect completes. It is the
	// out-of-scope XMPP stream collaborator (spec §1); dispatch writes
	// packets through it and never touches the wire directly.
	Codec Codec
}

// Codec is the narrow interface the out-of-scope XMPP stream codec (C7)
// implements so the dispatch engine can write packets and tear down a
// stream without depending on the stream package directly.
type Codec interface {
	WritePacket(pkt *xmpp.Packet) error
	Close()
}

// NewConn creates a Conn for ip:port keyed by "ip/port".
func NewConn(ip string, port int) *Conn {
	return &Conn{
		IP:         ip,
		Port:       port,
		Key:        fmt.Sprintf("%s/%d", ip, port),
		Routes:     make(map[string]struct{}),
		States:     make(map[string]RouteState),
		StatesTime: make(map[string]time.Time),
		InitTime:   time.Now(),
	}
}

// AddRoute registers a route on this connection. It never by itself sets a
// VALID state — that only happens on a successful dialback — preserving
// the invariant that an offline connection never carries a VALID state.
func (c *Conn) AddRoute(routeKey string) {
	c.Routes[routeKey] = struct{}{}
}

// Domains returns the distinct "to" domains of every route multiplexed on
// c, for RemoveConn's out_dest cleanup when the connection closes.
func (c *Conn) Domains() []string {
	seen := make(map[string]struct{}, len(c.Routes))
	domains := make([]string, 0, len(c.Routes))
	for rkey := range c.Routes {
		i := 0
		for ; i < len(rkey); i++ {
			if rkey[i] == '/' {
				break
			}
		}
		if i == len(rkey) {
			continue
		}
		to := rkey[i+1:]
		if _, ok := seen[to]; ok {
			continue
		}
		seen[to] = struct{}{}
		domains = append(domains, to)
	}
	return domains
}

// SetState transitions routeKey's state and, for INPROGRESS, stamps
// StatesTime for the retry-limit bounce logic.
func (c *Conn) SetState(routeKey string, state RouteState) {
	c.States[routeKey] = state
	if state == StateInProgress {
		c.StatesTime[routeKey] = time.Now()
	}
}

// IncomingConn is the narrow interface the in-bound S2S subsystem (out of
// scope) implements so _out_verify can look up an incoming stream by id.
type IncomingConn interface {
	StreamID() string
	SetRouteValid(routeKey string, valid bool)
	SendResult(routeKey, typ string)
	RaiseStreamError(err string)
	Close()
}

// Table is C3: the three lookup indices, guarded by a single mutex. The
// dispatch engine's design note (spec §9) calls for process-wide state
// owned by a single engine instance accessed only from reactor/timer
// callbacks; the mutex here is a belt-and-braces guard for the admin HTTP
// surface, which reads the table from its own goroutine.
type Table struct {
	mu sync.Mutex

	byHostPort map[string]*Conn // "ip/port" -> Conn  (out_host)
	byDomain   map[string]*Conn // remote domain -> Conn (out_dest)
	incoming   map[string]IncomingConn
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		byHostPort: make(map[string]*Conn),
		byDomain:   make(map[string]*Conn),
		incoming:   make(map[string]IncomingConn),
	}
}

// ByHostPort looks up a shared outbound connection by "ip/port" (out_host).
func (t *Table) ByHostPort(key string) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byHostPort[key]
	return c, ok
}

// ByDomain looks up a connection pinned to a single destination domain
// (out_dest).
func (t *Table) ByDomain(domain string) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byDomain[domain]
	return c, ok
}

// PutHostPort registers c under its Key, unique per "ip/port" (spec §3's
// invariant on out_host).
func (t *Table) PutHostPort(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byHostPort[c.Key] = c
}

// PutDomain registers c for domain (out_dest). Used both when reuse is
// enabled (c also lives in byHostPort) and when it is disabled (c lives
// only here, pinned via DKey).
func (t *Table) PutDomain(domain string, c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byDomain[domain] = c
}

// RemoveDomain deletes domain's out_dest entry, used when a connection
// transitions to CLOSED (spec §4.3's state machine).
func (t *Table) RemoveDomain(domain string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byDomain, domain)
}

// RemoveConn deletes c from both indices, by every domain it's reachable
// under plus its host/port key.
func (t *Table) RemoveConn(c *Conn, domains []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byHostPort, c.Key)
	for _, d := range domains {
		if existing, ok := t.byDomain[d]; ok && existing == c {
			delete(t.byDomain, d)
		}
	}
}

// ConnInfo is a read-only snapshot of one outbound connection, for the
// admin status surface.
type ConnInfo struct {
	Key          string
	Online       bool
	Routes       map[string]string // route key -> state string
	PacketCount  int64
	LastActivity time.Time
}

// Snapshot returns a point-in-time copy of every connection, deduplicated
// by Key (a connection pinned to one domain with reuse disabled lives only
// in byDomain; a shared one lives in both indices under the same Key).
func (t *Table) Snapshot() []ConnInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]*Conn)
	for _, c := range t.byHostPort {
		seen[c.Key] = c
	}
	for _, c := range t.byDomain {
		seen[c.Key] = c
	}

	info := make([]ConnInfo, 0, len(seen))
	for _, c := range seen {
		routes := make(map[string]string, len(c.Routes))
		for rkey := range c.Routes {
			routes[rkey] = c.States[rkey].String()
		}
		info = append(info, ConnInfo{
			Key:          c.Key,
			Online:       c.Online,
			Routes:       routes,
			PacketCount:  c.PacketCount,
			LastActivity: c.LastActivity,
		})
	}
	return info
}

// PutIncoming / Incoming / RemoveIncoming manage the incoming-stream-id
// index the in-bound subsystem populates and _out_verify consults.
func (t *Table) PutIncoming(streamID string, c IncomingConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.incoming[streamID] = c
}

func (t *Table) Incoming(streamID string) (IncomingConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.incoming[streamID]
	return c, ok
}

func (t *Table) RemoveIncoming(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.incoming, streamID)
}
