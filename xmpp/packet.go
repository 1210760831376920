package xmpp

// Packet is an outbound stanza: the parsed document plus the from/to JIDs
// dispatch needs without re-parsing the document, and the dialback flag
// that routes it through out_packet's dialback branch instead of the
// client-namespace rewrite branch.
type Packet struct {
	Doc  *NAD
	From JID
	To   JID
	// DB marks this packet as dialback protocol traffic (db:result,
	// db:verify) rather than ordinary stanza content.
	DB bool
}

// RouteKey returns "from-domain/to-domain", the key used throughout route
// and conntable.
func (p *Packet) RouteKey() string {
	return p.From.Domain + "/" + p.To.Domain
}
