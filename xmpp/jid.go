// Package xmpp holds the minimal stand-in types for the XMPP data model
// that spec.md treats as external collaborators (JID parsing, NAD/XML
// representation) — just enough surface for dispatch and stream to compile
// and be exercised, not a parser.
package xmpp

import "strings"

// JID is an XMPP Jabber ID. Only Domain is meaningful to the dispatch
// engine; Node and Resource are carried for completeness of the Packet
// envelope.
type JID struct {
	Node     string
	Domain   string
	Resource string
}

// ParseJID splits "node@domain/resource" into its parts. It performs no
// Nodeprep/Resourceprep normalization — that lives in the out-of-scope JID
// parser this type stands in for.
func ParseJID(s string) JID {
	var jid JID

	if at := strings.IndexByte(s, '@'); at >= 0 {
		jid.Node = s[:at]
		s = s[at+1:]
	}
	if slash := strings.IndexByte(s, '/'); slash >= 0 {
		jid.Resource = s[slash+1:]
		s = s[:slash]
	}
	jid.Domain = s
	return jid
}

// String reassembles the JID.
func (j JID) String() string {
	var b strings.Builder
	if j.Node != "" {
		b.WriteString(j.Node)
		b.WriteByte('@')
	}
	b.WriteString(j.Domain)
	if j.Resource != "" {
		b.WriteByte('/')
		b.WriteString(j.Resource)
	}
	return b.String()
}
