package dnsresolve

import "golang.org/x/net/idna"

// EncodeDomain converts a Unicode domain to its ASCII (Punycode) wire form
// for querying, per spec §4.2 "Domain labels are IDNA-encoded before
// querying".
func EncodeDomain(domain string) (string, error) {
	return idna.Lookup.ToASCII(domain)
}

// DecodeDomain converts an ASCII wire-form domain back to Unicode, per
// spec §4.2 "IDNA-decoded before handing the result back so the cache key
// matches the original domain".
func DecodeDomain(ascii string) (string, error) {
	return idna.Lookup.ToUnicode(ascii)
}
