package dispatch

import (
	"crypto/sha1"
	"encoding/hex"
)

// DialbackKey computes the XEP-0220 dialback key: SHA1(local_secret ||
// remote_domain || stream_id), hex-encoded. The algorithm is fixed for
// interop per the design note resolving the key-material open question;
// local_secret sizing is left to deployment policy.
func DialbackKey(secret, remoteDomain, streamID string) string {
	h := sha1.New()
	h.Write([]byte(secret))
	h.Write([]byte(remoteDomain))
	h.Write([]byte(streamID))
	return hex.EncodeToString(h.Sum(nil))
}
