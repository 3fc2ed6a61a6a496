// Package relay coordinates WebRTC signaling through a rendezvous relay and
// owns the per-peer session lifecycle. It never carries document data; only
// offers, answers, and ICE candidates pass through the relay.
package relay

import "strings"

const (
	// addressPrefix namespaces gardensync addresses on a shared relay.
	addressPrefix = "gsync-"
	// maxAddressLength caps the derived address, prefix included.
	maxAddressLength = 40
)

// PeerAddress derives the relay address for a device from its base64 public
// key: non-alphanumerics stripped, prefixed, capped. Deterministic, so any
// device can compute any paired peer's address without a directory.
func PeerAddress(publicKeyBase64 string) string {
	var b strings.Builder
	b.WriteString(addressPrefix)
	for _, r := range publicKeyBase64 {
		if b.Len() >= maxAddressLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > maxAddressLength {
		out = out[:maxAddressLength]
	}
	return out
}
