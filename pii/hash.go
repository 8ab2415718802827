// Package pii hashes customer-identifying values for log and metric labels.
// Tenant identifiers are customer data; with a salt configured, log fields
// carry a short keyed digest instead of the raw id. Raw ids still flow to
// the store and the API, which are access controlled.
package pii

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// labelLength truncates digests to 16 hex characters: short enough for log
// lines, long enough to correlate within one deployment.
const labelLength = 16

// Hasher produces salted label digests. A nil Hasher passes values through
// unchanged, so wiring is optional.
type Hasher struct {
	salt []byte
}

// New builds a Hasher with the given salt. An empty salt returns nil,
// meaning labels stay raw.
func New(salt string) *Hasher {
	if salt == "" {
		return nil
	}
	return &Hasher{salt: []byte(salt)}
}

// Label returns the loggable form of value: a truncated HMAC-SHA256 digest
// under the configured salt, or value itself on a nil Hasher.
func (h *Hasher) Label(value string) string {
	if h == nil {
		return value
	}
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))[:labelLength]
}
