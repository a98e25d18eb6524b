// Package idgen generates entity identifiers.
//
// Persisted entities use RFC 4122 UUIDs, matching the 128-bit key
// columns in the schema. Non-persisted identifiers (request IDs, event
// IDs) use short prefixed hex strings.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random UUID string, e.g.
// "1b4e28ba-2fa1-41d2-883f-0016d3cca427".
func New() string {
	return uuid.NewString()
}

// WithPrefix returns a short random ID under a namespace prefix
// (e.g. "req_", "evt_"): prefix + 24 hex chars.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
