// Package ids generates unique identifiers for runtime entities
// (commands, audit records, events, bus messages).
package ids

import "github.com/google/uuid"

// New returns a new random identifier (UUIDv4).
func New() string {
	return uuid.NewString()
}

// NewPrefixed returns a new identifier with a type prefix, e.g. "evt_<uuid>".
func NewPrefixed(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
