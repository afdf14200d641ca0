package util

import (
	"crypto/rand"
	"encoding/hex"
)

const idEntropyBytes = 16

// NewID returns a random identifier, optionally namespaced as "prefix_hex".
// Collision probability at 128 bits of entropy is negligible for our volumes.
func NewID(prefix string) string {
	buf := make([]byte, idEntropyBytes)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
