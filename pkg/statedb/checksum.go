package statedb

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Checksum hashes a resource's serialized state for drift detection and
// idempotence short-circuiting: two probes of the same resource produce the
// same checksum iff the persisted JSON is byte-identical.
func Checksum(state []byte) string {
	sum := blake2b.Sum256(state)
	return hex.EncodeToString(sum[:])
}
