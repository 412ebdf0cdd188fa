// Package digest provides the SHA-256 digest utilities used by the audit
// chain. Every entry hash in the trail is a lowercase hex SHA-256 digest, and
// the chain is anchored on a fixed genesis constant. Keeping this logic in a
// dedicated package applies consistent hashing behaviour across the trail,
// its stores, and the export verifier without duplicating crypto/sha256
// wiring throughout the codebase. The digest is keyless on purpose: tamper
// evidence comes from recomputing the chain, not from signatures.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
)

// Genesis is the previous-hash value of the very first entry in any trail:
// the all-zero digest, 64 hex characters. It is a fixed public constant so
// an independent verifier can recompute an exported chain from scratch.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// HexLen is the length of an encoded SHA-256 digest.
const HexLen = 64

// Bytes returns the lowercase hex SHA-256 digest of data.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Valid reports whether s is syntactically a SHA-256 hex digest.
func Valid(s string) bool {
	if len(s) != HexLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
