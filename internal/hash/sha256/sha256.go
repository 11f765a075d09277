// Package sha256 provides the SHA-256 fingerprints used to version scoring
// weight sets and exported snapshots.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher produces hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint returns the first n hex characters of the digest. A
// non-positive or oversized n yields the full digest.
func (h *Hasher) Fingerprint(data []byte, n int) string {
	digest, _ := h.Hash(data)
	if n <= 0 || n >= len(digest) {
		return digest
	}
	return digest[:n]
}
