package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalHash returns the SHA-256 of the JCS (RFC 8785) canonical
// form of a JSON payload. Two payloads that differ only in key order
// or whitespace hash identically, so the hash is a stable provenance
// fingerprint for cached snapshots.
func CanonicalHash(raw []byte) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
