// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of Clearhold artifacts.
//
// Every fingerprint in the kernel — action hashes, policy hashes, receipt
// hashes — is SHA-256 over the JCS form, so two processes serializing the
// same value always agree on the digest.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix tags every digest produced by this package.
const HashPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json (so struct tags are honored),
// then transformed into canonical form: lexicographically sorted keys,
// no HTML escaping, shortest-form numbers.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the prefixed SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the prefixed SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// JCSString returns the canonical form as a string.
func JCSString(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
