package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/clearhold-labs/clearhold/core/pkg/crypto"
)

const keyPath = "data/signing.key"

// loadOrGenerateSigner reads the hex-encoded Ed25519 seed from disk, or
// generates and persists one on first boot. The receipt chain depends on
// key stability across restarts.
func loadOrGenerateSigner(keyID string) (*crypto.Ed25519Signer, error) {
	if keyHex, err := os.ReadFile(keyPath); err == nil {
		seed, err := hex.DecodeString(string(keyHex))
		if err != nil {
			return nil, fmt.Errorf("invalid signing key format: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
		}
		return crypto.NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
	}

	signer, err := crypto.NewEd25519Signer(keyID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	seed := signer.PrivateKey().Seed()
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	return signer, nil
}
