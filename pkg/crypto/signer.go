// Package crypto provides Ed25519 signing and verification for Clearhold
// artifacts. Receipts and escalation decisions are signed over their
// JCS-canonical form with the signature field blanked, so holders of the
// published verification key can re-check them offline.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/clearhold-labs/clearhold/core/pkg/canonical"
	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
)

// Signature type components.
const (
	SigSeparator     = ":"
	SigPrefixEd25519 = "ed25519"
)

// Signer signs kernel artifacts.
type Signer interface {
	Sign(data []byte) (string, error)
	KeyID() string
	PublicKey() string
	SignReceipt(r *contracts.Receipt) error
	SignEscalation(d *contracts.EscalationDecision) error
}

// Ed25519Signer implements Signer.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh key pair.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

// PublicKey returns the hex-encoded verification key.
func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

// PrivateKey exposes the raw private key for token signing.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey { return s.privKey }

// SignReceipt signs the canonical receipt and records the key id used.
func (s *Ed25519Signer) SignReceipt(r *contracts.Receipt) error {
	r.KeyID = s.keyID
	payload, err := ReceiptSigningBytes(r)
	if err != nil {
		return err
	}
	sig, err := s.Sign(payload)
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// SignEscalation signs the canonical escalation decision.
func (s *Ed25519Signer) SignEscalation(d *contracts.EscalationDecision) error {
	d.KeyID = s.keyID
	payload, err := EscalationSigningBytes(d)
	if err != nil {
		return err
	}
	sig, err := s.Sign(payload)
	if err != nil {
		return err
	}
	d.Signature = sig
	return nil
}

// ReceiptSigningBytes returns the JCS form of the receipt with the
// signature field removed. This is the exact byte sequence a third party
// must reconstruct to verify the receipt offline.
func ReceiptSigningBytes(r *contracts.Receipt) ([]byte, error) {
	unsigned := *r
	unsigned.Signature = ""
	b, err := canonical.JCS(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("receipt canonicalization failed: %w", err)
	}
	return b, nil
}

// EscalationSigningBytes returns the JCS form of the decision with the
// signature field removed.
func EscalationSigningBytes(d *contracts.EscalationDecision) ([]byte, error) {
	unsigned := *d
	unsigned.Signature = ""
	b, err := canonical.JCS(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("escalation canonicalization failed: %w", err)
	}
	return b, nil
}
