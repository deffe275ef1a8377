package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
)

// Verify checks a hex signature over data against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size %d", len(pubKey))
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// VerifyReceipt re-verifies a signed receipt against a published key. It
// reconstructs the canonical signing bytes, so it works offline on an
// exported receipt without contacting the service.
func VerifyReceipt(pubKeyHex string, r *contracts.Receipt) (bool, error) {
	if r.Signature == "" {
		return false, fmt.Errorf("receipt %s: missing signature", r.ReceiptID)
	}
	payload, err := ReceiptSigningBytes(r)
	if err != nil {
		return false, err
	}
	return Verify(pubKeyHex, r.Signature, payload)
}

// VerifyEscalation re-verifies a signed escalation decision.
func VerifyEscalation(pubKeyHex string, d *contracts.EscalationDecision) (bool, error) {
	if d.Signature == "" {
		return false, fmt.Errorf("escalation decision %s: missing signature", d.DecisionID)
	}
	payload, err := EscalationSigningBytes(d)
	if err != nil {
		return false, err
	}
	return Verify(pubKeyHex, d.Signature, payload)
}
