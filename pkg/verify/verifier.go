// Package verify implements the receipt and evidence verifier: it checks
// upstream response evidence (hash match, optional provider signature)
// before a settlement decision may be released, and emits the signed,
// immutable receipt for the outcome.
//
// The posture is fail-closed: any verification defect — hash mismatch,
// missing required signature, malformed evidence — yields a refunded
// settlement, never a released one.
package verify

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clearhold-labs/clearhold/core/pkg/canonical"
	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
	"github.com/clearhold-labs/clearhold/core/pkg/crypto"
)

// Evidence headers recognized on upstream responses.
const (
	HeaderEvidenceHash      = "X-Evidence-Sha256"
	HeaderProviderSignature = "X-Provider-Signature"
)

// TrustConfig states what evidence a tenant demands before release.
type TrustConfig struct {
	// RequireProviderSignature refuses release unless the response carries
	// a valid Ed25519 signature from the configured provider key.
	RequireProviderSignature bool `json:"require_provider_signature" yaml:"require_provider_signature"`
	// ProviderPublicKeyHex is the provider's published verification key.
	ProviderPublicKeyHex string `json:"provider_public_key_hex" yaml:"provider_public_key_hex"`
}

// UpstreamResponse is the captured evidence from the third-party resource.
type UpstreamResponse struct {
	Body    []byte
	Headers map[string]string
}

func (r *UpstreamResponse) header(name string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Verifier validates evidence and signs the resulting receipts.
type Verifier struct {
	signer crypto.Signer
	clock  func() time.Time
}

// NewVerifier creates a verifier that signs receipts with the given key.
func NewVerifier(signer crypto.Signer) *Verifier {
	return &Verifier{signer: signer, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify checks the upstream evidence for a gate and returns the signed
// receipt recording the outcome. Trust failures are expressed in the
// receipt (failed verification, refunded settlement), not as errors;
// the error return is reserved for canonicalization or signing faults.
func (v *Verifier) Verify(gate *contracts.Gate, resp *UpstreamResponse, tc TrustConfig) (*contracts.Receipt, error) {
	responseHash := canonical.HashBytes(resp.Body)
	status := contracts.VerificationPassed

	// Provider-declared hash must match what we computed, when present.
	if declared := resp.header(HeaderEvidenceHash); declared != "" {
		normalized := declared
		if !strings.HasPrefix(normalized, canonical.HashPrefix) {
			normalized = canonical.HashPrefix + normalized
		}
		if normalized != responseHash {
			status = contracts.VerificationFailed
		}
	}

	// Provider signature, when the tenant demands one. Missing key,
	// missing signature, and bad signature all fail closed.
	if status == contracts.VerificationPassed && tc.RequireProviderSignature {
		sig := resp.header(HeaderProviderSignature)
		if sig == "" || tc.ProviderPublicKeyHex == "" {
			status = contracts.VerificationFailed
		} else if ok, err := crypto.Verify(tc.ProviderPublicKeyHex, sig, resp.Body); err != nil || !ok {
			status = contracts.VerificationFailed
		}
	}

	return v.issue(gate, status, responseHash)
}

// RefundReceipt issues the receipt for a gate resolved without passing
// verification: dispute-window timeout or forced insolvency unwind.
func (v *Verifier) RefundReceipt(gate *contracts.Gate, status contracts.VerificationStatus) (*contracts.Receipt, error) {
	return v.issue(gate, status, gate.ResponseHash)
}

func (v *Verifier) issue(gate *contracts.Gate, status contracts.VerificationStatus, responseHash string) (*contracts.Receipt, error) {
	r := &contracts.Receipt{
		ReceiptID:          uuid.New().String(),
		GateID:             gate.GateID,
		DecisionID:         gate.PolicyDecisionRef,
		VerificationStatus: status,
		ResponseHash:       responseHash,
		IssuedAt:           v.clock().UTC(),
	}
	if status == contracts.VerificationPassed {
		r.SettlementStatus = contracts.SettlementReleased
		r.ReleasedAmountCents = gate.AmountCents
	} else {
		r.SettlementStatus = contracts.SettlementRefunded
		r.RefundedAmountCents = gate.AmountCents
	}

	if err := v.signer.SignReceipt(r); err != nil {
		return nil, err
	}
	return r, nil
}

// ReversalReceipt issues the correcting receipt for an accepted dispute.
// The original receipt is untouched; the new one records the reversed
// amount and links back via PrevReceiptID.
func (v *Verifier) ReversalReceipt(gate *contracts.Gate, prev *contracts.Receipt, amountCents int64) (*contracts.Receipt, error) {
	r := &contracts.Receipt{
		ReceiptID:           uuid.New().String(),
		GateID:              gate.GateID,
		DecisionID:          gate.PolicyDecisionRef,
		SettlementStatus:    contracts.SettlementReversed,
		RefundedAmountCents: amountCents,
		VerificationStatus:  prev.VerificationStatus,
		ResponseHash:        prev.ResponseHash,
		PrevReceiptID:       prev.ReceiptID,
		IssuedAt:            v.clock().UTC(),
	}
	if err := v.signer.SignReceipt(r); err != nil {
		return nil, err
	}
	return r, nil
}

// ReceiptHash fingerprints a receipt for dispute binding. The signature is
// included, so the hash pins the exact signed artifact.
func ReceiptHash(r *contracts.Receipt) (string, error) {
	return canonical.Hash(r)
}
