package contracts

import "time"

// SettlementStatus is the closed set of settlement outcomes a receipt records.
type SettlementStatus string

const (
	SettlementReleased SettlementStatus = "released"
	SettlementRefunded SettlementStatus = "refunded"
	SettlementReversed SettlementStatus = "reversed"
	SettlementLocked   SettlementStatus = "locked"
)

// Valid reports whether the status is one of the closed set.
func (s SettlementStatus) Valid() bool {
	switch s {
	case SettlementReleased, SettlementRefunded, SettlementReversed, SettlementLocked:
		return true
	}
	return false
}

// VerificationStatus records the evidence check outcome.
type VerificationStatus string

const (
	VerificationPassed  VerificationStatus = "passed"
	VerificationFailed  VerificationStatus = "failed"
	VerificationTimeout VerificationStatus = "timeout"
	VerificationSkipped VerificationStatus = "skipped"
)

// Receipt is the immutable settlement snapshot for a gate. Once created it
// is never mutated; corrections are new receipts layered on top (a reversal
// produces a fresh receipt with SettlementReversed), never in-place edits.
//
// The signature is Ed25519 over the JCS-canonical receipt with the signature
// field removed, so any third party holding the published verification key
// can re-check it offline.
type Receipt struct {
	ReceiptID           string             `json:"receipt_id"`
	GateID              string             `json:"gate_id"`
	DecisionID          string             `json:"decision_id"`
	SettlementStatus    SettlementStatus   `json:"settlement_status"`
	ReleasedAmountCents int64              `json:"released_amount_cents"`
	RefundedAmountCents int64              `json:"refunded_amount_cents"`
	VerificationStatus  VerificationStatus `json:"verification_status"`
	ResponseHash        string             `json:"response_hash,omitempty"`
	// PrevReceiptID links a correcting receipt to the one it supersedes.
	PrevReceiptID string    `json:"prev_receipt_id,omitempty"`
	KeyID         string    `json:"key_id,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
	Signature     string    `json:"signature,omitempty"`
}
