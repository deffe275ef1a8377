package contracts

import "time"

// GateStatus is the lifecycle state of a payment gate.
type GateStatus string

const (
	GateCreated         GateStatus = "created"
	GatePaymentRequired GateStatus = "payment_required"
	GateHeld            GateStatus = "held"
	GateVerifying       GateStatus = "verifying"
	GateSettledReleased GateStatus = "settled_released"
	GateSettledRefunded GateStatus = "settled_refunded"
	GateEscalated       GateStatus = "escalated"
	GateDenied          GateStatus = "denied"
	GateVoided          GateStatus = "voided"
	GateDisputed        GateStatus = "disputed"
	GateReversed        GateStatus = "reversed"
)

// Terminal reports whether the status ends the normal flow. Settled states
// may still be re-entered by a later dispute.
func (s GateStatus) Terminal() bool {
	switch s {
	case GateSettledReleased, GateSettledRefunded, GateDenied, GateVoided, GateReversed:
		return true
	}
	return false
}

// Settled reports whether the gate has reached a settlement outcome.
func (s GateStatus) Settled() bool {
	return s == GateSettledReleased || s == GateSettledRefunded
}

// Gate is the aggregate root for one hold → verify → release/refund cycle.
// It owns its PolicyDecision and Receipt references 1:1; the pointers are
// set once and never reassigned. Gates are destroyed only by retention
// policy, never by business logic.
type Gate struct {
	GateID          string     `json:"gate_id"`
	TenantID        string     `json:"tenant_id"`
	ActorID         string     `json:"actor_id"`
	Status          GateStatus `json:"status"`
	AmountCents     int64      `json:"amount_cents"`
	Currency        string     `json:"currency"`
	HoldbackBps     int64      `json:"holdback_bps"`
	DisputeWindowMs int64      `json:"dispute_window_ms"`

	// Hash bindings. RequestHash is the canonical hash of the action that
	// opened the gate; ResponseHash is set once verification captures the
	// upstream response.
	RequestHash  string `json:"request_hash"`
	ResponseHash string `json:"response_hash,omitempty"`

	// Binding authorizes execution of the held action. Issued when the
	// gate reaches held; verification refuses to start without a binding
	// covering the current request hash and amount.
	Binding *ExecutionBinding `json:"binding,omitempty"`

	// One-directional references, resolved by lookup (no back-pointers).
	PolicyDecisionRef string `json:"policy_decision_ref,omitempty"`
	ReceiptRef        string `json:"receipt_ref,omitempty"`
	EscalationRef     string `json:"escalation_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
