package contracts

import "time"

// EscalationCode is the closed set of validation results for the
// human-approval gate. Codes short-circuit in the order listed on
// EnforceHighRiskApproval.
type EscalationCode string

const (
	CodeApprovalRequired EscalationCode = "APPROVAL_REQUIRED"
	CodeDecisionInvalid  EscalationCode = "DECISION_INVALID"
	CodeBindingMismatch  EscalationCode = "BINDING_MISMATCH"
	CodeDenied           EscalationCode = "DENIED"
	CodeExpired          EscalationCode = "EXPIRED"
	CodeEvidenceRequired EscalationCode = "EVIDENCE_REQUIRED"
)

// EscalationStatus is the lifecycle state of a pending escalation.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationApproved EscalationStatus = "approved"
	EscalationDenied   EscalationStatus = "denied"
	EscalationTimedOut EscalationStatus = "timed_out"
)

// EscalationRequest is a formal request for human judgment on a blocked
// action. It references the action by hash so an approval can never drift
// to a different action than the one reviewed.
type EscalationRequest struct {
	EscalationID string    `json:"escalation_id"`
	TenantID     string    `json:"tenant_id"`
	GateID       string    `json:"gate_id"`
	ActionID     string    `json:"action_id"`
	ActionHash   string    `json:"action_hash"`
	ReasonCodes  []string  `json:"reason_codes"`
	Status       EscalationStatus `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// EscalationDecision is a signed, one-time override artifact. It is valid
// only against the exact action hash it names, and only while unexpired.
// Once consumed by a gate transition the hash binding prevents replaying it
// against any other action.
type EscalationDecision struct {
	DecisionID   string     `json:"decision_id"`
	EscalationID string     `json:"escalation_id,omitempty"`
	ActionID     string     `json:"action_id"`
	ActionHash   string     `json:"action_hash"`
	DecidedBy    string     `json:"decided_by"`
	Approved     bool       `json:"approved"`
	Reason       string     `json:"reason,omitempty"`
	DecidedAt    time.Time  `json:"decided_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	EvidenceRefs []string   `json:"evidence_refs,omitempty"`
	KeyID        string     `json:"key_id,omitempty"`
	Signature    string     `json:"signature,omitempty"`
}
