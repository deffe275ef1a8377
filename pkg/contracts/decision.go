package contracts

import "time"

// PolicyOutcome is the closed set of verdicts the decision engine can return.
type PolicyOutcome string

const (
	OutcomeAllow     PolicyOutcome = "allow"
	OutcomeChallenge PolicyOutcome = "challenge"
	OutcomeDeny      PolicyOutcome = "deny"
	OutcomeEscalate  PolicyOutcome = "escalate"
)

// Valid reports whether the outcome is one of the closed set.
func (o PolicyOutcome) Valid() bool {
	switch o {
	case OutcomeAllow, OutcomeChallenge, OutcomeDeny, OutcomeEscalate:
		return true
	}
	return false
}

// Reason codes carried on policy decisions. The code is the user-visible
// contract; callers branch on these, never on message text.
const (
	ReasonHighRiskTier       = "HIGH_RISK_TIER"
	ReasonHighRiskActionType = "HIGH_RISK_ACTION_TYPE"
	ReasonAmountThreshold    = "AMOUNT_ABOVE_APPROVAL_THRESHOLD"
	ReasonRuleDenied         = "RULE_DENIED"
	ReasonRuleError          = "RULE_EVALUATION_ERROR"
	ReasonProofRequired      = "PROVIDER_SIGNATURE_REQUIRED"
	ReasonActorFrozen        = "ACTOR_FROZEN"
	ReasonWithinPolicy       = "WITHIN_POLICY"
)

// PolicyDecision is the immutable result of one policy evaluation for one
// gate attempt. Re-evaluation of the same (actionHash, policyHash) pair must
// reproduce it exactly.
type PolicyDecision struct {
	DecisionID  string        `json:"decision_id"`
	ActionHash  string        `json:"action_hash"`
	Outcome     PolicyOutcome `json:"outcome"`
	ReasonCodes []string      `json:"reason_codes"`
	PolicyHash  string        `json:"policy_hash"`
	DecidedAt   time.Time     `json:"decided_at"`
}

// ExecutionBinding is proof that an execution attempt is authorized: it ties
// the action hash and the evaluated policy version to an amount ceiling and
// an expiry. An execution without a valid, unexpired binding matching the
// current action hash is invalid.
type ExecutionBinding struct {
	BindingID        string    `json:"binding_id"`
	ActionHash       string    `json:"action_hash"`
	PolicyHash       string    `json:"policy_hash"`
	AmountCeilCents  int64     `json:"amount_ceil_cents"`
	ExpiresAt        time.Time `json:"expires_at"`
	IssuedAt         time.Time `json:"issued_at"`
	PolicyDecisionID string    `json:"policy_decision_id"`
}

// Covers reports whether the binding authorizes the given action hash and
// amount at the given instant.
func (b *ExecutionBinding) Covers(actionHash string, amountCents int64, now time.Time) bool {
	if b.ActionHash != actionHash {
		return false
	}
	if amountCents > b.AmountCeilCents {
		return false
	}
	return !now.After(b.ExpiresAt)
}
