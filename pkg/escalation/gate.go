// Package escalation implements the human-approval gate: the signed
// override path for actions blocked by policy. A blocked action can only
// proceed under an EscalationDecision that is well-formed, bound to the
// exact action hash, approving, unexpired, and carrying whatever evidence
// the policy demands — checked in that order, short-circuiting at the
// first failure.
package escalation

import (
	"time"

	"github.com/clearhold-labs/clearhold/core/pkg/canonical"
	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
	"github.com/clearhold-labs/clearhold/core/pkg/crypto"
	"github.com/clearhold-labs/clearhold/core/pkg/policy"
)

// ApprovalResult is the outcome of enforcing the approval policy.
type ApprovalResult struct {
	Approved                 bool                       `json:"approved"`
	RequiresExplicitApproval bool                       `json:"requires_explicit_approval"`
	BlockingIssues           []contracts.EscalationCode `json:"blocking_issues,omitempty"`
}

// Enforcer validates escalation decisions. When a key ring is attached,
// signed decisions must verify against it; an unverifiable signature is
// treated as a malformed decision.
type Enforcer struct {
	keys  *crypto.KeyRing
	clock func() time.Time
}

// NewEnforcer creates an enforcer without signature checking.
func NewEnforcer() *Enforcer {
	return &Enforcer{clock: time.Now}
}

// WithKeyRing enables signature verification of supplied decisions.
func (e *Enforcer) WithKeyRing(keys *crypto.KeyRing) *Enforcer {
	e.keys = keys
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Enforcer) WithClock(clock func() time.Time) *Enforcer {
	e.clock = clock
	return e
}

// EnforceHighRiskApproval decides whether the action may proceed.
//
// Absent a decision the result is approved=false with APPROVAL_REQUIRED
// whenever the policy demands explicit approval. With a decision supplied,
// validation short-circuits in strict order: shape, hash binding, verdict,
// expiry, evidence.
func (e *Enforcer) EnforceHighRiskApproval(action *contracts.Action, pol *policy.Policy, decision *contracts.EscalationDecision) (*ApprovalResult, error) {
	required := pol.RequiresExplicitApproval(action)
	if !required {
		return &ApprovalResult{Approved: true}, nil
	}

	if decision == nil {
		return &ApprovalResult{
			RequiresExplicitApproval: true,
			BlockingIssues:           []contracts.EscalationCode{contracts.CodeApprovalRequired},
		}, nil
	}

	actionHash, err := canonical.Hash(action)
	if err != nil {
		return nil, err
	}

	if code := e.validate(decision, action.ActionID, actionHash, pol); code != "" {
		return &ApprovalResult{
			RequiresExplicitApproval: true,
			BlockingIssues:           []contracts.EscalationCode{code},
		}, nil
	}

	return &ApprovalResult{Approved: true, RequiresExplicitApproval: true}, nil
}

func (e *Enforcer) validate(d *contracts.EscalationDecision, actionID, actionHash string, pol *policy.Policy) contracts.EscalationCode {
	// (1) Shape. A decision missing identity or an unverifiable signature
	// is invalid before anything else is considered.
	if d.DecisionID == "" || d.DecidedBy == "" || d.ActionID == "" || d.ActionHash == "" {
		return contracts.CodeDecisionInvalid
	}
	if e.keys != nil {
		pub, ok := e.keys.PublicKey(d.KeyID)
		if !ok {
			return contracts.CodeDecisionInvalid
		}
		if valid, err := crypto.VerifyEscalation(pub, d); err != nil || !valid {
			return contracts.CodeDecisionInvalid
		}
	}

	// (2) Binding. The decision must name this exact action; a reused
	// decision id cannot approve a different action.
	if d.ActionID != actionID || d.ActionHash != actionHash {
		return contracts.CodeBindingMismatch
	}

	// (3) Verdict.
	if !d.Approved {
		return contracts.CodeDenied
	}

	// (4) Expiry. An expired decision is treated as no decision at all,
	// but surfaced with its own code so the caller can request a fresh one.
	if d.ExpiresAt != nil && e.clock().After(*d.ExpiresAt) {
		return contracts.CodeExpired
	}

	// (5) Evidence.
	if pol.EvidenceRequired && len(d.EvidenceRefs) == 0 {
		return contracts.CodeEvidenceRequired
	}

	return ""
}
