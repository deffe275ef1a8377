// Package policy implements the Policy Decision Engine: a pure,
// deterministic function from (action, policy) to a decision with reason
// codes. Identical (actionHash, policyHash) inputs always produce the
// identical outcome; nothing here performs I/O.
package policy

import (
	"fmt"

	"github.com/clearhold-labs/clearhold/core/pkg/canonical"
	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
)

// BlockMode selects how a policy-blocked action is surfaced.
type BlockMode string

const (
	BlockEscalate BlockMode = "escalate"
	BlockDeny     BlockMode = "deny"
)

// Policy is one resolved policy version. Its canonical hash is bound into
// every decision so later disputes can prove which version applied.
type Policy struct {
	PolicyID string `json:"policy_id" yaml:"policy_id"`
	Version  string `json:"version" yaml:"version"`

	// Blocking thresholds.
	HighRiskActionTypes       []string `json:"high_risk_action_types" yaml:"high_risk_action_types"`
	RequireApprovalAboveCents int64    `json:"require_approval_above_cents" yaml:"require_approval_above_cents"`
	OnHighRisk                BlockMode `json:"on_high_risk" yaml:"on_high_risk"`

	// Challenge: the action is conditionally allowed pending an attached
	// provider signature. The only proof that satisfies a challenge is a
	// non-empty "provider_signature" entry in the action metadata.
	RequireProviderSignature bool `json:"require_provider_signature" yaml:"require_provider_signature"`

	// EvidenceRequired forces escalation decisions to carry evidence refs.
	EvidenceRequired bool `json:"evidence_required" yaml:"evidence_required"`

	// Rules are CEL expressions over the action; every rule must evaluate
	// to true for the action to remain allowed. Compile or eval errors are
	// fail-closed.
	Rules []string `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Hash returns the canonical fingerprint of the policy.
func (p *Policy) Hash() (string, error) {
	h, err := canonical.Hash(p)
	if err != nil {
		return "", fmt.Errorf("policy hash: %w", err)
	}
	return h, nil
}

// blocksActionType reports whether the action type is in the high-risk set.
func (p *Policy) blocksActionType(actionType string) bool {
	for _, t := range p.HighRiskActionTypes {
		if t == actionType {
			return true
		}
	}
	return false
}

// RequiresExplicitApproval reports whether the action would need a human
// approval under this policy, independent of any decision already supplied.
func (p *Policy) RequiresExplicitApproval(a *contracts.Action) bool {
	if a.RiskTier == contracts.RiskHigh {
		return true
	}
	if p.blocksActionType(a.ActionType) {
		return true
	}
	return p.RequireApprovalAboveCents > 0 && a.AmountCents >= p.RequireApprovalAboveCents
}
