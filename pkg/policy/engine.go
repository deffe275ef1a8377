package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/clearhold-labs/clearhold/core/pkg/canonical"
	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
)

// Engine evaluates actions against policies. It caches compiled CEL rule
// programs by policy hash; everything else is stateless.
type Engine struct {
	cel   *celEvaluator
	clock func() time.Time
}

// NewEngine creates an engine with a fresh CEL environment.
func NewEngine() (*Engine, error) {
	ce, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{cel: ce, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Evaluate produces the policy decision for one gate attempt.
//
// The decision id is derived from (actionHash, policyHash), so replaying the
// same evaluation reproduces the identical decision byte for byte apart from
// the DecidedAt stamp.
func (e *Engine) Evaluate(action *contracts.Action, pol *Policy) (*contracts.PolicyDecision, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}
	actionHash, err := canonical.Hash(action)
	if err != nil {
		return nil, fmt.Errorf("policy: action hash: %w", err)
	}
	policyHash, err := pol.Hash()
	if err != nil {
		return nil, err
	}

	outcome, codes := e.decide(action, pol, policyHash)

	return &contracts.PolicyDecision{
		DecisionID:  decisionID(actionHash, policyHash),
		ActionHash:  actionHash,
		Outcome:     outcome,
		ReasonCodes: codes,
		PolicyHash:  policyHash,
		DecidedAt:   e.clock().UTC(),
	}, nil
}

func (e *Engine) decide(action *contracts.Action, pol *Policy, policyHash string) (contracts.PolicyOutcome, []string) {
	blocked := contracts.OutcomeEscalate
	if pol.OnHighRisk == BlockDeny {
		blocked = contracts.OutcomeDeny
	}

	var codes []string
	if action.RiskTier == contracts.RiskHigh {
		codes = append(codes, contracts.ReasonHighRiskTier)
	}
	if pol.blocksActionType(action.ActionType) {
		codes = append(codes, contracts.ReasonHighRiskActionType)
	}
	if pol.RequireApprovalAboveCents > 0 && action.AmountCents >= pol.RequireApprovalAboveCents {
		codes = append(codes, contracts.ReasonAmountThreshold)
	}
	if len(codes) > 0 {
		return blocked, codes
	}

	// CEL rules. Fail closed: an undecidable rule is a denial, not an allow.
	for _, rule := range pol.Rules {
		ok, err := e.cel.evaluate(policyHash, rule, action)
		if err != nil {
			return contracts.OutcomeDeny, []string{contracts.ReasonRuleError}
		}
		if !ok {
			return contracts.OutcomeDeny, []string{contracts.ReasonRuleDenied}
		}
	}

	// Challenge: conditionally allowed pending an attached provider
	// signature proof.
	if pol.RequireProviderSignature && !hasProviderSignature(action) {
		return contracts.OutcomeChallenge, []string{contracts.ReasonProofRequired}
	}

	return contracts.OutcomeAllow, []string{contracts.ReasonWithinPolicy}
}

func hasProviderSignature(a *contracts.Action) bool {
	v, ok := a.Metadata["provider_signature"]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s != ""
}

// decisionID derives a stable id from the action and policy fingerprints.
func decisionID(actionHash, policyHash string) string {
	sum := sha256.Sum256([]byte(actionHash + "|" + policyHash))
	return "dec_" + hex.EncodeToString(sum[:16])
}
