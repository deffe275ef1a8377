// Package contracts defines the shared data model of the Clearhold
// settlement kernel: actions, gates, decisions, receipts, journal entries,
// and escalation artifacts. Types here are plain data; behavior lives in
// the component packages that own them.
package contracts

import (
	"fmt"
)

// RiskTier classifies how dangerous an action is before policy runs.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Valid reports whether the tier is one of the closed set.
func (r RiskTier) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Action is a proposed paid operation by an agent against a third-party
// resource. It is immutable once hashed; the canonical hash is the binding
// key used by every downstream artifact.
type Action struct {
	ActionID    string         `json:"action_id"`
	ActorID     string         `json:"actor_id"`
	ActionType  string         `json:"action_type"`
	RiskTier    RiskTier       `json:"risk_tier"`
	AmountCents int64          `json:"amount_cents"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate checks the closed-set and range invariants of the action.
// Raw payloads must pass here before any kernel logic runs.
func (a *Action) Validate() error {
	if a.ActionID == "" {
		return fmt.Errorf("action: missing action_id")
	}
	if a.ActorID == "" {
		return fmt.Errorf("action: missing actor_id")
	}
	if a.ActionType == "" {
		return fmt.Errorf("action: missing action_type")
	}
	if !a.RiskTier.Valid() {
		return fmt.Errorf("action: invalid risk_tier %q", a.RiskTier)
	}
	if a.AmountCents < 0 {
		return fmt.Errorf("action: amount_cents must be >= 0, got %d", a.AmountCents)
	}
	return nil
}
