// Package gate implements the payment gate state machine and the service
// that orchestrates one hold → verify → release/refund cycle across the
// policy engine, replay ledger, verifier, and settlement ledger.
//
// Every externally-driven transition runs under a replay-ledger claim, so
// two concurrent attempts to advance the same gate produce exactly one
// winner; the loser observes the cached outcome.
package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
)

// ErrInvalidTransition is returned when a requested status change is not in
// the transition table.
var ErrInvalidTransition = errors.New("gate: invalid status transition")

// transitions is the complete table of legal status changes. Anything not
// listed is rejected; there is no ad hoc status assignment elsewhere.
var transitions = map[contracts.GateStatus][]contracts.GateStatus{
	contracts.GateCreated:         {contracts.GatePaymentRequired},
	contracts.GatePaymentRequired: {contracts.GateHeld, contracts.GateDenied, contracts.GateEscalated},
	contracts.GateHeld:            {contracts.GateVerifying, contracts.GateEscalated, contracts.GateSettledRefunded},
	contracts.GateVerifying:       {contracts.GateSettledReleased, contracts.GateSettledRefunded},
	contracts.GateEscalated:       {contracts.GateHeld, contracts.GateVoided},
	contracts.GateSettledReleased: {contracts.GateDisputed},
	contracts.GateSettledRefunded: {contracts.GateDisputed},
	contracts.GateDisputed:        {contracts.GateReversed},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to contracts.GateStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the gate to the new status, or rejects the change.
func Transition(g *contracts.Gate, to contracts.GateStatus, now time.Time) error {
	if !CanTransition(g.Status, to) {
		return fmt.Errorf("%w: %s -> %s (gate %s)", ErrInvalidTransition, g.Status, to, g.GateID)
	}
	g.Status = to
	g.UpdatedAt = now.UTC()
	return nil
}
