package gate

import (
	"context"
	"errors"

	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
)

// ErrNotFound is returned by stores for missing aggregates.
var ErrNotFound = errors.New("gate: not found")

// Store is the durable append surface the service writes through. The
// kernel treats storage as a transactional append log keyed by tenant and
// aggregate id; it assumes no particular engine.
type Store interface {
	SaveGate(ctx context.Context, g *contracts.Gate) error
	GetGate(ctx context.Context, tenantID, gateID string) (*contracts.Gate, error)
	// ListGatesByStatus returns gates in the given status across all
	// tenants, for the sweeper and insolvency unwind.
	ListGatesByStatus(ctx context.Context, status contracts.GateStatus) ([]*contracts.Gate, error)

	SaveDecision(ctx context.Context, tenantID string, d *contracts.PolicyDecision) error
	GetDecision(ctx context.Context, tenantID, decisionID string) (*contracts.PolicyDecision, error)

	SaveReceipt(ctx context.Context, tenantID string, r *contracts.Receipt) error
	GetReceipt(ctx context.Context, tenantID, receiptID string) (*contracts.Receipt, error)
}

// EventSink receives fire-and-forget terminal-transition events. Delivery
// is entirely the sink's concern; a sink failure never affects settlement.
type EventSink interface {
	Emit(ctx context.Context, ev contracts.Event)
}

// discardSink drops events. Used when no webhook dispatcher is wired.
type discardSink struct{}

func (discardSink) Emit(context.Context, contracts.Event) {}
