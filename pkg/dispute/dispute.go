// Package dispute implements the dispute and reversal engine. A dispute
// references a settled receipt by id and hash; resolving it either leaves
// the settlement untouched or emits a ReversalCommand for the gate service
// to execute. Prior receipts and journal entries are never edited.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
	"github.com/clearhold-labs/clearhold/core/pkg/verify"
)

var (
	// ErrNotDisputable means the referenced receipt did not release funds.
	ErrNotDisputable = errors.New("dispute: receipt is not a released settlement")
	// ErrReceiptDrift means the stored receipt no longer matches the hash
	// captured when the dispute opened. An invariant violation.
	ErrReceiptDrift = errors.New("dispute: stored receipt does not match dispute hash")
)

// Receipts is the read surface the engine resolves receipt references
// against.
type Receipts interface {
	GetReceipt(ctx context.Context, tenantID, receiptID string) (*contracts.Receipt, error)
}

// Settlements is the slice of the gate service the insolvency path needs.
type Settlements interface {
	FreezeActor(actorID string)
	HeldGatesFor(ctx context.Context, actorID string) ([]*contracts.Gate, error)
}

// Engine tracks dispute cases and produces reversal and unwind commands.
type Engine struct {
	receipts    Receipts
	settlements Settlements
	log         *slog.Logger
	clock       func() time.Time

	mu    sync.Mutex
	cases map[string]*contracts.DisputeCase
}

// NewEngine creates a dispute engine over the given receipt source.
func NewEngine(receipts Receipts, settlements Settlements) *Engine {
	return &Engine{
		receipts:    receipts,
		settlements: settlements,
		log:         slog.Default(),
		clock:       time.Now,
		cases:       make(map[string]*contracts.DisputeCase),
	}
}

// WithLogger overrides the logger.
func (e *Engine) WithLogger(log *slog.Logger) *Engine {
	e.log = log
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// OpenDispute opens a case against a released receipt. The receipt's hash
// is captured at open time, pinning the exact artifact under dispute.
func (e *Engine) OpenDispute(ctx context.Context, tenantID, receiptID, reason string) (*contracts.DisputeCase, error) {
	r, err := e.receipts.GetReceipt(ctx, tenantID, receiptID)
	if err != nil {
		return nil, err
	}
	if r.SettlementStatus != contracts.SettlementReleased {
		return nil, fmt.Errorf("%w: receipt %s is %s", ErrNotDisputable, receiptID, r.SettlementStatus)
	}
	hash, err := verify.ReceiptHash(r)
	if err != nil {
		return nil, err
	}

	c := &contracts.DisputeCase{
		DisputeID:   uuid.New().String(),
		TenantID:    tenantID,
		GateID:      r.GateID,
		ReceiptID:   receiptID,
		ReceiptHash: hash,
		Reason:      reason,
		Status:      contracts.DisputeOpen,
		OpenedAt:    e.clock().UTC(),
	}

	e.mu.Lock()
	e.cases[c.DisputeID] = c
	e.mu.Unlock()

	e.log.InfoContext(ctx, "dispute opened",
		"tenant_id", tenantID, "dispute_id", c.DisputeID,
		"receipt_id", receiptID, "gate_id", r.GateID)
	return c, nil
}

// Get returns a case by id.
func (e *Engine) Get(disputeID string) (*contracts.DisputeCase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cases[disputeID]
	if !ok {
		return nil, fmt.Errorf("dispute case %q not found", disputeID)
	}
	return c, nil
}

// Resolve closes a case. A rejected dispute leaves the settlement
// untouched and returns no command. An accepted dispute emits a
// ReversalCommand for the given amount; zero means the full released
// amount. Before accepting, the stored receipt is re-hashed against the
// hash captured at open time.
func (e *Engine) Resolve(ctx context.Context, disputeID string, accepted bool, amountCents int64) (*contracts.ReversalCommand, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.cases[disputeID]
	if !ok {
		return nil, fmt.Errorf("dispute case %q not found", disputeID)
	}
	if c.Status != contracts.DisputeOpen {
		return nil, fmt.Errorf("dispute case %q already resolved (%s)", disputeID, c.Status)
	}

	now := e.clock().UTC()
	if !accepted {
		c.Status = contracts.DisputeRejected
		c.ResolvedAt = &now
		return nil, nil
	}

	r, err := e.receipts.GetReceipt(ctx, c.TenantID, c.ReceiptID)
	if err != nil {
		return nil, err
	}
	hash, err := verify.ReceiptHash(r)
	if err != nil {
		return nil, err
	}
	if hash != c.ReceiptHash {
		return nil, fmt.Errorf("%w: dispute %s receipt %s", ErrReceiptDrift, disputeID, c.ReceiptID)
	}

	if amountCents == 0 {
		amountCents = r.ReleasedAmountCents
	}
	if amountCents < 0 || amountCents > r.ReleasedAmountCents {
		return nil, fmt.Errorf("dispute: reversal amount %d outside released %d", amountCents, r.ReleasedAmountCents)
	}

	c.Status = contracts.DisputeAccepted
	c.ResolvedAt = &now
	cmd := &contracts.ReversalCommand{
		CommandID:   uuid.New().String(),
		DisputeID:   c.DisputeID,
		GateID:      c.GateID,
		ReceiptID:   c.ReceiptID,
		AmountCents: amountCents,
		IssuedAt:    now,
	}
	e.log.InfoContext(ctx, "dispute accepted",
		"tenant_id", c.TenantID, "dispute_id", disputeID,
		"amount_cents", amountCents)
	return cmd, nil
}

// CheckSolvency compares an actor's outstanding held liability against the
// funds available to cover it. When liabilities cannot be covered, the
// actor is frozen for new gates and one unwind command per held gate is
// emitted, forcing them toward settled_refunded instead of leaving them
// open.
func (e *Engine) CheckSolvency(ctx context.Context, actorID string, availableCents int64) ([]*contracts.UnwindCommand, error) {
	held, err := e.settlements.HeldGatesFor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	var liability int64
	for _, g := range held {
		liability += g.AmountCents
	}
	if liability <= availableCents {
		return nil, nil
	}

	e.settlements.FreezeActor(actorID)
	now := e.clock().UTC()
	cmds := make([]*contracts.UnwindCommand, 0, len(held))
	for _, g := range held {
		cmds = append(cmds, &contracts.UnwindCommand{
			CommandID: uuid.New().String(),
			ActorID:   actorID,
			GateID:    g.GateID,
			IssuedAt:  now,
		})
	}
	e.log.WarnContext(ctx, "actor insolvent, unwinding held gates",
		"actor_id", actorID, "liability_cents", liability,
		"available_cents", availableCents, "held_gates", len(held))
	return cmds, nil
}
