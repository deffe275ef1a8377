package contracts

import "time"

// DisputeStatus is the lifecycle state of a dispute case.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeAccepted DisputeStatus = "accepted"
	DisputeRejected DisputeStatus = "rejected"
)

// DisputeCase references a settled receipt by id and hash. Resolving the
// case never edits the referenced receipt or its journal entries; an
// accepted dispute emits a ReversalCommand instead.
type DisputeCase struct {
	DisputeID   string        `json:"dispute_id"`
	TenantID    string        `json:"tenant_id"`
	GateID      string        `json:"gate_id"`
	ReceiptID   string        `json:"receipt_id"`
	ReceiptHash string        `json:"receipt_hash"`
	Reason      string        `json:"reason"`
	Status      DisputeStatus `json:"status"`
	OpenedAt    time.Time     `json:"opened_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
}

// ReversalCommand instructs the settlement ledger to post compensating
// entries for a previously released settlement, and the gate to move
// settled_* → disputed → reversed.
type ReversalCommand struct {
	CommandID   string    `json:"command_id"`
	DisputeID   string    `json:"dispute_id"`
	GateID      string    `json:"gate_id"`
	ReceiptID   string    `json:"receipt_id"`
	AmountCents int64     `json:"amount_cents"`
	IssuedAt    time.Time `json:"issued_at"`
}

// UnwindCommand forces an outstanding held gate toward settled_refunded
// during an insolvency unwind, bounding the agent's open liability.
type UnwindCommand struct {
	CommandID string    `json:"command_id"`
	ActorID   string    `json:"actor_id"`
	GateID    string    `json:"gate_id"`
	IssuedAt  time.Time `json:"issued_at"`
}
