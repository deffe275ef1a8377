package contracts

import "time"

// EventType identifies a terminal-transition notification.
type EventType string

const (
	EventGateReleased  EventType = "gate.settled_released"
	EventGateRefunded  EventType = "gate.settled_refunded"
	EventGateDenied    EventType = "gate.denied"
	EventGateVoided    EventType = "gate.voided"
	EventGateReversed  EventType = "gate.reversed"
	EventGateEscalated EventType = "gate.escalated"
)

// Event is the fire-and-forget payload handed to the webhook collaborator
// on every terminal transition. Content is deterministic and re-derivable
// from stored state, so a lost delivery is always recoverable by re-query.
type Event struct {
	EventType  EventType `json:"event_type"`
	TenantID   string    `json:"tenant_id"`
	GateID     string    `json:"gate_id"`
	ReceiptID  string    `json:"receipt_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
