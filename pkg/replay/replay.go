// Package replay implements the per-tenant idempotency ledger that
// guarantees at-most-one effect per (tenantID, idempotencyKey).
//
// Every externally-driven gate transition runs under a claim from this
// ledger; it is the kernel's only concurrency-control primitive. Two
// concurrent attempts at the same operation produce exactly one winner —
// the loser observes in_flight or the cached terminal result, never a
// second side effect.
package replay

import (
	"context"
	"errors"
)

// ClaimStatus is the outcome of a Claim call.
type ClaimStatus string

const (
	// StatusNew means the caller won the claim and must run the operation.
	StatusNew ClaimStatus = "new"
	// StatusInFlight means another caller holds a pending claim.
	StatusInFlight ClaimStatus = "in_flight"
	// StatusReplay means the operation already completed; the cached
	// terminal response is returned verbatim.
	StatusReplay ClaimStatus = "replay"
	// StatusConflict means the key was reused with a different request
	// hash. A client error, never silently overwritten.
	StatusConflict ClaimStatus = "conflict"
)

// ErrNotClaimed is returned by Complete/Release when no matching pending
// claim exists. It indicates a protocol bug in the caller.
var ErrNotClaimed = errors.New("replay: no matching pending claim")

// Claim is the result of claiming an idempotency key.
type Claim struct {
	Status         ClaimStatus
	CachedResponse []byte
}

// Record is the persisted state for one (tenantID, idempotencyKey).
type Record struct {
	TenantID       string `json:"tenant_id"`
	IdempotencyKey string `json:"idempotency_key"`
	RequestHash    string `json:"request_hash"`
	Completed      bool   `json:"completed"`
	CachedResponse []byte `json:"cached_response,omitempty"`
}

// Ledger is the claim/complete/release protocol.
//
// Claim atomically creates a pending record for the key, or reports the
// state of the existing one. Complete transitions a pending claim to
// completed and caches the terminal response. Release clears a pending
// claim that failed before producing a result, permitting a later retry;
// it never clears a completed record.
type Ledger interface {
	Claim(ctx context.Context, tenantID, key, requestHash string) (*Claim, error)
	Complete(ctx context.Context, tenantID, key, requestHash string, response []byte) error
	Release(ctx context.Context, tenantID, key, requestHash string) error
}
