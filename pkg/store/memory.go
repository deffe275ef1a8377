// Package store provides the durable persistence layer behind the gate
// service: gates, policy decisions, receipts, and the journal append log.
// Aggregates are stored as JSON alongside the key columns used for lookup;
// the kernel's source of truth remains the append-only records themselves.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
	"github.com/clearhold-labs/clearhold/core/pkg/gate"
)

// MemoryStore is the in-process gate.Store, for tests and single-node use.
type MemoryStore struct {
	mu        sync.RWMutex
	gates     map[string]*contracts.Gate
	decisions map[string]*contracts.PolicyDecision
	receipts  map[string]*contracts.Receipt
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gates:     make(map[string]*contracts.Gate),
		decisions: make(map[string]*contracts.PolicyDecision),
		receipts:  make(map[string]*contracts.Receipt),
	}
}

func scopedKey(tenantID, id string) string { return tenantID + "\x00" + id }

func (s *MemoryStore) SaveGate(ctx context.Context, g *contracts.Gate) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *g
	s.gates[scopedKey(g.TenantID, g.GateID)] = &copied
	return nil
}

func (s *MemoryStore) GetGate(ctx context.Context, tenantID, gateID string) (*contracts.Gate, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gates[scopedKey(tenantID, gateID)]
	if !ok {
		return nil, fmt.Errorf("%w: gate %s", gate.ErrNotFound, gateID)
	}
	copied := *g
	return &copied, nil
}

func (s *MemoryStore) ListGatesByStatus(ctx context.Context, status contracts.GateStatus) ([]*contracts.Gate, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.Gate
	for _, g := range s.gates {
		if g.Status == status {
			copied := *g
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveDecision(ctx context.Context, tenantID string, d *contracts.PolicyDecision) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *d
	s.decisions[scopedKey(tenantID, d.DecisionID)] = &copied
	return nil
}

func (s *MemoryStore) GetDecision(ctx context.Context, tenantID, decisionID string) (*contracts.PolicyDecision, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[scopedKey(tenantID, decisionID)]
	if !ok {
		return nil, fmt.Errorf("%w: decision %s", gate.ErrNotFound, decisionID)
	}
	copied := *d
	return &copied, nil
}

func (s *MemoryStore) SaveReceipt(ctx context.Context, tenantID string, r *contracts.Receipt) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.receipts[scopedKey(tenantID, r.ReceiptID)]; exists {
		return fmt.Errorf("store: receipt %s already exists; receipts are immutable", r.ReceiptID)
	}
	copied := *r
	s.receipts[scopedKey(tenantID, r.ReceiptID)] = &copied
	return nil
}

func (s *MemoryStore) GetReceipt(ctx context.Context, tenantID, receiptID string) (*contracts.Receipt, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[scopedKey(tenantID, receiptID)]
	if !ok {
		return nil, fmt.Errorf("%w: receipt %s", gate.ErrNotFound, receiptID)
	}
	copied := *r
	return &copied, nil
}
