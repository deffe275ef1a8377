package replay

import (
	"context"
	"sync"
)

// MemoryLedger is the in-memory Ledger used by tests and single-node
// deployments.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]*Record)}
}

func recordKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

func (m *MemoryLedger) Claim(ctx context.Context, tenantID, key, requestHash string) (*Claim, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordKey(tenantID, key)]
	if !ok {
		m.records[recordKey(tenantID, key)] = &Record{
			TenantID:       tenantID,
			IdempotencyKey: key,
			RequestHash:    requestHash,
		}
		return &Claim{Status: StatusNew}, nil
	}

	if rec.RequestHash != requestHash {
		return &Claim{Status: StatusConflict}, nil
	}
	if rec.Completed {
		return &Claim{Status: StatusReplay, CachedResponse: rec.CachedResponse}, nil
	}
	return &Claim{Status: StatusInFlight}, nil
}

func (m *MemoryLedger) Complete(ctx context.Context, tenantID, key, requestHash string, response []byte) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordKey(tenantID, key)]
	if !ok || rec.RequestHash != requestHash || rec.Completed {
		return ErrNotClaimed
	}
	rec.Completed = true
	rec.CachedResponse = response
	return nil
}

func (m *MemoryLedger) Release(ctx context.Context, tenantID, key, requestHash string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordKey(tenantID, key)]
	if !ok || rec.RequestHash != requestHash {
		return ErrNotClaimed
	}
	if rec.Completed {
		// Completed records are permanent; Release only clears failures.
		return ErrNotClaimed
	}
	delete(m.records, recordKey(tenantID, key))
	return nil
}
