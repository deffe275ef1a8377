package observability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clearhold-labs/clearhold/core/pkg/canonical"
	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
)

// TimelineEntry is one auditable gate lifecycle event.
type TimelineEntry struct {
	EntryID     string              `json:"entry_id"`
	EventType   contracts.EventType `json:"event_type"`
	TenantID    string              `json:"tenant_id"`
	GateID      string              `json:"gate_id"`
	ReceiptID   string              `json:"receipt_id,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
	ContentHash string              `json:"content_hash"`
}

// TimelineQuery filters timeline entries.
type TimelineQuery struct {
	GateID    string
	TenantID  string
	EventType *contracts.EventType
	After     *time.Time
	Before    *time.Time
	Limit     int
}

// Timeline collects gate lifecycle events into a queryable audit log.
// It satisfies the gate service's event sink, so wiring it alongside the
// webhook dispatcher gives every terminal transition a local audit entry.
type Timeline struct {
	mu      sync.RWMutex
	entries []TimelineEntry
	index   map[string][]int // gateID -> entry indices
	seq     int64
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{index: make(map[string][]int)}
}

// Emit records a terminal-transition event. Never fails; a timeline
// defect must not affect settlement.
func (t *Timeline) Emit(_ context.Context, ev contracts.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	entry := TimelineEntry{
		EntryID:   fmt.Sprintf("tl-%d", t.seq),
		EventType: ev.EventType,
		TenantID:  ev.TenantID,
		GateID:    ev.GateID,
		ReceiptID: ev.ReceiptID,
		Timestamp: ev.OccurredAt,
	}
	if hash, err := canonical.Hash(ev); err == nil {
		entry.ContentHash = hash
	}

	idx := len(t.entries)
	t.entries = append(t.entries, entry)
	t.index[ev.GateID] = append(t.index[ev.GateID], idx)
}

// Query returns entries matching the filter, oldest first.
func (t *Timeline) Query(q TimelineQuery) []TimelineEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []TimelineEntry
	if q.GateID != "" {
		indices, ok := t.index[q.GateID]
		if !ok {
			return nil
		}
		for _, i := range indices {
			candidates = append(candidates, t.entries[i])
		}
	} else {
		candidates = make([]TimelineEntry, len(t.entries))
		copy(candidates, t.entries)
	}

	var results []TimelineEntry
	for _, e := range candidates {
		if q.TenantID != "" && e.TenantID != q.TenantID {
			continue
		}
		if q.EventType != nil && e.EventType != *q.EventType {
			continue
		}
		if q.After != nil && e.Timestamp.Before(*q.After) {
			continue
		}
		if q.Before != nil && e.Timestamp.After(*q.Before) {
			continue
		}
		results = append(results, e)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}

// Count returns the total number of entries.
func (t *Timeline) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Fanout delivers each event to every sink in order.
type Fanout []interface {
	Emit(ctx context.Context, ev contracts.Event)
}

func (f Fanout) Emit(ctx context.Context, ev contracts.Event) {
	for _, s := range f {
		s.Emit(ctx, ev)
	}
}
