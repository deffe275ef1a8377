// Package settle implements the double-entry settlement ledger.
//
// The one hard invariant of the kernel lives here: every journal entry's
// signed posting amounts sum to exactly zero, and entries are append-only.
// Balances are derived from the entry log, never stored authoritatively,
// so there is no mutable total to go stale.
package settle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clearhold-labs/clearhold/core/pkg/canonical"
	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
)

// ErrImbalanced rejects any entry whose postings do not net to zero. This
// is an invariant violation, a programming error in the caller, and is
// never corrected silently.
var ErrImbalanced = errors.New("settle: journal entry postings do not sum to zero")

// ErrEmptyEntry rejects entries with no postings.
var ErrEmptyEntry = errors.New("settle: journal entry has no postings")

// Appender persists entries after they pass the balance check. The ledger
// treats it as a transactional append log; failures abort the post.
type Appender interface {
	AppendEntry(entry *contracts.JournalEntry) error
}

// Ledger is the append-only posting engine. Entries are hash-chained per
// tenant in posting order; posting is atomic per entry under the ledger
// lock, and correctness never depends on cross-gate ordering.
type Ledger struct {
	mu       sync.RWMutex
	entries  []contracts.JournalEntry
	heads    map[string]string
	appender Appender
	clock    func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{heads: make(map[string]string), clock: time.Now}
}

// WithAppender attaches a durable append log.
func (l *Ledger) WithAppender(a Appender) *Ledger {
	l.appender = a
	return l
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Restore loads previously persisted entries, in posted order, into an
// empty ledger. Used at startup to rebuild balances and chain heads from
// the durable journal; restored entries are not re-appended.
func (l *Ledger) Restore(entries []contracts.JournalEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) != 0 {
		return errors.New("settle: restore into non-empty ledger")
	}
	for _, e := range entries {
		prev := l.heads[e.TenantID]
		if prev == "" {
			prev = "genesis"
		}
		if e.PrevHash != prev {
			return fmt.Errorf("settle: broken chain for tenant %s at entry %s", e.TenantID, e.EntryID)
		}
		l.entries = append(l.entries, e)
		l.heads[e.TenantID] = e.ContentHash
	}
	return nil
}

// Post validates and appends one balanced entry. Either the whole entry
// lands or none of it does.
func (l *Ledger) Post(tenantID, gateID, entryType string, postings []contracts.Posting) (*contracts.JournalEntry, error) {
	if len(postings) == 0 {
		return nil, ErrEmptyEntry
	}
	var sum int64
	for _, p := range postings {
		if p.AccountID == "" {
			return nil, fmt.Errorf("settle: posting with empty account id")
		}
		sum += p.AmountCentsSigned
	}
	if sum != 0 {
		return nil, fmt.Errorf("%w: net %d cents", ErrImbalanced, sum)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.heads[tenantID]
	if prev == "" {
		prev = "genesis"
	}

	entry := contracts.JournalEntry{
		EntryID:   uuid.New().String(),
		TenantID:  tenantID,
		GateID:    gateID,
		EntryType: entryType,
		Postings:  append([]contracts.Posting(nil), postings...),
		PrevHash:  prev,
		PostedAt:  l.clock().UTC(),
	}
	hash, err := entryHash(&entry)
	if err != nil {
		return nil, err
	}
	entry.ContentHash = hash

	if l.appender != nil {
		if err := l.appender.AppendEntry(&entry); err != nil {
			return nil, fmt.Errorf("settle: durable append failed: %w", err)
		}
	}

	l.entries = append(l.entries, entry)
	l.heads[tenantID] = entry.ContentHash

	out := entry
	return &out, nil
}

// Balance derives the running balance for one account by scanning the log.
func (l *Ledger) Balance(tenantID, accountID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var sum int64
	for i := range l.entries {
		if l.entries[i].TenantID != tenantID {
			continue
		}
		for _, p := range l.entries[i].Postings {
			if p.AccountID == accountID {
				sum += p.AmountCentsSigned
			}
		}
	}
	return sum
}

// Entries returns a copy of all entries for a tenant, in posting order.
func (l *Ledger) Entries(tenantID string) []contracts.JournalEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []contracts.JournalEntry
	for i := range l.entries {
		if l.entries[i].TenantID == tenantID {
			out = append(out, l.entries[i])
		}
	}
	return out
}

// EntriesForGate returns the entries referencing one gate.
func (l *Ledger) EntriesForGate(tenantID, gateID string) []contracts.JournalEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []contracts.JournalEntry
	for i := range l.entries {
		if l.entries[i].TenantID == tenantID && l.entries[i].GateID == gateID {
			out = append(out, l.entries[i])
		}
	}
	return out
}

// Verify re-checks the per-tenant hash chains and the balance invariant
// over the whole log.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	heads := make(map[string]string)
	for i := range l.entries {
		e := l.entries[i]
		if e.Net() != 0 {
			return fmt.Errorf("%w: entry %s", ErrImbalanced, e.EntryID)
		}
		prev := heads[e.TenantID]
		if prev == "" {
			prev = "genesis"
		}
		if e.PrevHash != prev {
			return fmt.Errorf("settle: chain broken at entry %s: expected prev %s, got %s", e.EntryID, prev, e.PrevHash)
		}
		recomputed, err := entryHash(&e)
		if err != nil {
			return err
		}
		if recomputed != e.ContentHash {
			return fmt.Errorf("settle: hash mismatch at entry %s", e.EntryID)
		}
		heads[e.TenantID] = e.ContentHash
	}
	return nil
}

// entryHash covers every field except the content hash itself.
func entryHash(e *contracts.JournalEntry) (string, error) {
	unhashed := *e
	unhashed.ContentHash = ""
	h, err := canonical.Hash(&unhashed)
	if err != nil {
		return "", fmt.Errorf("settle: entry hash: %w", err)
	}
	return h, nil
}
