package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/clearhold-labs/clearhold/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteJournal is the durable append log behind the settlement ledger.
// It implements settle.Appender; an insert failure aborts the post, so a
// gate is never settled without its journal entry on disk.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal creates the journal and its schema.
func NewSQLiteJournal(db *sql.DB) (*SQLiteJournal, error) {
	j := &SQLiteJournal{db: db}
	if err := j.migrate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS journal_entries (
        entry_id TEXT PRIMARY KEY,
        tenant_id TEXT NOT NULL,
        gate_id TEXT NOT NULL,
        entry_type TEXT NOT NULL,
        prev_hash TEXT NOT NULL,
        content_hash TEXT NOT NULL,
        posted_at DATETIME NOT NULL,
        postings JSON NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_journal_tenant ON journal_entries (tenant_id);
    CREATE INDEX IF NOT EXISTS idx_journal_gate ON journal_entries (tenant_id, gate_id);`
	_, err := j.db.ExecContext(context.Background(), query)
	return err
}

// AppendEntry persists one balanced entry. Entries are insert-only; a
// duplicate entry id is an invariant violation, not an upsert.
func (j *SQLiteJournal) AppendEntry(entry *contracts.JournalEntry) error {
	postings, err := json.Marshal(entry.Postings)
	if err != nil {
		return fmt.Errorf("store: marshal postings: %w", err)
	}
	_, err = j.db.ExecContext(context.Background(), `
        INSERT INTO journal_entries
            (entry_id, tenant_id, gate_id, entry_type, prev_hash, content_hash, posted_at, postings)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `, entry.EntryID, entry.TenantID, entry.GateID, entry.EntryType,
		entry.PrevHash, entry.ContentHash, entry.PostedAt, postings)
	if err != nil {
		return fmt.Errorf("store: append journal entry %s: %w", entry.EntryID, err)
	}
	return nil
}

// LoadEntries returns all persisted entries in insertion order, for
// rebuilding the in-memory ledger on restart. Ordering by rowid keeps the
// per-tenant hash chain intact when timestamps tie.
func (j *SQLiteJournal) LoadEntries(ctx context.Context) ([]contracts.JournalEntry, error) {
	rows, err := j.db.QueryContext(ctx, `
        SELECT entry_id, tenant_id, gate_id, entry_type, prev_hash, content_hash, posted_at, postings
        FROM journal_entries
        ORDER BY rowid
    `)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []contracts.JournalEntry
	for rows.Next() {
		var (
			e        contracts.JournalEntry
			postings []byte
		)
		if err := rows.Scan(&e.EntryID, &e.TenantID, &e.GateID, &e.EntryType,
			&e.PrevHash, &e.ContentHash, &e.PostedAt, &postings); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(postings, &e.Postings); err != nil {
			return nil, fmt.Errorf("store: unmarshal postings for %s: %w", e.EntryID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
