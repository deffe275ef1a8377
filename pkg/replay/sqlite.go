package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteLedger is a durable Ledger backed by SQLite. The claim is made
// atomic by INSERT OR IGNORE on the composite primary key.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger creates the schema if needed.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS replay_ledger (
		tenant_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		cached_response BLOB,
		claimed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, idempotency_key)
	);`
	_, err := l.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("replay: migrate failed: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Claim(ctx context.Context, tenantID, key, requestHash string) (*Claim, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO replay_ledger (tenant_id, idempotency_key, request_hash) VALUES (?, ?, ?)`,
		tenantID, key, requestHash,
	)
	if err != nil {
		return nil, fmt.Errorf("replay: claim insert failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return &Claim{Status: StatusNew}, nil
	}

	var storedHash string
	var completed bool
	var cached []byte
	err = l.db.QueryRowContext(ctx,
		`SELECT request_hash, completed, cached_response FROM replay_ledger WHERE tenant_id = ? AND idempotency_key = ?`,
		tenantID, key,
	).Scan(&storedHash, &completed, &cached)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Record vanished between insert and select (a concurrent
			// Release); treat as a lost race and let the caller retry.
			return &Claim{Status: StatusInFlight}, nil
		}
		return nil, fmt.Errorf("replay: claim lookup failed: %w", err)
	}

	switch {
	case storedHash != requestHash:
		return &Claim{Status: StatusConflict}, nil
	case completed:
		return &Claim{Status: StatusReplay, CachedResponse: cached}, nil
	default:
		return &Claim{Status: StatusInFlight}, nil
	}
}

func (l *SQLiteLedger) Complete(ctx context.Context, tenantID, key, requestHash string, response []byte) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE replay_ledger SET completed = 1, cached_response = ?
		 WHERE tenant_id = ? AND idempotency_key = ? AND request_hash = ? AND completed = 0`,
		response, tenantID, key, requestHash,
	)
	if err != nil {
		return fmt.Errorf("replay: complete failed: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (l *SQLiteLedger) Release(ctx context.Context, tenantID, key, requestHash string) error {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM replay_ledger
		 WHERE tenant_id = ? AND idempotency_key = ? AND request_hash = ? AND completed = 0`,
		tenantID, key, requestHash,
	)
	if err != nil {
		return fmt.Errorf("replay: release failed: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return ErrNotClaimed
	}
	return nil
}
