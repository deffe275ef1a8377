package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresLedger is the Ledger for multi-node deployments. Claims rely on
// ON CONFLICT DO NOTHING against the composite primary key, so concurrent
// replicas race safely at the database.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger wraps an open connection. Schema is managed by the
// deployment's migration step:
//
//	CREATE TABLE replay_ledger (
//		tenant_id TEXT NOT NULL,
//		idempotency_key TEXT NOT NULL,
//		request_hash TEXT NOT NULL,
//		completed BOOLEAN NOT NULL DEFAULT FALSE,
//		cached_response BYTEA,
//		claimed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//		PRIMARY KEY (tenant_id, idempotency_key)
//	);
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Claim(ctx context.Context, tenantID, key, requestHash string) (*Claim, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO replay_ledger (tenant_id, idempotency_key, request_hash)
		 VALUES ($1, $2, $3) ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`,
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
		`SELECT request_hash, completed, cached_response FROM replay_ledger
		 WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, key,
	).Scan(&storedHash, &completed, &cached)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

func (l *PostgresLedger) Complete(ctx context.Context, tenantID, key, requestHash string, response []byte) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE replay_ledger SET completed = TRUE, cached_response = $1
		 WHERE tenant_id = $2 AND idempotency_key = $3 AND request_hash = $4 AND completed = FALSE`,
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

func (l *PostgresLedger) Release(ctx context.Context, tenantID, key, requestHash string) error {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM replay_ledger
		 WHERE tenant_id = $1 AND idempotency_key = $2 AND request_hash = $3 AND completed = FALSE`,
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
