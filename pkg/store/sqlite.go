package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
	"github.com/clearhold-labs/clearhold/core/pkg/gate"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements gate.Store on SQLite. Aggregates are stored as
// JSON with the lookup columns alongside; receipts are insert-only.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and its schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS gates (
        tenant_id TEXT NOT NULL,
        gate_id TEXT NOT NULL,
        status TEXT NOT NULL,
        actor_id TEXT NOT NULL,
        body JSON NOT NULL,
        PRIMARY KEY (tenant_id, gate_id)
    );
    CREATE INDEX IF NOT EXISTS idx_gates_status ON gates (status);

    CREATE TABLE IF NOT EXISTS policy_decisions (
        tenant_id TEXT NOT NULL,
        decision_id TEXT NOT NULL,
        body JSON NOT NULL,
        PRIMARY KEY (tenant_id, decision_id)
    );

    CREATE TABLE IF NOT EXISTS receipts (
        tenant_id TEXT NOT NULL,
        receipt_id TEXT NOT NULL,
        gate_id TEXT NOT NULL,
        body JSON NOT NULL,
        PRIMARY KEY (tenant_id, receipt_id)
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) SaveGate(ctx context.Context, g *contracts.Gate) error {
	body, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("store: marshal gate: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO gates (tenant_id, gate_id, status, actor_id, body)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (tenant_id, gate_id)
        DO UPDATE SET status = excluded.status, body = excluded.body
    `, g.TenantID, g.GateID, string(g.Status), g.ActorID, body)
	return err
}

func (s *SQLiteStore) GetGate(ctx context.Context, tenantID, gateID string) (*contracts.Gate, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM gates WHERE tenant_id = ? AND gate_id = ?`,
		tenantID, gateID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: gate %s", gate.ErrNotFound, gateID)
	}
	if err != nil {
		return nil, err
	}
	var g contracts.Gate
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, fmt.Errorf("store: unmarshal gate %s: %w", gateID, err)
	}
	return &g, nil
}

func (s *SQLiteStore) ListGatesByStatus(ctx context.Context, status contracts.GateStatus) ([]*contracts.Gate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM gates WHERE status = ?`, string(status))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Gate
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var g contracts.Gate
		if err := json.Unmarshal(body, &g); err != nil {
			return nil, fmt.Errorf("store: unmarshal gate row: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveDecision(ctx context.Context, tenantID string, d *contracts.PolicyDecision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: marshal decision: %w", err)
	}
	// Decisions are deterministic per (actionHash, policyHash); replaying
	// the same evaluation writes the same row.
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO policy_decisions (tenant_id, decision_id, body)
        VALUES (?, ?, ?)
        ON CONFLICT (tenant_id, decision_id) DO NOTHING
    `, tenantID, d.DecisionID, body)
	return err
}

func (s *SQLiteStore) GetDecision(ctx context.Context, tenantID, decisionID string) (*contracts.PolicyDecision, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM policy_decisions WHERE tenant_id = ? AND decision_id = ?`,
		tenantID, decisionID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: decision %s", gate.ErrNotFound, decisionID)
	}
	if err != nil {
		return nil, err
	}
	var d contracts.PolicyDecision
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("store: unmarshal decision %s: %w", decisionID, err)
	}
	return &d, nil
}

func (s *SQLiteStore) SaveReceipt(ctx context.Context, tenantID string, r *contracts.Receipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal receipt: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO receipts (tenant_id, receipt_id, gate_id, body)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (tenant_id, receipt_id) DO NOTHING
    `, tenantID, r.ReceiptID, r.GateID, body)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: receipt %s already exists; receipts are immutable", r.ReceiptID)
	}
	return nil
}

func (s *SQLiteStore) GetReceipt(ctx context.Context, tenantID, receiptID string) (*contracts.Receipt, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM receipts WHERE tenant_id = ? AND receipt_id = ?`,
		tenantID, receiptID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: receipt %s", gate.ErrNotFound, receiptID)
	}
	if err != nil {
		return nil, err
	}
	var r contracts.Receipt
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("store: unmarshal receipt %s: %w", receiptID, err)
	}
	return &r, nil
}
