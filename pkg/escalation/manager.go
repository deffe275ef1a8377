package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
	"github.com/clearhold-labs/clearhold/core/pkg/crypto"
)

// DefaultRequestTTL bounds how long a pending escalation waits for a human
// before timing out to denial.
const DefaultRequestTTL = 24 * time.Hour

// Manager tracks the lifecycle of escalation requests and mints the signed
// decision artifacts when a human resolves one. Requests time out to
// denial, never to approval.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*contracts.EscalationRequest
	signer   crypto.Signer
	ttl      time.Duration
	clock    func() time.Time
}

// NewManager creates a manager signing decisions with the given key.
func NewManager(signer crypto.Signer) *Manager {
	return &Manager{
		requests: make(map[string]*contracts.EscalationRequest),
		signer:   signer,
		ttl:      DefaultRequestTTL,
		clock:    time.Now,
	}
}

// WithTTL overrides the pending-request lifetime.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Open registers a new escalation request for a blocked gate.
func (m *Manager) Open(ctx context.Context, tenantID, gateID, actionID, actionHash string, reasonCodes []string) (*contracts.EscalationRequest, error) {
	_ = ctx
	now := m.clock().UTC()
	req := &contracts.EscalationRequest{
		EscalationID: uuid.New().String(),
		TenantID:     tenantID,
		GateID:       gateID,
		ActionID:     actionID,
		ActionHash:   actionHash,
		ReasonCodes:  reasonCodes,
		Status:       contracts.EscalationPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
	}

	m.mu.Lock()
	m.requests[req.EscalationID] = req
	m.mu.Unlock()

	return req, nil
}

// Get returns a request by id.
func (m *Manager) Get(escalationID string) (*contracts.EscalationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[escalationID]
	if !ok {
		return nil, fmt.Errorf("escalation request %q not found", escalationID)
	}
	return req, nil
}

// Resolve records the human verdict and returns the signed, one-time
// decision artifact bound to the request's action hash.
func (m *Manager) Resolve(ctx context.Context, escalationID, decidedBy string, approved bool, reason string, evidenceRefs []string) (*contracts.EscalationDecision, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[escalationID]
	if !ok {
		return nil, fmt.Errorf("escalation request %q not found", escalationID)
	}
	if req.Status != contracts.EscalationPending {
		return nil, fmt.Errorf("escalation request %q is not pending (status=%s)", escalationID, req.Status)
	}

	now := m.clock().UTC()
	if now.After(req.ExpiresAt) {
		req.Status = contracts.EscalationTimedOut
		return nil, fmt.Errorf("escalation request %q expired at %s", escalationID, req.ExpiresAt.Format(time.RFC3339))
	}

	if approved {
		req.Status = contracts.EscalationApproved
	} else {
		req.Status = contracts.EscalationDenied
	}

	expiry := req.ExpiresAt
	decision := &contracts.EscalationDecision{
		DecisionID:   uuid.New().String(),
		EscalationID: req.EscalationID,
		ActionID:     req.ActionID,
		ActionHash:   req.ActionHash,
		DecidedBy:    decidedBy,
		Approved:     approved,
		Reason:       reason,
		DecidedAt:    now,
		ExpiresAt:    &expiry,
		EvidenceRefs: evidenceRefs,
	}
	if err := m.signer.SignEscalation(decision); err != nil {
		return nil, fmt.Errorf("signing escalation decision: %w", err)
	}
	return decision, nil
}

// ExpirePending sweeps pending requests past their deadline, marking them
// timed out. Returns the ids swept.
func (m *Manager) ExpirePending(ctx context.Context) []string {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var swept []string
	for id, req := range m.requests {
		if req.Status == contracts.EscalationPending && now.After(req.ExpiresAt) {
			req.Status = contracts.EscalationTimedOut
			swept = append(swept, id)
		}
	}
	return swept
}

// PendingCount returns the number of requests awaiting a human.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, req := range m.requests {
		if req.Status == contracts.EscalationPending {
			n++
		}
	}
	return n
}
