package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clearhold-labs/clearhold/core/pkg/canonical"
	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
	"github.com/clearhold-labs/clearhold/core/pkg/escalation"
	"github.com/clearhold-labs/clearhold/core/pkg/policy"
	"github.com/clearhold-labs/clearhold/core/pkg/replay"
	"github.com/clearhold-labs/clearhold/core/pkg/settle"
	"github.com/clearhold-labs/clearhold/core/pkg/verify"
)

// Sentinel errors surfaced to the boundary layer.
var (
	// ErrConflict means an idempotency key was reused with a different
	// request. A client error, never retried automatically.
	ErrConflict = errors.New("gate: idempotency key reused with different request")
	// ErrInFlight means another caller holds the claim for this operation.
	ErrInFlight = errors.New("gate: operation in flight")
	// ErrBindingInvalid means the gate's execution binding is missing,
	// expired, or does not cover the action being executed.
	ErrBindingInvalid = errors.New("gate: execution binding invalid")
)

// Defaults applied when a decide request leaves terms unset.
const (
	DefaultHoldbackBps     = 0
	DefaultDisputeWindowMs = 72 * 60 * 60 * 1000
	DefaultCurrency        = "USD"
)

// Service orchestrates gate transitions. It is stateless apart from the
// insolvency freeze set; any instance may handle any request, with the
// replay ledger providing the only cross-instance coordination.
type Service struct {
	store       Store
	replays     replay.Ledger
	ledger      *settle.Ledger
	verifier    *verify.Verifier
	engine      *policy.Engine
	enforcer    *escalation.Enforcer
	escalations *escalation.Manager

	events EventSink
	log    *slog.Logger
	clock  func() time.Time

	policyFor func(tenantID string) *policy.Policy
	trustFor  func(tenantID string) verify.TrustConfig
	split     settle.SplitConfig

	mu     sync.Mutex
	frozen map[string]bool
}

// NewService wires the kernel collaborators together.
func NewService(store Store, replays replay.Ledger, ledger *settle.Ledger, verifier *verify.Verifier, engine *policy.Engine, enforcer *escalation.Enforcer, escalations *escalation.Manager) *Service {
	return &Service{
		store:       store,
		replays:     replays,
		ledger:      ledger,
		verifier:    verifier,
		engine:      engine,
		enforcer:    enforcer,
		escalations: escalations,
		events:      discardSink{},
		log:         slog.Default(),
		clock:       time.Now,
		policyFor:   func(string) *policy.Policy { return &policy.Policy{} },
		trustFor:    func(string) verify.TrustConfig { return verify.TrustConfig{} },
		split:       settle.DefaultSplit(),
	}
}

// WithEvents attaches the terminal-transition event sink.
func (s *Service) WithEvents(sink EventSink) *Service {
	s.events = sink
	return s
}

// WithLogger overrides the logger.
func (s *Service) WithLogger(log *slog.Logger) *Service {
	s.log = log
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithPolicyProvider sets the per-tenant policy resolver.
func (s *Service) WithPolicyProvider(fn func(tenantID string) *policy.Policy) *Service {
	s.policyFor = fn
	return s
}

// WithTrustProvider sets the per-tenant trust config resolver.
func (s *Service) WithTrustProvider(fn func(tenantID string) verify.TrustConfig) *Service {
	s.trustFor = fn
	return s
}

// WithSplit sets the release split configuration.
func (s *Service) WithSplit(split settle.SplitConfig) *Service {
	s.split = split
	return s
}

// DecideRequest opens a gate for an action and runs policy over it.
type DecideRequest struct {
	TenantID       string            `json:"tenant_id"`
	Action         *contracts.Action `json:"action"`
	IdempotencyKey string            `json:"idempotency_key"`

	// Optional terms; zero values take the service defaults.
	HoldbackBps     int64 `json:"holdback_bps,omitempty"`
	DisputeWindowMs int64 `json:"dispute_window_ms,omitempty"`
}

// DecideResponse is the decision boundary contract.
type DecideResponse struct {
	GateID       string                 `json:"gate_id"`
	Status       contracts.GateStatus   `json:"status"`
	Outcome      contracts.PolicyOutcome `json:"outcome"`
	ReasonCodes  []string               `json:"reason_codes"`
	PolicyHash   string                 `json:"policy_hash"`
	EscalationID string                 `json:"escalation_id,omitempty"`
}

// Decide evaluates policy for an action and opens its gate. Replaying the
// same (idempotencyKey, action) returns the cached response verbatim with
// no second side effect.
func (s *Service) Decide(ctx context.Context, req *DecideRequest) (*DecideResponse, error) {
	if req.Action == nil {
		return nil, fmt.Errorf("gate: decide request has no action")
	}
	if err := req.Action.Validate(); err != nil {
		return nil, err
	}
	requestHash, err := canonical.Hash(req.Action)
	if err != nil {
		return nil, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = "decide:" + req.Action.ActionID
	}

	payload, replayed, err := s.withClaim(ctx, req.TenantID, key, requestHash, func() ([]byte, error) {
		resp, err := s.decide(ctx, req, requestHash)
		if err != nil {
			return nil, err
		}
		return canonical.JCS(resp)
	})
	if err != nil {
		return nil, err
	}
	var resp DecideResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("gate: decode cached decide response: %w", err)
	}
	if replayed {
		s.log.DebugContext(ctx, "decide replayed", "tenant_id", req.TenantID, "gate_id", resp.GateID)
	}
	return &resp, nil
}

func (s *Service) decide(ctx context.Context, req *DecideRequest, requestHash string) (*DecideResponse, error) {
	now := s.clock().UTC()
	pol := s.policyFor(req.TenantID)

	decision, err := s.engine.Evaluate(req.Action, pol)
	if err != nil {
		return nil, err
	}
	if s.ActorFrozen(req.Action.ActorID) {
		// Insolvency freeze forces the conservative outcome regardless of
		// what policy said.
		decision.Outcome = contracts.OutcomeDeny
		decision.ReasonCodes = append(decision.ReasonCodes, contracts.ReasonActorFrozen)
	}
	if err := s.store.SaveDecision(ctx, req.TenantID, decision); err != nil {
		return nil, fmt.Errorf("gate: persist decision: %w", err)
	}

	holdback := req.HoldbackBps
	if holdback == 0 {
		holdback = DefaultHoldbackBps
	}
	window := req.DisputeWindowMs
	if window == 0 {
		window = DefaultDisputeWindowMs
	}

	// The gate id derives from the decision, which itself derives from
	// (actionHash, policyHash). A retry after a partial failure recreates
	// the same gate instead of orphaning a half-written one.
	g := &contracts.Gate{
		GateID:            gateID(req.TenantID, decision.DecisionID),
		TenantID:          req.TenantID,
		ActorID:           req.Action.ActorID,
		Status:            contracts.GateCreated,
		AmountCents:       req.Action.AmountCents,
		Currency:          DefaultCurrency,
		HoldbackBps:       holdback,
		DisputeWindowMs:   window,
		RequestHash:       requestHash,
		PolicyDecisionRef: decision.DecisionID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := Transition(g, contracts.GatePaymentRequired, now); err != nil {
		return nil, err
	}

	resp := &DecideResponse{
		GateID:      g.GateID,
		Outcome:     decision.Outcome,
		ReasonCodes: decision.ReasonCodes,
		PolicyHash:  decision.PolicyHash,
	}

	switch decision.Outcome {
	case contracts.OutcomeAllow:
		if err := s.hold(g, decision.PolicyHash, now); err != nil {
			return nil, err
		}
	case contracts.OutcomeDeny:
		if err := Transition(g, contracts.GateDenied, now); err != nil {
			return nil, err
		}
		s.emit(ctx, contracts.EventGateDenied, g, "")
	case contracts.OutcomeEscalate:
		if err := Transition(g, contracts.GateEscalated, now); err != nil {
			return nil, err
		}
		esc, err := s.escalations.Open(ctx, req.TenantID, g.GateID, req.Action.ActionID, requestHash, decision.ReasonCodes)
		if err != nil {
			return nil, err
		}
		g.EscalationRef = esc.EscalationID
		resp.EscalationID = esc.EscalationID
		s.emit(ctx, contracts.EventGateEscalated, g, "")
	case contracts.OutcomeChallenge:
		// Conditionally allowed: the gate waits in payment_required until
		// SubmitProof arrives with the named proof attached.
	default:
		return nil, fmt.Errorf("gate: unknown policy outcome %q", decision.Outcome)
	}

	if err := s.store.SaveGate(ctx, g); err != nil {
		return nil, fmt.Errorf("gate: persist gate: %w", err)
	}
	resp.Status = g.Status
	s.log.InfoContext(ctx, "gate decided",
		"tenant_id", req.TenantID, "gate_id", g.GateID,
		"outcome", decision.Outcome, "status", g.Status)
	return resp, nil
}

// hold moves the gate to held, issues its execution binding, and posts
// the escrow hold entry.
func (s *Service) hold(g *contracts.Gate, policyHash string, now time.Time) error {
	if err := Transition(g, contracts.GateHeld, now); err != nil {
		return err
	}
	g.Binding = &contracts.ExecutionBinding{
		BindingID:        uuid.New().String(),
		ActionHash:       g.RequestHash,
		PolicyHash:       policyHash,
		AmountCeilCents:  g.AmountCents,
		IssuedAt:         now,
		ExpiresAt:        now.Add(time.Duration(g.DisputeWindowMs) * time.Millisecond),
		PolicyDecisionID: g.PolicyDecisionRef,
	}
	if err := s.postOnce(g.TenantID, g.GateID, settle.EntryHold, settle.HoldPostings(g.AmountCents)); err != nil {
		return fmt.Errorf("gate: post hold entry: %w", err)
	}
	return nil
}

// postOnce posts a journal entry unless one of the same type already
// exists for the gate. A retry after a partial failure re-runs the whole
// operation; the ledger must never absorb the same settlement twice.
func (s *Service) postOnce(tenantID, gateID, entryType string, postings []contracts.Posting) error {
	for _, e := range s.ledger.EntriesForGate(tenantID, gateID) {
		if e.EntryType == entryType {
			return nil
		}
	}
	_, err := s.ledger.Post(tenantID, gateID, entryType, postings)
	return err
}

// gateID derives a stable gate id from the tenant and its policy decision.
func gateID(tenantID, decisionID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("clearhold:gate:"+tenantID+":"+decisionID)).String()
}

// ProofRequest resubmits a challenged action with the proof the policy
// named attached to its metadata.
type ProofRequest struct {
	TenantID       string            `json:"tenant_id"`
	GateID         string            `json:"gate_id"`
	Action         *contracts.Action `json:"action"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// SubmitProof advances a challenged gate. The action is re-evaluated with
// its attached proof: allow holds the funds, deny closes the gate, any
// other outcome leaves it waiting in payment_required.
func (s *Service) SubmitProof(ctx context.Context, req *ProofRequest) (*DecideResponse, error) {
	if req.GateID == "" {
		return nil, fmt.Errorf("gate: proof request has no gate id")
	}
	if req.Action == nil {
		return nil, fmt.Errorf("gate: proof request has no action")
	}
	if err := req.Action.Validate(); err != nil {
		return nil, err
	}
	requestHash, err := canonical.Hash(req.Action)
	if err != nil {
		return nil, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = "proof:" + req.GateID
	}

	payload, _, err := s.withClaim(ctx, req.TenantID, key, requestHash, func() ([]byte, error) {
		resp, err := s.submitProof(ctx, req, requestHash)
		if err != nil {
			return nil, err
		}
		return canonical.JCS(resp)
	})
	if err != nil {
		return nil, err
	}
	var resp DecideResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("gate: decode cached proof response: %w", err)
	}
	return &resp, nil
}

func (s *Service) submitProof(ctx context.Context, req *ProofRequest, requestHash string) (*DecideResponse, error) {
	now := s.clock().UTC()
	g, err := s.store.GetGate(ctx, req.TenantID, req.GateID)
	if err != nil {
		return nil, err
	}
	if g.Status != contracts.GatePaymentRequired {
		return nil, fmt.Errorf("gate: cannot attach proof to gate %s in status %s", g.GateID, g.Status)
	}
	if g.ActorID != req.Action.ActorID || g.AmountCents != req.Action.AmountCents {
		return nil, fmt.Errorf("gate: proof action does not match gate %s", g.GateID)
	}

	decision, err := s.engine.Evaluate(req.Action, s.policyFor(req.TenantID))
	if err != nil {
		return nil, err
	}
	if s.ActorFrozen(req.Action.ActorID) {
		decision.Outcome = contracts.OutcomeDeny
		decision.ReasonCodes = append(decision.ReasonCodes, contracts.ReasonActorFrozen)
	}
	if err := s.store.SaveDecision(ctx, req.TenantID, decision); err != nil {
		return nil, fmt.Errorf("gate: persist decision: %w", err)
	}

	resp := &DecideResponse{
		GateID:      g.GateID,
		Outcome:     decision.Outcome,
		ReasonCodes: decision.ReasonCodes,
		PolicyHash:  decision.PolicyHash,
	}
	switch decision.Outcome {
	case contracts.OutcomeAllow:
		g.RequestHash = requestHash
		g.PolicyDecisionRef = decision.DecisionID
		if err := s.hold(g, decision.PolicyHash, now); err != nil {
			return nil, err
		}
	case contracts.OutcomeDeny:
		g.PolicyDecisionRef = decision.DecisionID
		if err := Transition(g, contracts.GateDenied, now); err != nil {
			return nil, err
		}
		s.emit(ctx, contracts.EventGateDenied, g, "")
	default:
		// Proof still missing, or the resubmission tripped a blocking
		// rule: the gate keeps waiting, untouched.
		resp.Status = g.Status
		return resp, nil
	}

	if err := s.store.SaveGate(ctx, g); err != nil {
		return nil, fmt.Errorf("gate: persist gate: %w", err)
	}
	resp.Status = g.Status
	s.log.InfoContext(ctx, "challenged gate resolved",
		"tenant_id", req.TenantID, "gate_id", g.GateID,
		"outcome", decision.Outcome, "status", g.Status)
	return resp, nil
}

// VerifyRequest carries the captured upstream response for a held gate.
type VerifyRequest struct {
	TenantID       string            `json:"tenant_id"`
	GateID         string            `json:"gate_id"`
	Body           []byte            `json:"body"`
	Headers        map[string]string `json:"headers,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// VerifyResponse is the verify boundary contract.
type VerifyResponse struct {
	GateID              string                       `json:"gate_id"`
	VerificationStatus  contracts.VerificationStatus `json:"verification_status"`
	SettlementStatus    contracts.SettlementStatus   `json:"settlement_status"`
	ReleasedAmountCents int64                        `json:"released_amount_cents"`
	RefundedAmountCents int64                        `json:"refunded_amount_cents"`
	ReceiptID           string                       `json:"receipt_id"`
}

// Verify runs evidence verification for a gate and settles it. The claim
// key defaults to the gate id, so concurrent verify calls for the same
// gate are linearized: exactly one produces a receipt, the others replay
// it.
func (s *Service) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResponse, error) {
	if req.GateID == "" {
		return nil, fmt.Errorf("gate: verify request has no gate id")
	}
	requestHash := canonical.HashBytes(req.Body)
	key := req.IdempotencyKey
	if key == "" {
		key = "verify:" + req.GateID
	}

	payload, _, err := s.withClaim(ctx, req.TenantID, key, requestHash, func() ([]byte, error) {
		resp, err := s.settleVerify(ctx, req, requestHash)
		if err != nil {
			return nil, err
		}
		return canonical.JCS(resp)
	})
	if err != nil {
		return nil, err
	}
	var resp VerifyResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("gate: decode cached verify response: %w", err)
	}
	return &resp, nil
}

func (s *Service) settleVerify(ctx context.Context, req *VerifyRequest, responseHash string) (*VerifyResponse, error) {
	now := s.clock().UTC()
	g, err := s.store.GetGate(ctx, req.TenantID, req.GateID)
	if err != nil {
		return nil, err
	}

	switch g.Status {
	case contracts.GateHeld:
		if g.Binding == nil || !g.Binding.Covers(g.RequestHash, g.AmountCents, now) {
			return nil, fmt.Errorf("%w: gate %s", ErrBindingInvalid, g.GateID)
		}
		g.ResponseHash = responseHash
		if err := Transition(g, contracts.GateVerifying, now); err != nil {
			return nil, err
		}
		// Persist before verification so a crash here resumes by
		// re-running verification against the same response hash.
		if err := s.store.SaveGate(ctx, g); err != nil {
			return nil, fmt.Errorf("gate: persist verifying gate: %w", err)
		}
	case contracts.GateVerifying:
		if g.ResponseHash != "" && g.ResponseHash != responseHash {
			return nil, fmt.Errorf("gate: verify resume with different response (gate %s)", g.GateID)
		}
		g.ResponseHash = responseHash
	default:
		return nil, fmt.Errorf("gate: cannot verify gate %s in status %s", g.GateID, g.Status)
	}

	receipt, err := s.verifier.Verify(g, &verify.UpstreamResponse{Body: req.Body, Headers: req.Headers}, s.trustFor(req.TenantID))
	if err != nil {
		return nil, err
	}
	return s.applyReceipt(ctx, g, receipt, now)
}

// applyReceipt posts the settlement entry, persists the receipt, and moves
// the gate to its settled state. The ledger entry lands before the gate
// status flips: a released gate always has its balanced journal entry.
// Posting goes through postOnce, so a retry after the receipt or gate
// failed to persist settles the ledger exactly once.
func (s *Service) applyReceipt(ctx context.Context, g *contracts.Gate, receipt *contracts.Receipt, now time.Time) (*VerifyResponse, error) {
	var (
		target    contracts.GateStatus
		eventType contracts.EventType
	)
	if receipt.SettlementStatus == contracts.SettlementReleased {
		postings, err := settle.ReleasePostings(g.AmountCents, g.HoldbackBps, s.split)
		if err != nil {
			return nil, err
		}
		if err := s.postOnce(g.TenantID, g.GateID, settle.EntryRelease, postings); err != nil {
			return nil, fmt.Errorf("gate: post release entry: %w", err)
		}
		target, eventType = contracts.GateSettledReleased, contracts.EventGateReleased
	} else {
		if err := s.postOnce(g.TenantID, g.GateID, settle.EntryRefund, settle.RefundPostings(g.AmountCents)); err != nil {
			return nil, fmt.Errorf("gate: post refund entry: %w", err)
		}
		target, eventType = contracts.GateSettledRefunded, contracts.EventGateRefunded
	}

	if err := s.store.SaveReceipt(ctx, g.TenantID, receipt); err != nil {
		return nil, fmt.Errorf("gate: persist receipt: %w", err)
	}
	g.ReceiptRef = receipt.ReceiptID
	if err := Transition(g, target, now); err != nil {
		return nil, err
	}
	if err := s.store.SaveGate(ctx, g); err != nil {
		return nil, fmt.Errorf("gate: persist settled gate: %w", err)
	}
	s.emit(ctx, eventType, g, receipt.ReceiptID)
	s.log.InfoContext(ctx, "gate settled",
		"tenant_id", g.TenantID, "gate_id", g.GateID,
		"settlement", receipt.SettlementStatus, "verification", receipt.VerificationStatus)

	return &VerifyResponse{
		GateID:              g.GateID,
		VerificationStatus:  receipt.VerificationStatus,
		SettlementStatus:    receipt.SettlementStatus,
		ReleasedAmountCents: receipt.ReleasedAmountCents,
		RefundedAmountCents: receipt.RefundedAmountCents,
		ReceiptID:           receipt.ReceiptID,
	}, nil
}

// ResolveEscalation records a human verdict on a pending escalation and
// returns the signed decision artifact.
func (s *Service) ResolveEscalation(ctx context.Context, escalationID, decidedBy string, approve bool, reason string, evidenceRefs []string) (*contracts.EscalationDecision, error) {
	return s.escalations.Resolve(ctx, escalationID, decidedBy, approve, reason, evidenceRefs)
}

// ResumeResponse reports the outcome of applying an escalation decision.
type ResumeResponse struct {
	GateID         string                     `json:"gate_id"`
	Status         contracts.GateStatus       `json:"status"`
	Approved       bool                       `json:"approved"`
	BlockingIssues []contracts.EscalationCode `json:"blocking_issues,omitempty"`
}

// ResumeEscalated applies a signed escalation decision to its gate: an
// approving decision resumes the gate to held, an explicit denial voids it,
// any other validation failure leaves the gate escalated with the blocking
// code reported.
func (s *Service) ResumeEscalated(ctx context.Context, tenantID string, action *contracts.Action, decision *contracts.EscalationDecision) (*ResumeResponse, error) {
	if decision == nil || decision.EscalationID == "" {
		return nil, fmt.Errorf("gate: resume needs a decision referencing its escalation")
	}
	esc, err := s.escalations.Get(decision.EscalationID)
	if err != nil {
		return nil, err
	}
	decisionHash, err := canonical.Hash(decision)
	if err != nil {
		return nil, err
	}

	key := "resume:" + esc.GateID + ":" + decision.DecisionID
	payload, _, err := s.withClaim(ctx, tenantID, key, decisionHash, func() ([]byte, error) {
		resp, err := s.resume(ctx, tenantID, esc.GateID, action, decision)
		if err != nil {
			return nil, err
		}
		return canonical.JCS(resp)
	})
	if err != nil {
		return nil, err
	}
	var resp ResumeResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("gate: decode cached resume response: %w", err)
	}
	return &resp, nil
}

func (s *Service) resume(ctx context.Context, tenantID, gateID string, action *contracts.Action, decision *contracts.EscalationDecision) (*ResumeResponse, error) {
	now := s.clock().UTC()
	g, err := s.store.GetGate(ctx, tenantID, gateID)
	if err != nil {
		return nil, err
	}
	if g.Status != contracts.GateEscalated {
		return nil, fmt.Errorf("gate: cannot resume gate %s in status %s", g.GateID, g.Status)
	}
	actionHash, err := canonical.Hash(action)
	if err != nil {
		return nil, err
	}
	if actionHash != g.RequestHash {
		return nil, fmt.Errorf("gate: action does not match gate %s request hash", g.GateID)
	}

	result, err := s.enforcer.EnforceHighRiskApproval(action, s.policyFor(tenantID), decision)
	if err != nil {
		return nil, err
	}

	resp := &ResumeResponse{GateID: g.GateID, Approved: result.Approved, BlockingIssues: result.BlockingIssues}
	switch {
	case result.Approved:
		policyHash, err := s.policyFor(tenantID).Hash()
		if err != nil {
			return nil, err
		}
		if err := s.hold(g, policyHash, now); err != nil {
			return nil, err
		}
	case blockedWith(result, contracts.CodeDenied):
		if err := Transition(g, contracts.GateVoided, now); err != nil {
			return nil, err
		}
		s.emit(ctx, contracts.EventGateVoided, g, "")
	default:
		// Invalid, expired, or under-evidenced decision: the gate stays
		// escalated awaiting a usable one.
		resp.Status = g.Status
		return resp, nil
	}

	if err := s.store.SaveGate(ctx, g); err != nil {
		return nil, fmt.Errorf("gate: persist resumed gate: %w", err)
	}
	resp.Status = g.Status
	s.log.InfoContext(ctx, "escalated gate resolved",
		"tenant_id", tenantID, "gate_id", g.GateID, "status", g.Status)
	return resp, nil
}

func blockedWith(r *escalation.ApprovalResult, code contracts.EscalationCode) bool {
	for _, c := range r.BlockingIssues {
		if c == code {
			return true
		}
	}
	return false
}

// SweepVerifying resolves gates stuck in verifying past their dispute
// window to settled_refunded. Liability is bounded: a silent upstream
// never leaves a gate open indefinitely.
func (s *Service) SweepVerifying(ctx context.Context) ([]string, error) {
	now := s.clock().UTC()
	gates, err := s.store.ListGatesByStatus(ctx, contracts.GateVerifying)
	if err != nil {
		return nil, err
	}

	var swept []string
	for _, g := range gates {
		deadline := g.UpdatedAt.Add(time.Duration(g.DisputeWindowMs) * time.Millisecond)
		if !now.After(deadline) {
			continue
		}
		receipt, err := s.verifier.RefundReceipt(g, contracts.VerificationTimeout)
		if err != nil {
			return swept, err
		}
		if _, err := s.applyReceipt(ctx, g, receipt, now); err != nil {
			return swept, err
		}
		swept = append(swept, g.GateID)
	}
	return swept, nil
}

// ApplyReversal executes an accepted dispute's reversal command: posts the
// compensating entries, issues the correcting receipt, and moves the gate
// settled_released → disputed → reversed. Original records are untouched.
func (s *Service) ApplyReversal(ctx context.Context, tenantID string, cmd *contracts.ReversalCommand) (*contracts.Receipt, error) {
	now := s.clock().UTC()
	g, err := s.store.GetGate(ctx, tenantID, cmd.GateID)
	if err != nil {
		return nil, err
	}
	if g.Status != contracts.GateSettledReleased {
		return nil, fmt.Errorf("gate: cannot reverse gate %s in status %s", g.GateID, g.Status)
	}

	var release *contracts.JournalEntry
	for _, e := range s.ledger.EntriesForGate(tenantID, g.GateID) {
		if e.EntryType == settle.EntryRelease {
			entry := e
			release = &entry
			break
		}
	}
	if release == nil {
		return nil, fmt.Errorf("gate: no release entry for gate %s", g.GateID)
	}

	postings, err := settle.ReversalPostings(release, cmd.AmountCents)
	if err != nil {
		return nil, err
	}
	if err := s.postOnce(tenantID, g.GateID, settle.EntryReversal, postings); err != nil {
		return nil, fmt.Errorf("gate: post reversal entry: %w", err)
	}

	prev, err := s.store.GetReceipt(ctx, tenantID, cmd.ReceiptID)
	if err != nil {
		return nil, err
	}
	receipt, err := s.verifier.ReversalReceipt(g, prev, cmd.AmountCents)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveReceipt(ctx, tenantID, receipt); err != nil {
		return nil, fmt.Errorf("gate: persist reversal receipt: %w", err)
	}

	if err := Transition(g, contracts.GateDisputed, now); err != nil {
		return nil, err
	}
	if err := Transition(g, contracts.GateReversed, now); err != nil {
		return nil, err
	}
	if err := s.store.SaveGate(ctx, g); err != nil {
		return nil, fmt.Errorf("gate: persist reversed gate: %w", err)
	}
	s.emit(ctx, contracts.EventGateReversed, g, receipt.ReceiptID)
	s.log.InfoContext(ctx, "gate reversed",
		"tenant_id", tenantID, "gate_id", g.GateID,
		"dispute_id", cmd.DisputeID, "amount_cents", cmd.AmountCents)
	return receipt, nil
}

// ApplyUnwind forces an outstanding held gate to settled_refunded during an
// insolvency unwind.
func (s *Service) ApplyUnwind(ctx context.Context, tenantID string, cmd *contracts.UnwindCommand) (*contracts.Receipt, error) {
	now := s.clock().UTC()
	g, err := s.store.GetGate(ctx, tenantID, cmd.GateID)
	if err != nil {
		return nil, err
	}
	if g.Status != contracts.GateHeld {
		return nil, fmt.Errorf("gate: cannot unwind gate %s in status %s", g.GateID, g.Status)
	}
	receipt, err := s.verifier.RefundReceipt(g, contracts.VerificationSkipped)
	if err != nil {
		return nil, err
	}
	if err := s.postOnce(tenantID, g.GateID, settle.EntryRefund, settle.RefundPostings(g.AmountCents)); err != nil {
		return nil, fmt.Errorf("gate: post unwind refund: %w", err)
	}
	if err := s.store.SaveReceipt(ctx, tenantID, receipt); err != nil {
		return nil, fmt.Errorf("gate: persist unwind receipt: %w", err)
	}
	g.ReceiptRef = receipt.ReceiptID
	if err := Transition(g, contracts.GateSettledRefunded, now); err != nil {
		return nil, err
	}
	if err := s.store.SaveGate(ctx, g); err != nil {
		return nil, fmt.Errorf("gate: persist unwound gate: %w", err)
	}
	s.emit(ctx, contracts.EventGateRefunded, g, receipt.ReceiptID)
	return receipt, nil
}

// HeldGatesFor returns the held gates for an actor, for the insolvency
// engine to turn into unwind commands.
func (s *Service) HeldGatesFor(ctx context.Context, actorID string) ([]*contracts.Gate, error) {
	gates, err := s.store.ListGatesByStatus(ctx, contracts.GateHeld)
	if err != nil {
		return nil, err
	}
	var out []*contracts.Gate
	for _, g := range gates {
		if g.ActorID == actorID {
			out = append(out, g)
		}
	}
	return out, nil
}

// FreezeActor blocks new gates for an actor. Subsequent decide calls for
// the actor resolve to deny with ACTOR_FROZEN.
func (s *Service) FreezeActor(actorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen == nil {
		s.frozen = make(map[string]bool)
	}
	s.frozen[actorID] = true
}

// UnfreezeActor lifts a freeze.
func (s *Service) UnfreezeActor(actorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.frozen, actorID)
}

// ActorFrozen reports whether an actor is under an insolvency freeze.
func (s *Service) ActorFrozen(actorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen[actorID]
}

// withClaim runs fn under a replay-ledger claim. A replayed call returns
// the cached payload with replayed=true; a failed fn releases the claim so
// a later retry can run.
func (s *Service) withClaim(ctx context.Context, tenantID, key, requestHash string, fn func() ([]byte, error)) ([]byte, bool, error) {
	claim, err := s.replays.Claim(ctx, tenantID, key, requestHash)
	if err != nil {
		return nil, false, fmt.Errorf("gate: claim %q: %w", key, err)
	}
	switch claim.Status {
	case replay.StatusReplay:
		return claim.CachedResponse, true, nil
	case replay.StatusInFlight:
		return nil, false, fmt.Errorf("%w: %s", ErrInFlight, key)
	case replay.StatusConflict:
		return nil, false, fmt.Errorf("%w: %s", ErrConflict, key)
	}

	payload, err := fn()
	if err != nil {
		if relErr := s.replays.Release(ctx, tenantID, key, requestHash); relErr != nil {
			s.log.ErrorContext(ctx, "release claim failed", "key", key, "error", relErr)
		}
		return nil, false, err
	}
	if err := s.replays.Complete(ctx, tenantID, key, requestHash, payload); err != nil {
		return nil, false, fmt.Errorf("gate: complete %q: %w", key, err)
	}
	return payload, false, nil
}

func (s *Service) emit(ctx context.Context, eventType contracts.EventType, g *contracts.Gate, receiptID string) {
	s.events.Emit(ctx, contracts.Event{
		EventType:  eventType,
		TenantID:   g.TenantID,
		GateID:     g.GateID,
		ReceiptID:  receiptID,
		OccurredAt: s.clock().UTC(),
	})
}
