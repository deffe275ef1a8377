package gate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
	"github.com/clearhold-labs/clearhold/core/pkg/crypto"
	"github.com/clearhold-labs/clearhold/core/pkg/escalation"
	"github.com/clearhold-labs/clearhold/core/pkg/gate"
	"github.com/clearhold-labs/clearhold/core/pkg/policy"
	"github.com/clearhold-labs/clearhold/core/pkg/replay"
	"github.com/clearhold-labs/clearhold/core/pkg/settle"
	"github.com/clearhold-labs/clearhold/core/pkg/store"
	"github.com/clearhold-labs/clearhold/core/pkg/verify"
)

type captureSink struct {
	mu     sync.Mutex
	events []contracts.Event
}

func (c *captureSink) Emit(_ context.Context, ev contracts.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) types() []contracts.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []contracts.EventType
	for _, ev := range c.events {
		out = append(out, ev.EventType)
	}
	return out
}

type testEnv struct {
	svc    *gate.Service
	store  *store.MemoryStore
	ledger *settle.Ledger
	sink   *captureSink
	signer *crypto.Ed25519Signer
	now    time.Time
}

func (e *testEnv) advance(d time.Duration) { e.now = e.now.Add(d) }

func newTestEnv(t *testing.T, pol *policy.Policy, trust verify.TrustConfig) *testEnv {
	t.Helper()
	return newTestEnvStore(t, pol, trust, nil)
}

// newTestEnvStore wires the service over a wrapped store, for injecting
// persistence failures. env.store stays the underlying memory store.
func newTestEnvStore(t *testing.T, pol *policy.Policy, trust verify.TrustConfig, wrap func(gate.Store) gate.Store) *testEnv {
	t.Helper()
	env := &testEnv{
		store: store.NewMemoryStore(),
		sink:  &captureSink{},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }

	signer, err := crypto.NewEd25519Signer("kernel-2026")
	require.NoError(t, err)
	env.signer = signer

	engine, err := policy.NewEngine()
	require.NoError(t, err)
	engine.WithClock(clock)

	env.ledger = settle.NewLedger().WithClock(clock)
	verifier := verify.NewVerifier(signer).WithClock(clock)
	enforcer := escalation.NewEnforcer().WithClock(clock)
	manager := escalation.NewManager(signer).WithClock(clock)

	var st gate.Store = env.store
	if wrap != nil {
		st = wrap(env.store)
	}
	env.svc = gate.NewService(st, replay.NewMemoryLedger(), env.ledger, verifier, engine, enforcer, manager).
		WithEvents(env.sink).
		WithClock(clock).
		WithPolicyProvider(func(string) *policy.Policy { return pol }).
		WithTrustProvider(func(string) verify.TrustConfig { return trust })
	return env
}

func basePolicy() *policy.Policy {
	return &policy.Policy{
		PolicyID:                  "pol-default",
		Version:                   "1",
		RequireApprovalAboveCents: 50000,
		OnHighRisk:                policy.BlockEscalate,
	}
}

func lowRiskAction(id string, amount int64) *contracts.Action {
	return &contracts.Action{
		ActionID:    id,
		ActorID:     "agent-1",
		ActionType:  "api_call",
		RiskTier:    contracts.RiskLow,
		AmountCents: amount,
	}
}

func TestDecideAllowHoldsFunds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})

	req := &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-1", 500),
		IdempotencyKey: "key-1",
	}
	resp, err := env.svc.Decide(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeAllow, resp.Outcome)
	assert.Equal(t, contracts.GateHeld, resp.Status)
	assert.NotEmpty(t, resp.PolicyHash)

	assert.Equal(t, int64(500), env.ledger.Balance("tenant-a", contracts.AccountEscrowLiability))
	assert.Equal(t, int64(-500), env.ledger.Balance("tenant-a", contracts.AccountCashClearing))

	// Replaying the identical request returns the cached response with no
	// second ledger effect.
	again, err := env.svc.Decide(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, resp, again)
	assert.Len(t, env.ledger.Entries("tenant-a"), 1)
}

func TestDecideKeyReuseWithDifferentActionConflicts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})

	_, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-1", 500),
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	_, err = env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-1", 900),
		IdempotencyKey: "key-1",
	})
	assert.ErrorIs(t, err, gate.ErrConflict)
}

func TestDecideDenyIsTerminal(t *testing.T) {
	ctx := context.Background()
	pol := basePolicy()
	pol.OnHighRisk = policy.BlockDeny
	env := newTestEnv(t, pol, verify.TrustConfig{})

	resp, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID: "tenant-a",
		Action: &contracts.Action{
			ActionID:    "act-2",
			ActorID:     "agent-1",
			ActionType:  "funds_transfer",
			RiskTier:    contracts.RiskHigh,
			AmountCents: 75000,
		},
		IdempotencyKey: "key-2",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, resp.Outcome)
	assert.Equal(t, contracts.GateDenied, resp.Status)
	assert.Contains(t, resp.ReasonCodes, contracts.ReasonHighRiskTier)
	assert.Equal(t, []contracts.EventType{contracts.EventGateDenied}, env.sink.types())
	assert.Empty(t, env.ledger.Entries("tenant-a"))
}

func TestDecideEscalatesHighRisk(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})

	resp, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID: "tenant-a",
		Action: &contracts.Action{
			ActionID:    "act-3",
			ActorID:     "agent-1",
			ActionType:  "funds_transfer",
			RiskTier:    contracts.RiskHigh,
			AmountCents: 75000,
		},
		IdempotencyKey: "key-3",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeEscalate, resp.Outcome)
	assert.Equal(t, contracts.GateEscalated, resp.Status)
	assert.NotEmpty(t, resp.EscalationID)
	assert.Equal(t, []contracts.EventType{contracts.EventGateEscalated}, env.sink.types())
}

func TestDecideFrozenActorDenied(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})
	env.svc.FreezeActor("agent-1")

	resp, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-4", 500),
		IdempotencyKey: "key-4",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeDeny, resp.Outcome)
	assert.Equal(t, contracts.GateDenied, resp.Status)
	assert.Contains(t, resp.ReasonCodes, contracts.ReasonActorFrozen)
}

func settleRelease(t *testing.T, env *testEnv) (*gate.DecideResponse, *gate.VerifyResponse) {
	t.Helper()
	ctx := context.Background()
	decide, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-10", 500),
		IdempotencyKey: "key-10",
		HoldbackBps:    1000,
	})
	require.NoError(t, err)
	require.Equal(t, contracts.GateHeld, decide.Status)

	verifyResp, err := env.svc.Verify(ctx, &gate.VerifyRequest{
		TenantID: "tenant-a",
		GateID:   decide.GateID,
		Body:     []byte(`{"ok":true}`),
	})
	require.NoError(t, err)
	return decide, verifyResp
}

func TestVerifyPassReleasesWithHoldback(t *testing.T) {
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})
	decide, resp := settleRelease(t, env)

	assert.Equal(t, contracts.VerificationPassed, resp.VerificationStatus)
	assert.Equal(t, contracts.SettlementReleased, resp.SettlementStatus)
	assert.Equal(t, int64(500), resp.ReleasedAmountCents)

	// 1000 bps holdback on 500: reserve gets exactly 50, the remaining 450
	// lands across revenue and payout.
	assert.Equal(t, int64(50), env.ledger.Balance("tenant-a", contracts.AccountReserve))
	split := env.ledger.Balance("tenant-a", contracts.AccountRevenue) +
		env.ledger.Balance("tenant-a", contracts.AccountPayoutLiability)
	assert.Equal(t, int64(450), split)
	assert.Equal(t, int64(0), env.ledger.Balance("tenant-a", contracts.AccountEscrowLiability))

	g, err := env.store.GetGate(context.Background(), "tenant-a", decide.GateID)
	require.NoError(t, err)
	assert.Equal(t, contracts.GateSettledReleased, g.Status)
	assert.Equal(t, resp.ReceiptID, g.ReceiptRef)
	assert.Equal(t, []contracts.EventType{contracts.EventGateReleased}, env.sink.types())

	// Receipt re-verifies offline against the published key.
	receipt, err := env.store.GetReceipt(context.Background(), "tenant-a", resp.ReceiptID)
	require.NoError(t, err)
	valid, err := crypto.VerifyReceipt(env.signer.PublicKey(), receipt)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestVerifySecondCallReplaysSameReceipt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})
	decide, first := settleRelease(t, env)

	second, err := env.svc.Verify(ctx, &gate.VerifyRequest{
		TenantID: "tenant-a",
		GateID:   decide.GateID,
		Body:     []byte(`{"ok":true}`),
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Exactly one hold and one release entry, no duplicated settlement.
	assert.Len(t, env.ledger.EntriesForGate("tenant-a", decide.GateID), 2)
}

func TestVerifyDeclaredHashMismatchRefunds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})

	decide, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-11", 500),
		IdempotencyKey: "key-11",
	})
	require.NoError(t, err)

	resp, err := env.svc.Verify(ctx, &gate.VerifyRequest{
		TenantID: "tenant-a",
		GateID:   decide.GateID,
		Body:     []byte(`{"ok":true}`),
		Headers:  map[string]string{"X-Evidence-Sha256": "deadbeef"},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.VerificationFailed, resp.VerificationStatus)
	assert.Equal(t, contracts.SettlementRefunded, resp.SettlementStatus)
	assert.Equal(t, int64(500), resp.RefundedAmountCents)

	// Refund unwinds the hold completely.
	assert.Equal(t, int64(0), env.ledger.Balance("tenant-a", contracts.AccountEscrowLiability))
	assert.Equal(t, int64(0), env.ledger.Balance("tenant-a", contracts.AccountCashClearing))
}

func TestVerifyMissingRequiredSignatureNeverReleases(t *testing.T) {
	ctx := context.Background()
	providerKey, err := crypto.NewEd25519Signer("provider")
	require.NoError(t, err)
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{
		RequireProviderSignature: true,
		ProviderPublicKeyHex:     providerKey.PublicKey(),
	})

	decide, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-12", 500),
		IdempotencyKey: "key-12",
	})
	require.NoError(t, err)

	resp, err := env.svc.Verify(ctx, &gate.VerifyRequest{
		TenantID: "tenant-a",
		GateID:   decide.GateID,
		Body:     []byte(`{"ok":true}`),
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.SettlementRefunded, resp.SettlementStatus)
	assert.Equal(t, int64(0), resp.ReleasedAmountCents)
}

func escalatedGate(t *testing.T, env *testEnv) (*contracts.Action, *gate.DecideResponse) {
	t.Helper()
	action := &contracts.Action{
		ActionID:    "act-20",
		ActorID:     "agent-1",
		ActionType:  "funds_transfer",
		RiskTier:    contracts.RiskHigh,
		AmountCents: 75000,
	}
	resp, err := env.svc.Decide(context.Background(), &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         action,
		IdempotencyKey: "key-20",
	})
	require.NoError(t, err)
	require.Equal(t, contracts.GateEscalated, resp.Status)
	return action, resp
}

func TestEscalationApproveResumesToHeld(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})
	action, decide := escalatedGate(t, env)

	decision, err := env.svc.ResolveEscalation(ctx, decide.EscalationID, "reviewer@ops", true, "approved by finance", []string{"ticket/INC-9"})
	require.NoError(t, err)

	resume, err := env.svc.ResumeEscalated(ctx, "tenant-a", action, decision)
	require.NoError(t, err)
	assert.True(t, resume.Approved)
	assert.Equal(t, contracts.GateHeld, resume.Status)
	assert.Equal(t, int64(75000), env.ledger.Balance("tenant-a", contracts.AccountEscrowLiability))
}

func TestEscalationDenyVoidsGate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})
	action, decide := escalatedGate(t, env)

	decision, err := env.svc.ResolveEscalation(ctx, decide.EscalationID, "reviewer@ops", false, "not justified", nil)
	require.NoError(t, err)

	resume, err := env.svc.ResumeEscalated(ctx, "tenant-a", action, decision)
	require.NoError(t, err)
	assert.False(t, resume.Approved)
	assert.Equal(t, contracts.GateVoided, resume.Status)
	assert.Contains(t, env.sink.types(), contracts.EventGateVoided)
	assert.Empty(t, env.ledger.Entries("tenant-a"))
}

func TestEscalationExpiredDecisionKeepsGateEscalated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})
	action, decide := escalatedGate(t, env)

	decision, err := env.svc.ResolveEscalation(ctx, decide.EscalationID, "reviewer@ops", true, "", nil)
	require.NoError(t, err)

	env.advance(48 * time.Hour)
	resume, err := env.svc.ResumeEscalated(ctx, "tenant-a", action, decision)
	require.NoError(t, err)
	assert.False(t, resume.Approved)
	assert.Equal(t, contracts.GateEscalated, resume.Status)
	assert.Equal(t, []contracts.EscalationCode{contracts.CodeExpired}, resume.BlockingIssues)
}

func TestSweepVerifyingRefundsAfterDisputeWindow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})

	g := &contracts.Gate{
		GateID:          "gate-stuck",
		TenantID:        "tenant-a",
		ActorID:         "agent-1",
		Status:          contracts.GateVerifying,
		AmountCents:     500,
		Currency:        "USD",
		DisputeWindowMs: int64(time.Hour / time.Millisecond),
		RequestHash:     "sha256:req",
		ResponseHash:    "sha256:resp",
		CreatedAt:       env.now,
		UpdatedAt:       env.now,
	}
	require.NoError(t, env.store.SaveGate(ctx, g))
	_, err := env.ledger.Post("tenant-a", g.GateID, settle.EntryHold, settle.HoldPostings(500))
	require.NoError(t, err)

	// Before the window, the sweeper leaves the gate alone.
	swept, err := env.svc.SweepVerifying(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept)

	env.advance(2 * time.Hour)
	swept, err = env.svc.SweepVerifying(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gate-stuck"}, swept)

	got, err := env.store.GetGate(ctx, "tenant-a", "gate-stuck")
	require.NoError(t, err)
	assert.Equal(t, contracts.GateSettledRefunded, got.Status)

	receipt, err := env.store.GetReceipt(ctx, "tenant-a", got.ReceiptRef)
	require.NoError(t, err)
	assert.Equal(t, contracts.VerificationTimeout, receipt.VerificationStatus)
	assert.Equal(t, int64(0), env.ledger.Balance("tenant-a", contracts.AccountEscrowLiability))
}

func TestApplyReversalAppendsWithoutMutatingHistory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})
	decide, verifyResp := settleRelease(t, env)

	originalReceipt, err := env.store.GetReceipt(ctx, "tenant-a", verifyResp.ReceiptID)
	require.NoError(t, err)
	originalEntries := env.ledger.EntriesForGate("tenant-a", decide.GateID)

	cmd := &contracts.ReversalCommand{
		CommandID:   "cmd-1",
		DisputeID:   "disp-1",
		GateID:      decide.GateID,
		ReceiptID:   verifyResp.ReceiptID,
		AmountCents: 500,
		IssuedAt:    env.now,
	}
	reversal, err := env.svc.ApplyReversal(ctx, "tenant-a", cmd)
	require.NoError(t, err)
	assert.Equal(t, contracts.SettlementReversed, reversal.SettlementStatus)
	assert.Equal(t, verifyResp.ReceiptID, reversal.PrevReceiptID)

	g, err := env.store.GetGate(ctx, "tenant-a", decide.GateID)
	require.NoError(t, err)
	assert.Equal(t, contracts.GateReversed, g.Status)
	assert.Contains(t, env.sink.types(), contracts.EventGateReversed)

	// The original receipt and entries are byte-for-byte untouched.
	afterReceipt, err := env.store.GetReceipt(ctx, "tenant-a", verifyResp.ReceiptID)
	require.NoError(t, err)
	assert.Equal(t, originalReceipt, afterReceipt)
	after := env.ledger.EntriesForGate("tenant-a", decide.GateID)
	require.Len(t, after, len(originalEntries)+1)
	assert.Equal(t, originalEntries, after[:len(originalEntries)])
	assert.Equal(t, settle.EntryReversal, after[len(after)-1].EntryType)

	assert.Equal(t, int64(500), env.ledger.Balance("tenant-a", contracts.AccountClaimsPayable))
	require.NoError(t, env.ledger.Verify())
}

func TestApplyReversalRequiresReleasedGate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})

	decide, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-30", 500),
		IdempotencyKey: "key-30",
	})
	require.NoError(t, err)

	_, err = env.svc.ApplyReversal(ctx, "tenant-a", &contracts.ReversalCommand{
		CommandID: "cmd-2", GateID: decide.GateID, ReceiptID: "rcpt-x", AmountCents: 500,
	})
	assert.ErrorContains(t, err, "cannot reverse")
}

func TestApplyUnwindRefundsHeldGate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})

	decide, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-31", 800),
		IdempotencyKey: "key-31",
	})
	require.NoError(t, err)
	require.Equal(t, contracts.GateHeld, decide.Status)

	receipt, err := env.svc.ApplyUnwind(ctx, "tenant-a", &contracts.UnwindCommand{
		CommandID: "cmd-3", ActorID: "agent-1", GateID: decide.GateID, IssuedAt: env.now,
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.SettlementRefunded, receipt.SettlementStatus)
	assert.Equal(t, contracts.VerificationSkipped, receipt.VerificationStatus)

	g, err := env.store.GetGate(ctx, "tenant-a", decide.GateID)
	require.NoError(t, err)
	assert.Equal(t, contracts.GateSettledRefunded, g.Status)
	assert.Equal(t, int64(0), env.ledger.Balance("tenant-a", contracts.AccountEscrowLiability))
}

func TestConcurrentVerifyOneReceipt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})

	decide, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-40", 500),
		IdempotencyKey: "key-40",
	})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*gate.VerifyResponse, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.Verify(ctx, &gate.VerifyRequest{
				TenantID: "tenant-a",
				GateID:   decide.GateID,
				Body:     []byte(`{"ok":true}`),
			})
		}(i)
	}
	wg.Wait()

	var receiptIDs = map[string]bool{}
	var succeeded int
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			// Losers may observe the in-flight claim; they must never
			// produce a second side effect.
			assert.ErrorIs(t, errs[i], gate.ErrInFlight)
			continue
		}
		succeeded++
		receiptIDs[results[i].ReceiptID] = true
	}
	require.GreaterOrEqual(t, succeeded, 1)
	assert.Len(t, receiptIDs, 1)
	assert.Len(t, env.ledger.EntriesForGate("tenant-a", decide.GateID), 2)
}

// flakyStore fails a fixed number of writes before delegating to the
// wrapped store, simulating a crash between the ledger post and the
// persistence write.
type flakyStore struct {
	gate.Store
	failReceipts  int
	failHeldGates int
}

func (f *flakyStore) SaveReceipt(ctx context.Context, tenantID string, r *contracts.Receipt) error {
	if f.failReceipts > 0 {
		f.failReceipts--
		return errors.New("receipt write failed")
	}
	return f.Store.SaveReceipt(ctx, tenantID, r)
}

func (f *flakyStore) SaveGate(ctx context.Context, g *contracts.Gate) error {
	if f.failHeldGates > 0 && g.Status == contracts.GateHeld {
		f.failHeldGates--
		return errors.New("gate write failed")
	}
	return f.Store.SaveGate(ctx, g)
}

func TestVerifyRetryAfterReceiptWriteFailureSettlesOnce(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{failReceipts: 1}
	env := newTestEnvStore(t, basePolicy(), verify.TrustConfig{}, func(s gate.Store) gate.Store {
		flaky.Store = s
		return flaky
	})

	decide, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-50", 500),
		IdempotencyKey: "key-50",
	})
	require.NoError(t, err)

	vreq := &gate.VerifyRequest{
		TenantID: "tenant-a",
		GateID:   decide.GateID,
		Body:     []byte(`{"ok":true}`),
	}
	_, err = env.svc.Verify(ctx, vreq)
	require.Error(t, err)

	// The failed attempt released its claim; the retry re-runs the whole
	// operation and must find the release entry already posted.
	resp, err := env.svc.Verify(ctx, vreq)
	require.NoError(t, err)
	assert.Equal(t, contracts.SettlementReleased, resp.SettlementStatus)

	var releases int
	for _, e := range env.ledger.EntriesForGate("tenant-a", decide.GateID) {
		if e.EntryType == settle.EntryRelease {
			releases++
		}
	}
	assert.Equal(t, 1, releases)
	assert.Equal(t, int64(0), env.ledger.Balance("tenant-a", contracts.AccountEscrowLiability))
}

func TestDecideRetryAfterGateWriteFailureHoldsOnce(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{failHeldGates: 1}
	env := newTestEnvStore(t, basePolicy(), verify.TrustConfig{}, func(s gate.Store) gate.Store {
		flaky.Store = s
		return flaky
	})

	req := &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-51", 500),
		IdempotencyKey: "key-51",
	}
	_, err := env.svc.Decide(ctx, req)
	require.Error(t, err)

	// The retry derives the same gate id from the same decision, so the
	// hold entry posted before the failed write is reused, not repeated.
	resp, err := env.svc.Decide(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, contracts.GateHeld, resp.Status)
	assert.Len(t, env.ledger.Entries("tenant-a"), 1)
	assert.Equal(t, int64(500), env.ledger.Balance("tenant-a", contracts.AccountEscrowLiability))
}

func TestHoldIssuesExecutionBinding(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})

	decide, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-52", 500),
		IdempotencyKey: "key-52",
	})
	require.NoError(t, err)

	g, err := env.store.GetGate(ctx, "tenant-a", decide.GateID)
	require.NoError(t, err)
	require.NotNil(t, g.Binding)
	assert.Equal(t, g.RequestHash, g.Binding.ActionHash)
	assert.Equal(t, int64(500), g.Binding.AmountCeilCents)
	assert.Equal(t, env.now.Add(gate.DefaultDisputeWindowMs*time.Millisecond), g.Binding.ExpiresAt)
	assert.True(t, g.Binding.Covers(g.RequestHash, g.AmountCents, env.now))
}

func TestVerifyRefusesExpiredBinding(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})

	decide, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-53", 500),
		IdempotencyKey: "key-53",
	})
	require.NoError(t, err)

	env.advance(gate.DefaultDisputeWindowMs*time.Millisecond + time.Hour)
	_, err = env.svc.Verify(ctx, &gate.VerifyRequest{
		TenantID: "tenant-a",
		GateID:   decide.GateID,
		Body:     []byte(`{"ok":true}`),
	})
	assert.ErrorIs(t, err, gate.ErrBindingInvalid)

	// The gate stays held with only its hold entry; nothing settled.
	g, err := env.store.GetGate(ctx, "tenant-a", decide.GateID)
	require.NoError(t, err)
	assert.Equal(t, contracts.GateHeld, g.Status)
	assert.Len(t, env.ledger.EntriesForGate("tenant-a", decide.GateID), 1)
}

func TestVerifyRefusesGateWithoutBinding(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, basePolicy(), verify.TrustConfig{})

	g := &contracts.Gate{
		GateID:          "gate-unbound",
		TenantID:        "tenant-a",
		ActorID:         "agent-1",
		Status:          contracts.GateHeld,
		AmountCents:     500,
		Currency:        "USD",
		DisputeWindowMs: gate.DefaultDisputeWindowMs,
		RequestHash:     "abc123",
		CreatedAt:       env.now,
		UpdatedAt:       env.now,
	}
	require.NoError(t, env.store.SaveGate(ctx, g))

	_, err := env.svc.Verify(ctx, &gate.VerifyRequest{
		TenantID: "tenant-a",
		GateID:   g.GateID,
		Body:     []byte(`{"ok":true}`),
	})
	assert.ErrorIs(t, err, gate.ErrBindingInvalid)
}

func signedAction(id string, amount int64) *contracts.Action {
	a := lowRiskAction(id, amount)
	a.Metadata = map[string]any{"provider_signature": "c2lnbmF0dXJl"}
	return a
}

func TestDecideChallengeWaitsForProof(t *testing.T) {
	ctx := context.Background()
	pol := basePolicy()
	pol.RequireProviderSignature = true
	env := newTestEnv(t, pol, verify.TrustConfig{})

	resp, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-54", 500),
		IdempotencyKey: "key-54",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeChallenge, resp.Outcome)
	assert.Equal(t, contracts.GatePaymentRequired, resp.Status)
	assert.Contains(t, resp.ReasonCodes, contracts.ReasonProofRequired)
	assert.Empty(t, env.ledger.Entries("tenant-a"))

	// Attaching the signature changes the action hash, so re-deciding
	// under the original key is a conflict, not a resolution.
	_, err = env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         signedAction("act-54", 500),
		IdempotencyKey: "key-54",
	})
	assert.ErrorIs(t, err, gate.ErrConflict)
}

func TestSubmitProofHoldsChallengedGate(t *testing.T) {
	ctx := context.Background()
	pol := basePolicy()
	pol.RequireProviderSignature = true
	env := newTestEnv(t, pol, verify.TrustConfig{})

	decide, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-55", 500),
		IdempotencyKey: "key-55",
	})
	require.NoError(t, err)
	require.Equal(t, contracts.GatePaymentRequired, decide.Status)

	preq := &gate.ProofRequest{
		TenantID: "tenant-a",
		GateID:   decide.GateID,
		Action:   signedAction("act-55", 500),
	}
	resp, err := env.svc.SubmitProof(ctx, preq)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeAllow, resp.Outcome)
	assert.Equal(t, contracts.GateHeld, resp.Status)
	assert.Equal(t, int64(500), env.ledger.Balance("tenant-a", contracts.AccountEscrowLiability))

	// The gate now binds the proof-carrying action, not the original one.
	g, err := env.store.GetGate(ctx, "tenant-a", decide.GateID)
	require.NoError(t, err)
	require.NotNil(t, g.Binding)
	assert.Equal(t, g.RequestHash, g.Binding.ActionHash)

	// Replaying the proof returns the cached response with no second hold.
	again, err := env.svc.SubmitProof(ctx, preq)
	require.NoError(t, err)
	assert.Equal(t, resp, again)
	assert.Len(t, env.ledger.Entries("tenant-a"), 1)
}

func TestSubmitProofWithoutSignatureKeepsWaiting(t *testing.T) {
	ctx := context.Background()
	pol := basePolicy()
	pol.RequireProviderSignature = true
	env := newTestEnv(t, pol, verify.TrustConfig{})

	decide, err := env.svc.Decide(ctx, &gate.DecideRequest{
		TenantID:       "tenant-a",
		Action:         lowRiskAction("act-56", 500),
		IdempotencyKey: "key-56",
	})
	require.NoError(t, err)

	resp, err := env.svc.SubmitProof(ctx, &gate.ProofRequest{
		TenantID: "tenant-a",
		GateID:   decide.GateID,
		Action:   lowRiskAction("act-56", 500),
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeChallenge, resp.Outcome)
	assert.Equal(t, contracts.GatePaymentRequired, resp.Status)
	assert.Empty(t, env.ledger.Entries("tenant-a"))
}
