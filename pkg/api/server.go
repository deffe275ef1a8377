package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/clearhold-labs/clearhold/core/pkg/canonical"
	"github.com/clearhold-labs/clearhold/core/pkg/contracts"
	"github.com/clearhold-labs/clearhold/core/pkg/crypto"
	"github.com/clearhold-labs/clearhold/core/pkg/dispute"
	"github.com/clearhold-labs/clearhold/core/pkg/escalation"
	"github.com/clearhold-labs/clearhold/core/pkg/gate"
)

// Server exposes the kernel boundary over HTTP.
type Server struct {
	gates    *gate.Service
	disputes *dispute.Engine
	store    gate.Store
	signer   *crypto.Ed25519Signer
	log      *slog.Logger
}

// NewServer creates the boundary server.
func NewServer(gates *gate.Service, disputes *dispute.Engine, store gate.Store, signer *crypto.Ed25519Signer) *Server {
	return &Server{
		gates:    gates,
		disputes: disputes,
		store:    store,
		signer:   signer,
		log:      slog.Default(),
	}
}

// WithLogger overrides the logger.
func (s *Server) WithLogger(log *slog.Logger) *Server {
	s.log = log
	return s
}

// Routes returns the handler tree.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/decisions", s.handleDecide)
	mux.HandleFunc("POST /v1/gates/{gateID}/verify", s.handleVerify)
	mux.HandleFunc("POST /v1/gates/{gateID}/proof", s.handleSubmitProof)
	mux.HandleFunc("POST /v1/escalations/{escalationID}/resolve", s.handleResolveEscalation)
	mux.HandleFunc("POST /v1/gates/{gateID}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/disputes", s.handleOpenDispute)
	mux.HandleFunc("POST /v1/disputes/{disputeID}/resolve", s.handleResolveDispute)
	mux.HandleFunc("GET /v1/tenants/{tenantID}/receipts/{receiptID}/export", s.handleExportReceipt)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "Unable to read request body")
		return
	}
	if err := validateDecidePayload(raw); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	var req gate.DecideRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if key := r.Header.Get(HeaderIdempotencyKey); key != "" {
		req.IdempotencyKey = key
	}

	resp, err := s.gates.Decide(r.Context(), &req)
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type verifyPayload struct {
	TenantID           string            `json:"tenant_id"`
	ResponseBodyBase64 string            `json:"response_body_base64"`
	Headers            map[string]string `json:"headers,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 8<<20)
	var payload verifyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if payload.TenantID == "" {
		WriteBadRequest(w, "Missing required field: tenant_id")
		return
	}
	body, err := base64.StdEncoding.DecodeString(payload.ResponseBodyBase64)
	if err != nil {
		WriteBadRequest(w, "response_body_base64 is not valid base64")
		return
	}

	resp, err := s.gates.Verify(r.Context(), &gate.VerifyRequest{
		TenantID:       payload.TenantID,
		GateID:         r.PathValue("gateID"),
		Body:           body,
		Headers:        payload.Headers,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type proofPayload struct {
	TenantID string            `json:"tenant_id"`
	Action   *contracts.Action `json:"action"`
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var payload proofPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if payload.TenantID == "" {
		WriteBadRequest(w, "Missing required field: tenant_id")
		return
	}
	if payload.Action == nil {
		WriteBadRequest(w, "Missing required field: action")
		return
	}

	resp, err := s.gates.SubmitProof(r.Context(), &gate.ProofRequest{
		TenantID:       payload.TenantID,
		GateID:         r.PathValue("gateID"),
		Action:         payload.Action,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type resolveEscalationPayload struct {
	Action       string   `json:"action"`
	DecidedBy    string   `json:"decided_by"`
	Reason       string   `json:"reason,omitempty"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
}

type resolveEscalationResponse struct {
	Decision *contracts.EscalationDecision `json:"decision"`
	// Token is the decision as an EdDSA JWT, for approval tooling.
	Token string `json:"token,omitempty"`
}

func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	var payload resolveEscalationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	var approve bool
	switch payload.Action {
	case "approve":
		approve = true
	case "deny":
	default:
		WriteBadRequest(w, `Field "action" must be "approve" or "deny"`)
		return
	}
	if payload.DecidedBy == "" {
		WriteBadRequest(w, "Missing required field: decided_by")
		return
	}

	decision, err := s.gates.ResolveEscalation(r.Context(),
		r.PathValue("escalationID"), payload.DecidedBy, approve, payload.Reason, payload.EvidenceRefs)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	resp := resolveEscalationResponse{Decision: decision}
	if s.signer != nil {
		token, err := escalation.EncodeDecisionToken(decision, s.signer.PrivateKey(), "clearhold")
		if err != nil {
			WriteInternal(w, err)
			return
		}
		resp.Token = token
	}
	writeJSON(w, http.StatusOK, resp)
}

type resumePayload struct {
	TenantID string                        `json:"tenant_id"`
	Action   *contracts.Action             `json:"action"`
	Decision *contracts.EscalationDecision `json:"decision"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var payload resumePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if payload.TenantID == "" || payload.Action == nil || payload.Decision == nil {
		WriteBadRequest(w, "Missing required fields: tenant_id, action, decision")
		return
	}
	resp, err := s.gates.ResumeEscalated(r.Context(), payload.TenantID, payload.Action, payload.Decision)
	if err != nil {
		s.writeGateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type openDisputePayload struct {
	TenantID  string `json:"tenant_id"`
	ReceiptID string `json:"receipt_id"`
	Reason    string `json:"reason"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var payload openDisputePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if payload.TenantID == "" || payload.ReceiptID == "" {
		WriteBadRequest(w, "Missing required fields: tenant_id, receipt_id")
		return
	}
	c, err := s.disputes.OpenDispute(r.Context(), payload.TenantID, payload.ReceiptID, payload.Reason)
	if err != nil {
		if errors.Is(err, dispute.ErrNotDisputable) {
			WriteBadRequest(w, "Receipt is not a released settlement")
			return
		}
		if errors.Is(err, gate.ErrNotFound) {
			WriteNotFound(w, "Receipt not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type resolveDisputePayload struct {
	Accepted    bool  `json:"accepted"`
	AmountCents int64 `json:"amount_cents,omitempty"`
}

type resolveDisputeResponse struct {
	Dispute   *contracts.DisputeCase `json:"dispute"`
	ReceiptID string                 `json:"receipt_id,omitempty"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var payload resolveDisputePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	disputeID := r.PathValue("disputeID")

	cmd, err := s.disputes.Resolve(r.Context(), disputeID, payload.Accepted, payload.AmountCents)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	c, err := s.disputes.Get(disputeID)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	resp := resolveDisputeResponse{Dispute: c}
	if cmd != nil {
		receipt, err := s.gates.ApplyReversal(r.Context(), c.TenantID, cmd)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		resp.ReceiptID = receipt.ReceiptID
	}
	writeJSON(w, http.StatusOK, resp)
}

// receiptExport is the offline verification artifact: the receipt, the
// exact bytes a third party must re-hash, and the published key to check
// the signature against.
type receiptExport struct {
	Receipt            *contracts.Receipt `json:"receipt"`
	SigningBytesBase64 string             `json:"signing_bytes_base64"`
	ContentHash        string             `json:"content_hash"`
	PublicKeyHex       string             `json:"public_key_hex,omitempty"`
	KeyID              string             `json:"key_id,omitempty"`
}

func (s *Server) handleExportReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	receiptID := r.PathValue("receiptID")

	receipt, err := s.store.GetReceipt(r.Context(), tenantID, receiptID)
	if err != nil {
		if errors.Is(err, gate.ErrNotFound) {
			WriteNotFound(w, "Receipt not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	signingBytes, err := crypto.ReceiptSigningBytes(receipt)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	export := receiptExport{
		Receipt:            receipt,
		SigningBytesBase64: base64.StdEncoding.EncodeToString(signingBytes),
		ContentHash:        canonical.HashBytes(signingBytes),
		KeyID:              receipt.KeyID,
	}
	if s.signer != nil {
		export.PublicKeyHex = s.signer.PublicKey()
	}
	writeJSON(w, http.StatusOK, export)
}

// writeGateError maps kernel errors onto problem responses. Conflicts and
// in-flight claims are client-visible idempotency outcomes; everything
// else stays server-side.
func (s *Server) writeGateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gate.ErrConflict):
		WriteConflict(w, "Idempotency key reused with a different request")
	case errors.Is(err, gate.ErrInFlight):
		WriteTooManyRequests(w, 1)
	case errors.Is(err, gate.ErrNotFound):
		WriteNotFound(w, "Gate not found")
	case errors.Is(err, gate.ErrBindingInvalid):
		WriteConflict(w, "Execution binding missing, expired, or mismatched")
	default:
		s.log.Error("gate operation failed", "error", err)
		WriteBadRequest(w, err.Error())
	}
}
