package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nooterra/nooterra/pkg/agent"
	"github.com/nooterra/nooterra/pkg/dispute"
	"github.com/nooterra/nooterra/pkg/pipeline"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/run"
	"github.com/nooterra/nooterra/pkg/store"
	"github.com/nooterra/nooterra/pkg/tenants"
	"github.com/nooterra/nooterra/pkg/wallet"
)

// actor names the principal recorded on events this request produces.
func actor(tenantID string) string {
	return "tenant:" + tenantID
}

// mutate funnels a mutating request through the idempotent write pipeline.
// Every mutating endpoint requires x-idempotency-key.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, body []byte, h pipeline.Handler) {
	tenantID, err := tenants.Require(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	key := r.Header.Get(protocol.HeaderIdempotencyKey)
	if key == "" {
		writeErr(w, r, protocol.NewError(protocol.CodeRequiredFieldMissing, protocol.HeaderIdempotencyKey+" is required on mutating requests"))
		return
	}
	out, err := s.Pipe.Execute(r.Context(), pipeline.Request{
		TenantID:       tenantID,
		IdempotencyKey: key,
		Method:         r.Method,
		Path:           r.URL.Path,
		Body:           body,
		RequestID:      requestID(r),
		At:             s.now(),
	}, h)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	status := out.Status
	if out.Replayed {
		status = http.StatusOK
	}
	writeRaw(w, status, out.Body)
}

// tenantOf reads the bound tenant or renders the failure.
func tenantOf(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, err := tenants.Require(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return "", false
	}
	return tenantID, true
}

// --- agents ---

type registerAgentBody struct {
	AgentID      string      `json:"agentId"`
	DisplayName  string      `json:"displayName"`
	Owner        agent.Owner `json:"owner"`
	KeyID        string      `json:"keyId"`
	PublicKeyPEM string      `json:"publicKeyPem"`
	Capabilities []string    `json:"capabilities"`
	Currency     string      `json:"currency"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var body registerAgentBody
	raw, err := decodeBody(r, "agents.register", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		res, ops, err := s.Agents.Register(ctx, tenantID, agent.RegisterRequest{
			AgentID:      body.AgentID,
			DisplayName:  body.DisplayName,
			Owner:        body.Owner,
			KeyID:        body.KeyID,
			PublicKeyPEM: body.PublicKeyPEM,
			Capabilities: body.Capabilities,
			Currency:     body.Currency,
		}, actor(tenantID), s.now())
		if err != nil {
			return nil, nil, err
		}
		status := http.StatusCreated
		if res.Existing {
			status = http.StatusOK
		}
		return &pipeline.Result{Status: status, Body: map[string]any{
			"agent":    res.Identity,
			"wallet":   res.Wallet,
			"existing": res.Existing,
		}}, ops, nil
	})
}

type walletCreditBody struct {
	AmountCents int64 `json:"amountCents"`
}

func (s *Server) handleWalletCredit(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var body walletCreditBody
	raw, err := decodeBody(r, "wallet.credit", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		wal, err := wallet.Load(ctx, s.Store, tenantID, wallet.IDForAgent(agentID))
		if err != nil {
			return nil, nil, err
		}
		ops, err := wallet.Credit(wal, s.Runs.IDs.NewID("entry"), body.AmountCents, s.now())
		if err != nil {
			return nil, nil, err
		}
		return &pipeline.Result{Status: http.StatusCreated, Body: map[string]any{
			"wallet": wal,
		}}, ops, nil
	})
}

// --- runs ---

type createRunBody struct {
	RunID      string         `json:"runId"`
	Metadata   map[string]any `json:"metadata"`
	Settlement *struct {
		PayerAgentID      string `json:"payerAgentId"`
		AmountCents       int64  `json:"amountCents"`
		Currency          string `json:"currency"`
		DisputeWindowDays int    `json:"disputeWindowDays"`
		PolicyArtifactID  string `json:"policyArtifactId"`
		GateID            string `json:"gateId"`
	} `json:"settlement"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var body createRunBody
	raw, err := decodeBody(r, "runs.create", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	req := run.CreateRunRequest{RunID: body.RunID, Metadata: body.Metadata}
	if body.Settlement != nil {
		req.Settlement = &run.SettlementSpec{
			PayerAgentID:      body.Settlement.PayerAgentID,
			AmountCents:       body.Settlement.AmountCents,
			Currency:          body.Settlement.Currency,
			DisputeWindowDays: body.Settlement.DisputeWindowDays,
			PolicyArtifactID:  body.Settlement.PolicyArtifactID,
			GateID:            body.Settlement.GateID,
		}
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		res, ops, err := s.Runs.CreateRun(ctx, tenantID, agentID, req, actor(tenantID), s.now())
		if err != nil {
			return nil, nil, err
		}
		return &pipeline.Result{Status: http.StatusCreated, Body: map[string]any{
			"run":        res.Run,
			"settlement": res.Settlement,
			"event":      res.Event,
		}}, ops, nil
	})
}

type runEventBody struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleAppendRunEvent(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var body runEventBody
	raw, err := decodeBody(r, "runs.event", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	prevHeader := r.Header.Get(protocol.HeaderExpectedPrevChainHash)
	var prev *string
	if prevHeader != "" {
		prev = &prevHeader
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		res, ops, err := s.Runs.AppendEvent(ctx, tenantID, runID, body.Type, body.Payload, prev, actor(tenantID), s.now())
		if err != nil {
			return nil, nil, err
		}
		out := map[string]any{
			"run":   res.Run,
			"event": res.Event,
		}
		if res.Settlement != nil {
			out["settlement"] = res.Settlement
			out["decision"] = res.Decision
		}
		return &pipeline.Result{Status: http.StatusCreated, Body: out}, ops, nil
	})
}

// --- settlement reads ---

func (s *Server) loadSettlement(w http.ResponseWriter, r *http.Request) (*run.Settlement, bool) {
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return nil, false
	}
	st, err := s.Runs.LoadSettlement(r.Context(), tenantID, chi.URLParam(r, "runID"))
	if err != nil {
		writeErr(w, r, err)
		return nil, false
	}
	return st, true
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	st, ok := s.loadSettlement(w, r)
	if !ok {
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]any{"settlement": st})
}

func (s *Server) handleGetVerification(w http.ResponseWriter, r *http.Request) {
	st, ok := s.loadSettlement(w, r)
	if !ok {
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]any{
		"runId":              st.RunID,
		"verificationStatus": st.VerificationStatus,
		"decisionStatus":     st.DecisionStatus,
		"decisionPolicyHash": st.DecisionPolicyHash,
		"decisionTrace":      st.DecisionTrace,
		"evidenceRefs":       st.EvidenceRefs,
	})
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	runRec, err := s.Runs.Load(r.Context(), tenantID, chi.URLParam(r, "runID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	artifactID, _ := runRec.Metadata["agreementArtifactId"].(string)
	if artifactID == "" {
		writeErr(w, r, protocol.NewError(protocol.CodeNotFound, "run has no task agreement"))
		return
	}
	rec, err := s.Store.GetArtifact(r.Context(), tenantID, artifactID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]any{"agreement": rec})
}

func (s *Server) handlePolicyReplay(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	replay, err := s.Runs.PolicyReplay(r.Context(), tenantID, chi.URLParam(r, "runID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, replay)
}

type settlementResolveBody struct {
	ReleaseRatePct int64 `json:"releaseRatePct"`
}

func (s *Server) handleSettlementResolve(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var body settlementResolveBody
	raw, err := decodeBody(r, "settlement.resolve", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		st, ops, err := s.Runs.Resolve(ctx, tenantID, runID, body.ReleaseRatePct, "ops", s.now())
		if err != nil {
			return nil, nil, err
		}
		return &pipeline.Result{Status: http.StatusOK, Body: map[string]any{"settlement": st}}, ops, nil
	})
}

// --- disputes ---

type disputeOpenBody struct {
	DisputeType     string   `json:"disputeType"`
	DisputePriority string   `json:"disputePriority"`
	DisputeChannel  string   `json:"disputeChannel"`
	EscalationLevel string   `json:"escalationLevel"`
	OpenedBy        string   `json:"openedBy"`
	Reason          string   `json:"reason"`
	EvidenceRefs    []string `json:"evidenceRefs"`
}

func (s *Server) handleDisputeOpen(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var body disputeOpenBody
	raw, err := decodeBody(r, "dispute.open", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		st, envelope, ops, err := s.Disputes.Open(ctx, tenantID, runID, dispute.OpenRequest{
			DisputeType:     body.DisputeType,
			DisputePriority: body.DisputePriority,
			DisputeChannel:  body.DisputeChannel,
			EscalationLevel: body.EscalationLevel,
			OpenedBy:        body.OpenedBy,
			Reason:          body.Reason,
			EvidenceRefs:    body.EvidenceRefs,
		}, actor(tenantID), s.now())
		if err != nil {
			return nil, nil, err
		}
		return &pipeline.Result{Status: http.StatusCreated, Body: map[string]any{
			"settlement": st,
			"envelope":   envelope,
		}}, ops, nil
	})
}

type disputeEvidenceBody struct {
	EvidenceRefs []string `json:"evidenceRefs"`
}

func (s *Server) handleDisputeEvidence(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var body disputeEvidenceBody
	raw, err := decodeBody(r, "dispute.evidence", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		st, ops, err := s.Disputes.AddEvidence(ctx, tenantID, runID, body.EvidenceRefs, actor(tenantID), s.now())
		if err != nil {
			return nil, nil, err
		}
		return &pipeline.Result{Status: http.StatusOK, Body: map[string]any{"settlement": st}}, ops, nil
	})
}

type disputeEscalateBody struct {
	EscalationLevel string `json:"escalationLevel"`
}

func (s *Server) handleDisputeEscalate(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var body disputeEscalateBody
	raw, err := decodeBody(r, "dispute.escalate", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		st, ops, err := s.Disputes.Escalate(ctx, tenantID, runID, body.EscalationLevel, actor(tenantID), s.now())
		if err != nil {
			return nil, nil, err
		}
		return &pipeline.Result{Status: http.StatusOK, Body: map[string]any{"settlement": st}}, ops, nil
	})
}

type disputeCloseBody struct {
	Outcome        string `json:"outcome"`
	ReleaseRatePct int64  `json:"releaseRatePct"`
	ArbiterKeyID   string `json:"arbiterKeyId"`
	Notes          string `json:"notes"`
}

func (s *Server) handleDisputeClose(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var body disputeCloseBody
	raw, err := decodeBody(r, "dispute.close", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		res, ops, err := s.Disputes.Close(ctx, tenantID, runID, dispute.CloseRequest{
			Outcome:        body.Outcome,
			ReleaseRatePct: body.ReleaseRatePct,
			ArbiterKeyID:   body.ArbiterKeyID,
			Notes:          body.Notes,
		}, "ops", s.now())
		if err != nil {
			return nil, nil, err
		}
		return &pipeline.Result{Status: http.StatusOK, Body: map[string]any{
			"settlement": res.Settlement,
			"verdict":    res.Verdict,
			"adjustment": res.Adjustment,
		}}, ops, nil
	})
}
