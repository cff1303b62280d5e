package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nooterra/nooterra/pkg/marketplace"
	"github.com/nooterra/nooterra/pkg/pipeline"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/store"
	"github.com/nooterra/nooterra/pkg/x402"
)

// --- marketplace ---

type createRFQBody struct {
	RFQID            string         `json:"rfqId"`
	RequesterAgentID string         `json:"requesterAgentId"`
	Currency         string         `json:"currency"`
	MaxBudgetCents   int64          `json:"maxBudgetCents"`
	Task             map[string]any `json:"task"`
}

func (s *Server) handleCreateRFQ(w http.ResponseWriter, r *http.Request) {
	var body createRFQBody
	raw, err := decodeBody(r, "marketplace.rfq", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		rfq, ops, err := s.Market.CreateRFQ(ctx, tenantID, marketplace.CreateRFQRequest{
			RFQID:            body.RFQID,
			RequesterAgentID: body.RequesterAgentID,
			Currency:         body.Currency,
			MaxBudgetCents:   body.MaxBudgetCents,
			Task:             body.Task,
		}, actor(tenantID), s.now())
		if err != nil {
			return nil, nil, err
		}
		return &pipeline.Result{Status: http.StatusCreated, Body: map[string]any{"rfq": rfq}}, ops, nil
	})
}

type placeBidBody struct {
	BidID         string         `json:"bidId"`
	BidderAgentID string         `json:"bidderAgentId"`
	AmountCents   int64          `json:"amountCents"`
	Terms         map[string]any `json:"terms"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	rfqID := chi.URLParam(r, "rfqID")
	var body placeBidBody
	raw, err := decodeBody(r, "marketplace.bid", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		bid, ops, err := s.Market.PlaceBid(ctx, tenantID, rfqID, marketplace.PlaceBidRequest{
			BidID:         body.BidID,
			BidderAgentID: body.BidderAgentID,
			AmountCents:   body.AmountCents,
			Terms:         body.Terms,
		}, actor(tenantID), s.now())
		if err != nil {
			return nil, nil, err
		}
		return &pipeline.Result{Status: http.StatusCreated, Body: map[string]any{"bid": bid}}, ops, nil
	})
}

type counterBidBody struct {
	AmountCents      int64          `json:"amountCents"`
	Terms            map[string]any `json:"terms"`
	ProposedBy       string         `json:"proposedBy"`
	PrevProposalHash string         `json:"prevProposalHash"`
}

func (s *Server) handleCounterBid(w http.ResponseWriter, r *http.Request) {
	rfqID := chi.URLParam(r, "rfqID")
	bidID := chi.URLParam(r, "bidID")
	var body counterBidBody
	raw, err := decodeBody(r, "marketplace.counter", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		bid, ops, err := s.Market.Counter(ctx, tenantID, rfqID, bidID, marketplace.CounterRequest{
			AmountCents:      body.AmountCents,
			Terms:            body.Terms,
			ProposedBy:       body.ProposedBy,
			PrevProposalHash: body.PrevProposalHash,
		}, actor(tenantID), s.now())
		if err != nil {
			return nil, nil, err
		}
		return &pipeline.Result{Status: http.StatusCreated, Body: map[string]any{"bid": bid}}, ops, nil
	})
}

type acceptBidBody struct {
	BidID                     string `json:"bidId"`
	AcceptedByAgentID         string `json:"acceptedByAgentId"`
	AcceptedProposalHash      string `json:"acceptedProposalHash"`
	ActingOnBehalfOfChainHash string `json:"actingOnBehalfOfChainHash"`
	SignerKeyID               string `json:"signerKeyId"`
	DisputeWindowDays         int    `json:"disputeWindowDays"`
	PolicyArtifactID          string `json:"policyArtifactId"`
	VerificationMethodHash    string `json:"verificationMethodHash"`
	PolicyRefHash             string `json:"policyRefHash"`
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	rfqID := chi.URLParam(r, "rfqID")
	var body acceptBidBody
	raw, err := decodeBody(r, "marketplace.accept", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		res, ops, err := s.Market.Accept(ctx, tenantID, rfqID, marketplace.AcceptRequest{
			BidID:                     body.BidID,
			AcceptedByAgentID:         body.AcceptedByAgentID,
			AcceptedProposalHash:      body.AcceptedProposalHash,
			ActingOnBehalfOfChainHash: body.ActingOnBehalfOfChainHash,
			SignerKeyID:               body.SignerKeyID,
			DisputeWindowDays:         body.DisputeWindowDays,
			PolicyArtifactID:          body.PolicyArtifactID,
			VerificationMethodHash:    body.VerificationMethodHash,
			PolicyRefHash:             body.PolicyRefHash,
		}, actor(tenantID), s.now())
		if err != nil {
			return nil, nil, err
		}
		return &pipeline.Result{Status: http.StatusCreated, Body: map[string]any{
			"rfq":            res.RFQ,
			"bid":            res.Bid,
			"agreementId":    res.AgreementID,
			"agreement":      res.TaskAgreement,
			"acceptance":     res.Acceptance,
			"policyBinding":  res.PolicyBinding,
			"run":            res.Run.Run,
			"settlement":     res.Run.Settlement,
			"rejectedBidIds": res.RejectedBidIDs,
		}}, ops, nil
	})
}

func (s *Server) handleCancelRFQ(w http.ResponseWriter, r *http.Request) {
	rfqID := chi.URLParam(r, "rfqID")
	// Cancellation carries no payload; whatever bytes arrive still feed the
	// idempotency fingerprint.
	raw, _ := io.ReadAll(http.MaxBytesReader(nil, r.Body, 1<<20))
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		rfq, ops, err := s.Market.Cancel(ctx, tenantID, rfqID, actor(tenantID), s.now())
		if err != nil {
			return nil, nil, err
		}
		return &pipeline.Result{Status: http.StatusOK, Body: map[string]any{"rfq": rfq}}, ops, nil
	})
}

// --- x402 payment gates ---

type gateQuoteBody struct {
	PayerAgentID string `json:"payerAgentId"`
	PayeeAgentID string `json:"payeeAgentId"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`
}

type gateCreateBody struct {
	GateID               string         `json:"gateId"`
	Quote                gateQuoteBody  `json:"quote"`
	ExecutionIntent      map[string]any `json:"executionIntent"`
	IntentExpiresAt      string         `json:"intentExpiresAt"`
	RequestBindingMode   string         `json:"requestBindingMode"`
	RequestBindingSHA256 string         `json:"requestBindingSha256"`
}

func (s *Server) handleGateCreate(w http.ResponseWriter, r *http.Request) {
	var body gateCreateBody
	raw, err := decodeBody(r, "x402.create", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	var expiresAt time.Time
	if body.IntentExpiresAt != "" {
		expiresAt, err = time.Parse(time.RFC3339, body.IntentExpiresAt)
		if err != nil {
			writeErr(w, r, protocol.NewError(protocol.CodeSchemaInvalid, "intentExpiresAt must be RFC 3339"))
			return
		}
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		gate, ops, err := s.Gates.Create(ctx, tenantID, x402.CreateRequest{
			GateID: body.GateID,
			Quote: x402.Quote{
				PayerAgentID: body.Quote.PayerAgentID,
				PayeeAgentID: body.Quote.PayeeAgentID,
				AmountCents:  body.Quote.AmountCents,
				Currency:     body.Quote.Currency,
			},
			IntentBody:         body.ExecutionIntent,
			IntentExpiresAt:    expiresAt,
			RequestBindingMode: body.RequestBindingMode,
			RequestBindingSHA:  body.RequestBindingSHA256,
		}, actor(tenantID), s.now())
		if err != nil {
			return nil, nil, err
		}
		return &pipeline.Result{Status: http.StatusCreated, Body: map[string]any{"gate": gate}}, ops, nil
	})
}

type gateAuthorizeBody struct {
	GateID              string `json:"gateId"`
	ExecutionIntentHash string `json:"executionIntentHash"`
	RequestSHA256       string `json:"requestSha256"`
	PaymentRef          string `json:"paymentRef"`
}

func (s *Server) handleGateAuthorize(w http.ResponseWriter, r *http.Request) {
	var body gateAuthorizeBody
	raw, err := decodeBody(r, "x402.authorize", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		gate, ops, err := s.Gates.Authorize(ctx, tenantID, body.GateID, x402.AuthorizeRequest{
			ExecutionIntentHash: body.ExecutionIntentHash,
			RequestSHA256:       body.RequestSHA256,
			PaymentRef:          body.PaymentRef,
		}, actor(tenantID), s.now())
		if err != nil {
			return nil, nil, err
		}
		return &pipeline.Result{Status: http.StatusOK, Body: map[string]any{"gate": gate}}, ops, nil
	})
}

type gateVerifyBody struct {
	GateID             string   `json:"gateId"`
	PolicyArtifactID   string   `json:"policyArtifactId"`
	VerificationStatus string   `json:"verificationStatus"`
	EvidenceRefs       []string `json:"evidenceRefs"`
	ResponseSHA256     string   `json:"responseSha256"`
}

func (s *Server) handleGateVerify(w http.ResponseWriter, r *http.Request) {
	var body gateVerifyBody
	raw, err := decodeBody(r, "x402.verify", &body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	tenantID, ok := tenantOf(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, raw, func(ctx context.Context) (*pipeline.Result, []store.Op, error) {
		res, ops, err := s.Gates.Verify(ctx, tenantID, body.GateID, x402.VerifyRequest{
			PolicyArtifactID:   body.PolicyArtifactID,
			VerificationStatus: body.VerificationStatus,
			EvidenceRefs:       body.EvidenceRefs,
			ResponseSHA256:     body.ResponseSHA256,
		}, actor(tenantID), s.now())
		if err != nil {
			return nil, nil, err
		}
		return &pipeline.Result{Status: http.StatusOK, Body: map[string]any{
			"gate":     res.Gate,
			"decision": res.Decision,
			"settled":  res.Settled,
		}}, ops, nil
	})
}
