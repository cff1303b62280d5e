package marketplace

import (
	"context"
	"time"

	"github.com/nooterra/nooterra/pkg/artifacts"
	"github.com/nooterra/nooterra/pkg/canonical"
	"github.com/nooterra/nooterra/pkg/crypto"
	"github.com/nooterra/nooterra/pkg/events"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/run"
	"github.com/nooterra/nooterra/pkg/store"
)

// AcceptRequest is the validated input of bid acceptance.
type AcceptRequest struct {
	BidID                     string
	AcceptedByAgentID         string
	AcceptedProposalHash      string // must be the bid's latest revision
	ActingOnBehalfOfChainHash string // optional delegation chain head
	SignerKeyID               string // optional; signs the acceptanceHash
	DisputeWindowDays         int
	PolicyArtifactID          string // optional TenantSettlementPolicy.v1
	VerificationMethodHash    string
	PolicyRefHash             string
}

// AcceptResult carries everything the acceptance committed.
type AcceptResult struct {
	RFQ                 *RFQ
	Bid                 *Bid
	AgreementID         string
	Acceptance          *store.ArtifactRecord
	PolicyBinding       *store.ArtifactRecord
	TaskAgreement       *store.ArtifactRecord
	Run                 *run.CreateRunResult
	RejectedBidIDs      []string
	AcceptanceSignature string
}

// Accept binds one bid: the acceptance signature artifact, the policy
// binding, the task agreement, the run with its inline settlement, and the
// escrow lock all land in a single commit. The accepted proposal must be the
// bid's latest revision.
func (e *Engine) Accept(ctx context.Context, tenantID, rfqID string, req AcceptRequest, actor string, at time.Time) (*AcceptResult, []store.Op, error) {
	if req.BidID == "" || req.AcceptedByAgentID == "" || req.AcceptedProposalHash == "" {
		return nil, nil, protocol.NewError(protocol.CodeRequiredFieldMissing, "accept requires bidId, acceptedByAgentId and acceptedProposalHash")
	}
	r, err := e.LoadRFQ(ctx, tenantID, rfqID)
	if err != nil {
		return nil, nil, err
	}
	if r.Status != RFQOpen {
		return nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "rfq %s is %s", rfqID, r.Status)
	}
	b, err := e.LoadBid(ctx, tenantID, req.BidID)
	if err != nil {
		return nil, nil, err
	}
	if b.RFQID != rfqID {
		return nil, nil, protocol.Errorf(protocol.CodeNotFound, "bid %s does not belong to rfq %s", req.BidID, rfqID)
	}
	if b.Status != BidPending {
		return nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "bid %s is %s", req.BidID, b.Status)
	}
	latest := b.Latest()
	if latest == nil {
		return nil, nil, protocol.Errorf(protocol.CodeSchemaInvalid, "bid %s has no proposals", req.BidID)
	}
	if latest.ProposalHash != req.AcceptedProposalHash {
		return nil, nil, protocol.NewError(protocol.CodeRevisionConflict, "acceptance must target the bid's latest proposal revision").
			WithDetail("latestProposalHash", latest.ProposalHash)
	}

	agreementID := e.IDs.NewID("agr")
	runID := e.IDs.NewID("run")
	offerChainHash := r.LastChainHash

	commitment := map[string]any{
		"agreementId":          agreementID,
		"rfqId":                rfqID,
		"runId":                runID,
		"bidId":                req.BidID,
		"acceptedByAgentId":    req.AcceptedByAgentID,
		"acceptedProposalHash": req.AcceptedProposalHash,
		"offerChainHash":       offerChainHash,
	}
	if req.ActingOnBehalfOfChainHash != "" {
		commitment["actingOnBehalfOfChainHash"] = req.ActingOnBehalfOfChainHash
	}
	acceptanceHash, err := canonical.Hash(commitment)
	if err != nil {
		return nil, nil, err
	}

	var signatureB64 string
	acceptanceBody := map[string]any{
		"acceptanceHash": acceptanceHash,
	}
	for k, v := range commitment {
		acceptanceBody[k] = v
	}
	if req.SignerKeyID != "" {
		sig, err := e.Keys.Sign(tenantID, req.SignerKeyID, acceptanceHash, crypto.PurposeAcceptance, agreementID)
		if err != nil {
			return nil, nil, err
		}
		signatureB64 = sig.Signature
		acceptanceBody["signature"] = map[string]any{
			"keyId":     req.SignerKeyID,
			"signature": sig.Signature,
			"purpose":   string(crypto.PurposeAcceptance),
		}
	}
	acceptance, err := artifacts.Derive(tenantID, artifacts.SchemaAcceptanceSignature, acceptanceBody, at)
	if err != nil {
		return nil, nil, err
	}

	policyHash := "default"
	if req.PolicyArtifactID != "" {
		rec, err := e.Store.GetArtifact(ctx, tenantID, req.PolicyArtifactID)
		if err != nil {
			return nil, nil, err
		}
		policyHash = rec.ArtifactHash
	}
	termsHash, err := canonical.Hash(map[string]any{
		"rfqId":       rfqID,
		"bidId":       req.BidID,
		"amountCents": latest.AmountCents,
		"currency":    b.Currency,
		"terms":       latest.Terms,
	})
	if err != nil {
		return nil, nil, err
	}
	binding, err := artifacts.Derive(tenantID, artifacts.SchemaPolicyBinding, map[string]any{
		"agreementId":            agreementID,
		"termsHash":              termsHash,
		"policyHash":             policyHash,
		"verificationMethodHash": req.VerificationMethodHash,
		"policyRefHash":          req.PolicyRefHash,
	}, at)
	if err != nil {
		return nil, nil, err
	}

	agreement, err := artifacts.Derive(tenantID, artifacts.SchemaTaskAgreement, map[string]any{
		"agreementId":             agreementID,
		"rfqId":                   rfqID,
		"bidId":                   req.BidID,
		"runId":                   runID,
		"payerAgentId":            r.RequesterAgentID,
		"agentId":                 b.BidderAgentID,
		"amountCents":             latest.AmountCents,
		"currency":                b.Currency,
		"acceptanceArtifactId":    acceptance.ArtifactID,
		"policyBindingArtifactId": binding.ArtifactID,
	}, at)
	if err != nil {
		return nil, nil, err
	}

	// The run and its settlement are created in the same batch; the escrow
	// lock fails here, before any op, when the payer cannot cover the bid.
	runRes, runOps, err := e.Runs.CreateRun(ctx, tenantID, b.BidderAgentID, run.CreateRunRequest{
		RunID: runID,
		Metadata: map[string]any{
			"agreementId":         agreementID,
			"rfqId":               rfqID,
			"bidId":               req.BidID,
			"agreementArtifactId": agreement.ArtifactID,
		},
		Settlement: &run.SettlementSpec{
			PayerAgentID:      r.RequesterAgentID,
			AmountCents:       latest.AmountCents,
			Currency:          b.Currency,
			DisputeWindowDays: req.DisputeWindowDays,
			PolicyArtifactID:  req.PolicyArtifactID,
		},
	}, actor, at)
	if err != nil {
		return nil, nil, err
	}

	prev := r.LastChainHash
	evt, err := events.Build(e.IDs, tenantID, StreamID(rfqID), EventRFQAccepted, map[string]any{
		"rfqId":          rfqID,
		"bidId":          req.BidID,
		"agreementId":    agreementID,
		"runId":          runID,
		"acceptanceHash": acceptanceHash,
	}, &prev, actor, at)
	if err != nil {
		return nil, nil, err
	}

	r.Status = RFQAssigned
	r.AcceptedBidID = req.BidID
	r.LastChainHash = evt.ChainHash
	b.Status = BidAccepted

	ops := []store.Op{
		artifacts.PutOp(acceptance),
		artifacts.PutOp(binding),
		artifacts.PutOp(agreement),
	}
	ops = append(ops, runOps...)
	ops = append(ops,
		store.Op{Kind: store.OpEventAppend, Event: evt},
		b.upsertOp(),
		r.upsertOp(),
	)

	// Losing bids are rejected in the same commit.
	var rejected []string
	for _, otherID := range r.BidIDs {
		if otherID == req.BidID {
			continue
		}
		other, err := e.LoadBid(ctx, tenantID, otherID)
		if err != nil {
			return nil, nil, err
		}
		if other.Status != BidPending {
			continue
		}
		other.Status = BidRejected
		ops = append(ops, other.upsertOp())
		rejected = append(rejected, otherID)
	}

	return &AcceptResult{
		RFQ:                 r,
		Bid:                 b,
		AgreementID:         agreementID,
		Acceptance:          acceptance,
		PolicyBinding:       binding,
		TaskAgreement:       agreement,
		Run:                 runRes,
		RejectedBidIDs:      rejected,
		AcceptanceSignature: signatureB64,
	}, ops, nil
}
