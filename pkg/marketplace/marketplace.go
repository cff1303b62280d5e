// Package marketplace — RFQ, bid, and negotiation protocol.
//
// An RFQ collects bids; each bid carries a negotiation history of proposals
// chained by prevProposalHash. Acceptance binds one bid to a task agreement
// and atomically creates the run with its escrowed settlement.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nooterra/nooterra/pkg/canonical"
	"github.com/nooterra/nooterra/pkg/crypto"
	"github.com/nooterra/nooterra/pkg/events"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/run"
	"github.com/nooterra/nooterra/pkg/store"
)

// Projection kinds.
const (
	RFQProjectionKind = "marketplace_rfq"
	BidProjectionKind = "marketplace_bid"
)

// RFQ statuses.
const (
	RFQOpen      = "open"
	RFQAssigned  = "assigned"
	RFQCancelled = "cancelled"
	RFQClosed    = "closed"
)

// Bid statuses.
const (
	BidPending  = "pending"
	BidAccepted = "accepted"
	BidRejected = "rejected"
)

// RFQ event types on the rfq:<id> stream.
const (
	EventRFQCreated   = "RFQ_CREATED"
	EventBidPlaced    = "BID_PLACED"
	EventBidProposal  = "BID_PROPOSAL_ADDED"
	EventRFQAccepted  = "RFQ_ACCEPTED"
	EventRFQCancelled = "RFQ_CANCELLED"
)

// StreamID names the event stream of an RFQ.
func StreamID(rfqID string) string {
	return "rfq:" + rfqID
}

// RFQ is the projected request-for-quote state.
type RFQ struct {
	RFQID            string         `json:"rfqId"`
	TenantID         string         `json:"tenantId"`
	RequesterAgentID string         `json:"requesterAgentId"`
	Task             map[string]any `json:"task,omitempty"`
	Currency         string         `json:"currency"`
	MaxBudgetCents   int64          `json:"maxBudgetCents,omitempty"`
	Status           string         `json:"status"`
	BidIDs           []string       `json:"bidIds"`
	AcceptedBidID    string         `json:"acceptedBidId,omitempty"`
	LastChainHash    string         `json:"lastChainHash"`
	Revision         int64          `json:"revision"`
}

// Proposal is one revision in a bid's negotiation history.
type Proposal struct {
	ProposalHash     string         `json:"proposalHash"`
	PrevProposalHash *string        `json:"prevProposalHash"`
	AmountCents      int64          `json:"amountCents"`
	Terms            map[string]any `json:"terms,omitempty"`
	ProposedBy       string         `json:"proposedBy"`
	At               string         `json:"at"`
}

// Bid is the projected bid state, including its proposal chain.
type Bid struct {
	BidID         string     `json:"bidId"`
	RFQID         string     `json:"rfqId"`
	TenantID      string     `json:"tenantId"`
	BidderAgentID string     `json:"bidderAgentId"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	Proposals     []Proposal `json:"proposals"`
	Revision      int64      `json:"revision"`
}

// Latest returns the current proposal revision of the bid.
func (b *Bid) Latest() *Proposal {
	if len(b.Proposals) == 0 {
		return nil
	}
	return &b.Proposals[len(b.Proposals)-1]
}

func rfqFromProjection(p *store.Projection) (*RFQ, error) {
	var r RFQ
	if err := decodeBody(p.Body, &r); err != nil {
		return nil, err
	}
	r.Revision = p.Revision
	return &r, nil
}

func bidFromProjection(p *store.Projection) (*Bid, error) {
	var b Bid
	if err := decodeBody(p.Body, &b); err != nil {
		return nil, err
	}
	b.Revision = p.Revision
	return &b, nil
}

func decodeBody(body map[string]any, into any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode projection body: %w", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode projection body: %w", err)
	}
	return nil
}

func encodeBody(v any) map[string]any {
	raw, _ := json.Marshal(v)
	var b map[string]any
	_ = json.Unmarshal(raw, &b)
	delete(b, "revision")
	return b
}

func (r *RFQ) upsertOp() store.Op {
	return store.Op{Kind: store.OpProjectionUpsert, Projection: &store.ProjectionUpsert{
		Kind: RFQProjectionKind, ID: r.RFQID, Body: encodeBody(r), ExpectedRevision: r.Revision,
	}}
}

func (b *Bid) upsertOp() store.Op {
	return store.Op{Kind: store.OpProjectionUpsert, Projection: &store.ProjectionUpsert{
		Kind: BidProjectionKind, ID: b.BidID, Body: encodeBody(b), ExpectedRevision: b.Revision,
	}}
}

// proposalHash commits a proposal revision to its bid and predecessor.
func proposalHash(rfqID, bidID string, amountCents int64, terms map[string]any, prev *string) (string, error) {
	var prevAny any
	if prev != nil {
		prevAny = *prev
	}
	return canonical.Hash(map[string]any{
		"rfqId":            rfqID,
		"bidId":            bidID,
		"amountCents":      amountCents,
		"terms":            terms,
		"prevProposalHash": prevAny,
	})
}

// Engine builds op batches for marketplace mutations.
type Engine struct {
	Store store.Store
	Keys  *crypto.Registry
	IDs   events.IDGenerator
	Runs  *run.Engine
}

// CreateRFQRequest is the validated input of RFQ creation.
type CreateRFQRequest struct {
	RFQID            string
	RequesterAgentID string
	Currency         string
	MaxBudgetCents   int64
	Task             map[string]any
}

// CreateRFQ opens a new RFQ and appends RFQ_CREATED to its stream.
func (e *Engine) CreateRFQ(ctx context.Context, tenantID string, req CreateRFQRequest, actor string, at time.Time) (*RFQ, []store.Op, error) {
	if req.RequesterAgentID == "" || req.Currency == "" {
		return nil, nil, protocol.NewError(protocol.CodeRequiredFieldMissing, "rfq requires requesterAgentId and currency")
	}
	rfqID := req.RFQID
	if rfqID == "" {
		rfqID = e.IDs.NewID("rfq")
	}
	r := &RFQ{
		RFQID:            rfqID,
		TenantID:         tenantID,
		RequesterAgentID: req.RequesterAgentID,
		Task:             req.Task,
		Currency:         req.Currency,
		MaxBudgetCents:   req.MaxBudgetCents,
		Status:           RFQOpen,
		BidIDs:           []string{},
	}
	evt, err := events.Build(e.IDs, tenantID, StreamID(rfqID), EventRFQCreated, map[string]any{
		"rfqId":            rfqID,
		"requesterAgentId": req.RequesterAgentID,
		"currency":         req.Currency,
	}, nil, actor, at)
	if err != nil {
		return nil, nil, err
	}
	r.LastChainHash = evt.ChainHash
	return r, []store.Op{
		{Kind: store.OpEventAppend, Event: evt},
		r.upsertOp(),
	}, nil
}

// PlaceBidRequest is the validated input of bid placement.
type PlaceBidRequest struct {
	BidID         string
	BidderAgentID string
	AmountCents   int64
	Terms         map[string]any
}

// PlaceBid adds a pending bid with its opening proposal to an open RFQ.
func (e *Engine) PlaceBid(ctx context.Context, tenantID, rfqID string, req PlaceBidRequest, actor string, at time.Time) (*Bid, []store.Op, error) {
	if req.BidderAgentID == "" || req.AmountCents <= 0 {
		return nil, nil, protocol.NewError(protocol.CodeRequiredFieldMissing, "bid requires bidderAgentId and a positive amountCents")
	}
	r, err := e.LoadRFQ(ctx, tenantID, rfqID)
	if err != nil {
		return nil, nil, err
	}
	if r.Status != RFQOpen {
		return nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "rfq %s is %s; bids are closed", rfqID, r.Status)
	}

	bidID := req.BidID
	if bidID == "" {
		bidID = e.IDs.NewID("bid")
	}
	hash, err := proposalHash(rfqID, bidID, req.AmountCents, req.Terms, nil)
	if err != nil {
		return nil, nil, err
	}
	b := &Bid{
		BidID:         bidID,
		RFQID:         rfqID,
		TenantID:      tenantID,
		BidderAgentID: req.BidderAgentID,
		Currency:      r.Currency,
		Status:        BidPending,
		Proposals: []Proposal{{
			ProposalHash: hash,
			AmountCents:  req.AmountCents,
			Terms:        req.Terms,
			ProposedBy:   req.BidderAgentID,
			At:           at.UTC().Format(events.ISOMillis),
		}},
	}

	prev := r.LastChainHash
	evt, err := events.Build(e.IDs, tenantID, StreamID(rfqID), EventBidPlaced, map[string]any{
		"rfqId":        rfqID,
		"bidId":        bidID,
		"amountCents":  req.AmountCents,
		"proposalHash": hash,
	}, &prev, actor, at)
	if err != nil {
		return nil, nil, err
	}
	r.BidIDs = append(r.BidIDs, bidID)
	r.LastChainHash = evt.ChainHash

	return b, []store.Op{
		{Kind: store.OpEventAppend, Event: evt},
		b.upsertOp(),
		r.upsertOp(),
	}, nil
}

// CounterRequest is a negotiation counter-offer on an existing bid.
type CounterRequest struct {
	AmountCents      int64
	Terms            map[string]any
	ProposedBy       string
	PrevProposalHash string // must match the bid's latest revision
}

// Counter appends a proposal revision to a pending bid's negotiation chain.
func (e *Engine) Counter(ctx context.Context, tenantID, rfqID, bidID string, req CounterRequest, actor string, at time.Time) (*Bid, []store.Op, error) {
	if req.AmountCents <= 0 || req.ProposedBy == "" {
		return nil, nil, protocol.NewError(protocol.CodeRequiredFieldMissing, "counter requires proposedBy and a positive amountCents")
	}
	r, err := e.LoadRFQ(ctx, tenantID, rfqID)
	if err != nil {
		return nil, nil, err
	}
	if r.Status != RFQOpen {
		return nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "rfq %s is %s; negotiation is closed", rfqID, r.Status)
	}
	b, err := e.LoadBid(ctx, tenantID, bidID)
	if err != nil {
		return nil, nil, err
	}
	if b.RFQID != rfqID {
		return nil, nil, protocol.Errorf(protocol.CodeNotFound, "bid %s does not belong to rfq %s", bidID, rfqID)
	}
	if b.Status != BidPending {
		return nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "bid %s is %s", bidID, b.Status)
	}
	latest := b.Latest()
	if latest == nil || latest.ProposalHash != req.PrevProposalHash {
		return nil, nil, protocol.NewError(protocol.CodeChainHashMismatch, "prevProposalHash does not match the bid's latest revision")
	}

	prevHash := latest.ProposalHash
	hash, err := proposalHash(rfqID, bidID, req.AmountCents, req.Terms, &prevHash)
	if err != nil {
		return nil, nil, err
	}
	b.Proposals = append(b.Proposals, Proposal{
		ProposalHash:     hash,
		PrevProposalHash: &prevHash,
		AmountCents:      req.AmountCents,
		Terms:            req.Terms,
		ProposedBy:       req.ProposedBy,
		At:               at.UTC().Format(events.ISOMillis),
	})

	prev := r.LastChainHash
	evt, err := events.Build(e.IDs, tenantID, StreamID(rfqID), EventBidProposal, map[string]any{
		"rfqId":            rfqID,
		"bidId":            bidID,
		"amountCents":      req.AmountCents,
		"proposalHash":     hash,
		"prevProposalHash": prevHash,
	}, &prev, actor, at)
	if err != nil {
		return nil, nil, err
	}
	r.LastChainHash = evt.ChainHash

	return b, []store.Op{
		{Kind: store.OpEventAppend, Event: evt},
		b.upsertOp(),
		r.upsertOp(),
	}, nil
}

// Cancel closes an open RFQ without assignment.
func (e *Engine) Cancel(ctx context.Context, tenantID, rfqID, actor string, at time.Time) (*RFQ, []store.Op, error) {
	r, err := e.LoadRFQ(ctx, tenantID, rfqID)
	if err != nil {
		return nil, nil, err
	}
	if r.Status != RFQOpen {
		return nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "rfq %s is %s", rfqID, r.Status)
	}
	prev := r.LastChainHash
	evt, err := events.Build(e.IDs, tenantID, StreamID(rfqID), EventRFQCancelled, map[string]any{
		"rfqId": rfqID,
	}, &prev, actor, at)
	if err != nil {
		return nil, nil, err
	}
	r.Status = RFQCancelled
	r.LastChainHash = evt.ChainHash
	return r, []store.Op{
		{Kind: store.OpEventAppend, Event: evt},
		r.upsertOp(),
	}, nil
}

// LoadRFQ reads an RFQ projection at its current revision.
func (e *Engine) LoadRFQ(ctx context.Context, tenantID, rfqID string) (*RFQ, error) {
	p, err := e.Store.GetProjection(ctx, tenantID, RFQProjectionKind, rfqID)
	if err != nil {
		return nil, err
	}
	return rfqFromProjection(p)
}

// LoadBid reads a bid projection at its current revision.
func (e *Engine) LoadBid(ctx context.Context, tenantID, bidID string) (*Bid, error) {
	p, err := e.Store.GetProjection(ctx, tenantID, BidProjectionKind, bidID)
	if err != nil {
		return nil, err
	}
	return bidFromProjection(p)
}
