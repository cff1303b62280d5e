// Package x402 — payment gates binding a quote and an execution intent to
// at most one authorization and one settlement.
//
// A gate is created with a quote and an ExecutionIntent; authorization
// consumes the intent and locks the escrow; verification consumes a policy
// plus binding evidence and settles exactly once.
package x402

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nooterra/nooterra/pkg/canonical"
	"github.com/nooterra/nooterra/pkg/crypto"
	"github.com/nooterra/nooterra/pkg/events"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/run"
	"github.com/nooterra/nooterra/pkg/store"
	"github.com/nooterra/nooterra/pkg/wallet"
)

// ProjectionKind is the projection row kind for gates.
const ProjectionKind = "x402_gate"

// Gate statuses.
const (
	StatusCreated    = "created"
	StatusAuthorized = "authorized"
	StatusSettled    = "settled"
)

// Request binding modes.
const (
	BindingStrict = "strict"
	BindingNone   = "none"
)

// Gate event types on the gate:<id> stream.
const (
	EventGateCreated       = "X402_GATE_CREATED"
	EventPaymentAuthorized = "X402_PAYMENT_AUTHORIZED"
	EventGateVerified      = "X402_GATE_VERIFIED"
)

// StreamID names the event stream of a gate.
func StreamID(gateID string) string {
	return "gate:" + gateID
}

// Quote is the priced offer a gate guards.
type Quote struct {
	PayerAgentID string `json:"payerAgentId"`
	PayeeAgentID string `json:"payeeAgentId"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`
}

// ExecutionIntent commits the payer to one specific execution.
type ExecutionIntent struct {
	IntentHash string         `json:"intentHash"`
	ExpiresAt  string         `json:"expiresAt"` // ISO-8601 Z millis
	Body       map[string]any `json:"body,omitempty"`
}

// RequestBinding pins the gate to one HTTP request body.
type RequestBinding struct {
	Mode   string `json:"mode"`
	SHA256 string `json:"sha256,omitempty"`
}

// Authorization records the consumed intent.
type Authorization struct {
	AuthorizedAt string `json:"authorizedAt"`
	PaymentRef   string `json:"paymentRef,omitempty"`
}

// Verification records the settle-once outcome.
type Verification struct {
	Status              string   `json:"status"` // green | amber | red
	EvidenceRefs        []string `json:"evidenceRefs,omitempty"`
	ReleaseRatePct      int64    `json:"releaseRatePct"`
	ReleasedAmountCents int64    `json:"releasedAmountCents"`
	RefundedAmountCents int64    `json:"refundedAmountCents"`
	VerifiedAt          string   `json:"verifiedAt"`
}

// Gate is the projected gate state.
type Gate struct {
	GateID          string          `json:"gateId"`
	TenantID        string          `json:"tenantId"`
	Status          string          `json:"status"`
	Quote           Quote           `json:"quote"`
	ExecutionIntent ExecutionIntent `json:"executionIntent"`
	RequestBinding  RequestBinding  `json:"requestBinding"`
	ResponseSHA256  string          `json:"responseSha256,omitempty"`
	Authorization   *Authorization  `json:"authorization,omitempty"`
	Verification    *Verification   `json:"verification,omitempty"`
	LastChainHash   string          `json:"lastChainHash"`
	Revision        int64           `json:"revision"`
}

func gateFromProjection(p *store.Projection) (*Gate, error) {
	raw, err := json.Marshal(p.Body)
	if err != nil {
		return nil, fmt.Errorf("encode gate projection: %w", err)
	}
	var g Gate
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode gate projection: %w", err)
	}
	g.Revision = p.Revision
	return &g, nil
}

func (g *Gate) body() map[string]any {
	raw, _ := json.Marshal(g)
	var b map[string]any
	_ = json.Unmarshal(raw, &b)
	delete(b, "revision")
	return b
}

func (g *Gate) upsertOp() store.Op {
	return store.Op{Kind: store.OpProjectionUpsert, Projection: &store.ProjectionUpsert{
		Kind: ProjectionKind, ID: g.GateID, Body: g.body(), ExpectedRevision: g.Revision,
	}}
}

func validSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Engine builds op batches for gate mutations.
type Engine struct {
	Store    store.Store
	Keys     *crypto.Registry
	IDs      events.IDGenerator
	Policies *run.PolicyEvaluator
}

// CreateRequest is the validated input of gate creation.
type CreateRequest struct {
	GateID             string
	Quote              Quote
	IntentBody         map[string]any
	IntentExpiresAt    time.Time
	RequestBindingMode string // strict | none ("" means none)
	RequestBindingSHA  string // required for strict
}

// Create opens a gate. The execution intent hash is derived from the intent
// body; strict request binding stores the request SHA-256 at create time.
func (e *Engine) Create(ctx context.Context, tenantID string, req CreateRequest, actor string, at time.Time) (*Gate, []store.Op, error) {
	q := req.Quote
	if q.PayerAgentID == "" || q.PayeeAgentID == "" || q.AmountCents <= 0 || q.Currency == "" {
		return nil, nil, protocol.NewError(protocol.CodeRequiredFieldMissing, "quote requires payerAgentId, payeeAgentId, amountCents and currency")
	}
	if len(req.IntentBody) == 0 {
		return nil, nil, protocol.NewError(protocol.CodeX402ExecutionIntentRequired, "an execution intent is required to open a gate")
	}

	mode := req.RequestBindingMode
	if mode == "" {
		mode = BindingNone
	}
	if mode != BindingStrict && mode != BindingNone {
		return nil, nil, protocol.Errorf(protocol.CodeSchemaInvalid, "unknown requestBindingMode %q", mode)
	}
	if mode == BindingStrict && !validSHA256(req.RequestBindingSHA) {
		return nil, nil, protocol.NewError(protocol.CodeSHA256FieldInvalid, "strict request binding requires a valid requestBindingSha256")
	}

	intentHash, err := canonical.Hash(req.IntentBody)
	if err != nil {
		return nil, nil, err
	}

	gateID := req.GateID
	if gateID == "" {
		gateID = e.IDs.NewID("gate")
	}
	// An absent expiry means the intent never expires.
	expiresAt := ""
	if !req.IntentExpiresAt.IsZero() {
		expiresAt = req.IntentExpiresAt.UTC().Format(events.ISOMillis)
	}
	g := &Gate{
		GateID:   gateID,
		TenantID: tenantID,
		Status:   StatusCreated,
		Quote:    q,
		ExecutionIntent: ExecutionIntent{
			IntentHash: intentHash,
			ExpiresAt:  expiresAt,
			Body:       req.IntentBody,
		},
		RequestBinding: RequestBinding{Mode: mode, SHA256: req.RequestBindingSHA},
	}

	evt, err := events.Build(e.IDs, tenantID, StreamID(gateID), EventGateCreated, map[string]any{
		"gateId":     gateID,
		"intentHash": intentHash,
	}, nil, actor, at)
	if err != nil {
		return nil, nil, err
	}
	g.LastChainHash = evt.ChainHash

	return g, []store.Op{
		{Kind: store.OpEventAppend, Event: evt},
		g.upsertOp(),
	}, nil
}

// AuthorizeRequest is the validated input of payment authorization.
type AuthorizeRequest struct {
	ExecutionIntentHash string
	RequestSHA256       string // checked under strict binding
	PaymentRef          string
}

// Authorize consumes the execution intent and locks the quoted amount in
// the payer's escrow.
func (e *Engine) Authorize(ctx context.Context, tenantID, gateID string, req AuthorizeRequest, actor string, at time.Time) (*Gate, []store.Op, error) {
	g, err := e.Load(ctx, tenantID, gateID)
	if err != nil {
		return nil, nil, err
	}
	if g.Status != StatusCreated {
		return nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "gate %s is %s", gateID, g.Status)
	}
	if req.ExecutionIntentHash == "" {
		return nil, nil, protocol.NewError(protocol.CodeX402ExecutionIntentRequired, "executionIntentHash is required to authorize")
	}
	if req.ExecutionIntentHash != g.ExecutionIntent.IntentHash {
		return nil, nil, protocol.NewError(protocol.CodeX402ExecutionIntentHashMismatch, "executionIntentHash does not match the gate's intent")
	}
	if g.ExecutionIntent.ExpiresAt != "" {
		expires, err := time.Parse(events.ISOMillis, g.ExecutionIntent.ExpiresAt)
		if err == nil && at.UTC().After(expires) {
			return nil, nil, protocol.NewError(protocol.CodeX402ExecutionIntentExpired, "execution intent has expired").
				WithDetail("expiresAt", g.ExecutionIntent.ExpiresAt)
		}
	}
	if g.RequestBinding.Mode == BindingStrict && req.RequestSHA256 != g.RequestBinding.SHA256 {
		return nil, nil, protocol.NewError(protocol.CodeX402RequestMismatch, "request sha256 does not match the gate's strict binding")
	}

	payer, err := wallet.Load(ctx, e.Store, tenantID, wallet.IDForAgent(g.Quote.PayerAgentID))
	if err != nil {
		return nil, nil, err
	}
	lockOps, err := wallet.LockEscrow(payer, e.IDs.NewID("entry"), g.Quote.AmountCents, at)
	if err != nil {
		return nil, nil, err
	}

	g.Status = StatusAuthorized
	g.Authorization = &Authorization{
		AuthorizedAt: at.UTC().Format(events.ISOMillis),
		PaymentRef:   req.PaymentRef,
	}

	prev := g.LastChainHash
	evt, err := events.Build(e.IDs, tenantID, StreamID(gateID), EventPaymentAuthorized, map[string]any{
		"gateId":     gateID,
		"intentHash": g.ExecutionIntent.IntentHash,
	}, &prev, actor, at)
	if err != nil {
		return nil, nil, err
	}
	g.LastChainHash = evt.ChainHash

	ops := append(lockOps,
		store.Op{Kind: store.OpEventAppend, Event: evt},
		g.upsertOp(),
	)
	return g, ops, nil
}

// Load reads a gate projection at its current revision.
func (e *Engine) Load(ctx context.Context, tenantID, gateID string) (*Gate, error) {
	p, err := e.Store.GetProjection(ctx, tenantID, ProjectionKind, gateID)
	if err != nil {
		return nil, err
	}
	return gateFromProjection(p)
}
