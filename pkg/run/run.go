// Package run — agent run lifecycle and settlement engine.
//
// A run is an append-only event chain (RUN_CREATED → RUN_STARTED →
// heartbeats/evidence → RUN_COMPLETED|RUN_FAILED) with an optional inline
// settlement that locks escrow at creation and resolves on completion via
// policy evaluation.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nooterra/nooterra/pkg/crypto"
	"github.com/nooterra/nooterra/pkg/events"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/store"
	"github.com/nooterra/nooterra/pkg/wallet"
)

// Projection kinds.
const (
	ProjectionKind           = "agent_run"
	SettlementProjectionKind = "run_settlement"
)

// Run event types.
const (
	EventRunCreated         = "RUN_CREATED"
	EventRunStarted         = "RUN_STARTED"
	EventRunHeartbeat       = "RUN_HEARTBEAT"
	EventEvidenceAdded      = "EVIDENCE_ADDED"
	EventRunCompleted       = "RUN_COMPLETED"
	EventRunFailed          = "RUN_FAILED"
	EventSettlementResolved = "SETTLEMENT_RESOLVED"
)

// Run statuses.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// StreamID names the event stream of a run.
func StreamID(runID string) string {
	return "run:" + runID
}

// Run is the projected state of one agent run.
type Run struct {
	RunID         string         `json:"runId"`
	AgentID       string         `json:"agentId"`
	TenantID      string         `json:"tenantId"`
	Status        string         `json:"status"`
	LastEventID   string         `json:"lastEventId"`
	LastChainHash string         `json:"lastChainHash"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Revision      int64          `json:"revision"`
}

func runFromProjection(p *store.Projection) (*Run, error) {
	raw, err := json.Marshal(p.Body)
	if err != nil {
		return nil, fmt.Errorf("encode run projection: %w", err)
	}
	var r Run
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode run projection: %w", err)
	}
	r.Revision = p.Revision
	return &r, nil
}

func (r *Run) body() map[string]any {
	b := map[string]any{
		"runId":         r.RunID,
		"agentId":       r.AgentID,
		"tenantId":      r.TenantID,
		"status":        r.Status,
		"lastEventId":   r.LastEventID,
		"lastChainHash": r.LastChainHash,
	}
	if r.Metadata != nil {
		b["metadata"] = r.Metadata
	}
	return b
}

func (r *Run) upsertOp() store.Op {
	return store.Op{Kind: store.OpProjectionUpsert, Projection: &store.ProjectionUpsert{
		Kind:             ProjectionKind,
		ID:               r.RunID,
		Body:             r.body(),
		ExpectedRevision: r.Revision,
	}}
}

// transitions maps an event type to the run statuses it may be appended in
// and the status it moves the run to ("" keeps the current status).
var transitions = map[string]struct {
	from []string
	to   string
}{
	EventRunStarted:    {from: []string{StatusCreated}, to: StatusRunning},
	EventRunHeartbeat:  {from: []string{StatusRunning}, to: ""},
	EventEvidenceAdded: {from: []string{StatusRunning}, to: ""},
	EventRunCompleted:  {from: []string{StatusRunning}, to: StatusCompleted},
	EventRunFailed:     {from: []string{StatusRunning}, to: StatusFailed},
}

// Engine builds the op batches for run mutations. It never commits; the
// write pipeline owns the transaction.
type Engine struct {
	Store       store.Store
	Keys        *crypto.Registry
	IDs         events.IDGenerator
	Policies    *PolicyEvaluator
	ServerKeyID string // when set, run chain events are signed with this key

	// FallbackPolicy is the operator-configured default applied to
	// settlements with no bound policy artifact. Nil means DefaultPolicy.
	FallbackPolicy *Policy
}

// defaultPolicy resolves the policy for settlements without a bound artifact.
func (e *Engine) defaultPolicy() *Policy {
	if e.FallbackPolicy != nil {
		return e.FallbackPolicy
	}
	return DefaultPolicy()
}

// CreateRunRequest is the validated input of run creation.
type CreateRunRequest struct {
	RunID      string // optional explicit id
	Metadata   map[string]any
	Settlement *SettlementSpec
}

// SettlementSpec is the inline settlement attached to RUN_CREATED.
type SettlementSpec struct {
	PayerAgentID      string
	AmountCents       int64
	Currency          string
	DisputeWindowDays int
	PolicyArtifactID  string // optional; default policy applies when empty
	GateID            string // optional x402 gate guarding this work
}

// CreateRunResult carries the committed state back to the caller.
type CreateRunResult struct {
	Run        *Run
	Settlement *Settlement
	Event      *events.Event
}

// CreateRun builds the atomic batch for run creation: the RUN_CREATED event,
// the run projection, and, with an inline settlement, the settlement
// projection plus the escrow lock. Insufficient payer funds fail before any
// op is produced.
func (e *Engine) CreateRun(ctx context.Context, tenantID, agentID string, req CreateRunRequest, actor string, at time.Time) (*CreateRunResult, []store.Op, error) {
	runID := req.RunID
	if runID == "" {
		runID = e.IDs.NewID("run")
	}

	r := &Run{
		RunID:    runID,
		AgentID:  agentID,
		TenantID: tenantID,
		Status:   StatusCreated,
		Metadata: req.Metadata,
	}

	payload := map[string]any{
		"runId":   runID,
		"agentId": agentID,
	}

	var ops []store.Op
	var settlement *Settlement
	if spec := req.Settlement; spec != nil {
		if spec.PayerAgentID == "" || spec.AmountCents <= 0 || spec.Currency == "" {
			return nil, nil, protocol.NewError(protocol.CodeRequiredFieldMissing, "settlement requires payerAgentId, amountCents and currency")
		}
		payer, err := wallet.Load(ctx, e.Store, tenantID, wallet.IDForAgent(spec.PayerAgentID))
		if err != nil {
			return nil, nil, err
		}
		lockOps, err := wallet.LockEscrow(payer, e.IDs.NewID("entry"), spec.AmountCents, at)
		if err != nil {
			return nil, nil, err
		}

		policyHash := e.defaultPolicy().PolicyHash
		if spec.PolicyArtifactID != "" {
			rec, err := e.Store.GetArtifact(ctx, tenantID, spec.PolicyArtifactID)
			if err != nil {
				return nil, nil, err
			}
			policyHash = rec.ArtifactHash
		}

		settlement = &Settlement{
			SettlementID:       e.IDs.NewID("set"),
			RunID:              runID,
			TenantID:           tenantID,
			PayerAgentID:       spec.PayerAgentID,
			AgentID:            agentID,
			AmountCents:        spec.AmountCents,
			Currency:           spec.Currency,
			Status:             SettlementLocked,
			DisputeWindowDays:  spec.DisputeWindowDays,
			DisputeWindowEnds:  at.UTC().Add(time.Duration(spec.DisputeWindowDays) * 24 * time.Hour).Format(events.ISOMillis),
			DisputeStatus:      DisputeNone,
			DecisionStatus:     DecisionPending,
			DecisionPolicyHash: policyHash,
			PolicyArtifactID:   spec.PolicyArtifactID,
			GateID:             spec.GateID,
		}
		payload["settlement"] = map[string]any{
			"settlementId": settlement.SettlementID,
			"payerAgentId": spec.PayerAgentID,
			"amountCents":  spec.AmountCents,
			"currency":     spec.Currency,
		}
		ops = append(ops, lockOps...)
		ops = append(ops, settlement.upsertOp())
	}

	evt, err := e.buildEvent(tenantID, runID, EventRunCreated, payload, nil, actor, at)
	if err != nil {
		return nil, nil, err
	}
	r.LastEventID = evt.ID
	r.LastChainHash = evt.ChainHash
	ops = append(ops,
		store.Op{Kind: store.OpEventAppend, Event: evt},
		r.upsertOp(),
	)
	return &CreateRunResult{Run: r, Settlement: settlement, Event: evt}, ops, nil
}

// AppendResult carries the new event and any settlement side effects.
type AppendResult struct {
	Run        *Run
	Event      *events.Event
	Settlement *Settlement
	Decision   *Decision
}

// AppendEvent builds the batch for one run event. expectedPrev is the chain
// head the caller observed; a missing value is rejected, a stale one fails
// at commit with CHAIN_HASH_MISMATCH. RUN_COMPLETED additionally evaluates
// the settlement policy and attaches the resulting wallet ops.
func (e *Engine) AppendEvent(ctx context.Context, tenantID, runID, typ string, payload map[string]any, expectedPrev *string, actor string, at time.Time) (*AppendResult, []store.Op, error) {
	rule, known := transitions[typ]
	if !known {
		return nil, nil, protocol.Errorf(protocol.CodeSchemaInvalid, "unknown run event type %q", typ)
	}
	if expectedPrev == nil {
		return nil, nil, protocol.NewError(protocol.CodeRequiredFieldMissing, "expectedPrevChainHash is required for run event appends")
	}

	r, err := e.Load(ctx, tenantID, runID)
	if err != nil {
		return nil, nil, err
	}
	allowed := false
	for _, s := range rule.from {
		if r.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "run %s is %s; %s not allowed", runID, r.Status, typ)
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["runId"] = runID

	evt, err := e.buildEvent(tenantID, runID, typ, payload, expectedPrev, actor, at)
	if err != nil {
		return nil, nil, err
	}

	if rule.to != "" {
		r.Status = rule.to
	}
	r.LastEventID = evt.ID
	r.LastChainHash = evt.ChainHash

	ops := []store.Op{
		{Kind: store.OpEventAppend, Event: evt},
		r.upsertOp(),
	}

	res := &AppendResult{Run: r, Event: evt}
	if typ == EventRunCompleted {
		settlement, decision, settleOps, err := e.evaluateSettlement(ctx, tenantID, runID, payload, at)
		if err != nil {
			return nil, nil, err
		}
		if settlement != nil {
			ops = append(ops, settleOps...)
			res.Settlement = settlement
			res.Decision = decision
		}
	}
	return res, ops, nil
}

// AppendSystemEvent appends an engine-generated event to the run chain at
// its current head, bypassing the caller-supplied prev and the lifecycle
// transition table. Used for settlement and dispute bookkeeping events.
func (e *Engine) AppendSystemEvent(ctx context.Context, tenantID, runID, typ string, payload map[string]any, actor string, at time.Time) (*events.Event, []store.Op, error) {
	r, err := e.Load(ctx, tenantID, runID)
	if err != nil {
		return nil, nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["runId"] = runID
	prev := r.LastChainHash
	evt, err := e.buildEvent(tenantID, runID, typ, payload, &prev, actor, at)
	if err != nil {
		return nil, nil, err
	}
	r.LastEventID = evt.ID
	r.LastChainHash = evt.ChainHash
	return evt, []store.Op{
		{Kind: store.OpEventAppend, Event: evt},
		r.upsertOp(),
	}, nil
}

// Load reads a run projection at its current revision.
func (e *Engine) Load(ctx context.Context, tenantID, runID string) (*Run, error) {
	p, err := e.Store.GetProjection(ctx, tenantID, ProjectionKind, runID)
	if err != nil {
		return nil, err
	}
	return runFromProjection(p)
}

func (e *Engine) buildEvent(tenantID, runID, typ string, payload map[string]any, prev *string, actor string, at time.Time) (*events.Event, error) {
	evt, err := events.Build(e.IDs, tenantID, StreamID(runID), typ, payload, prev, actor, at)
	if err != nil {
		return nil, err
	}
	if e.ServerKeyID != "" {
		if err := evt.Sign(e.Keys, e.ServerKeyID); err != nil {
			return nil, err
		}
	}
	return evt, nil
}
