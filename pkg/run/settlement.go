package run

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/store"
	"github.com/nooterra/nooterra/pkg/wallet"
)

// Settlement statuses.
const (
	SettlementLocked   = "locked"
	SettlementReleased = "released"
	SettlementRefunded = "refunded"
)

// Dispute statuses.
const (
	DisputeNone   = "none"
	DisputeOpen   = "open"
	DisputeClosed = "closed"
)

// Settlement is the projected state of a run's escrow. One settlement per
// run; the projection row is keyed by runId.
type Settlement struct {
	SettlementID        string   `json:"settlementId"`
	RunID               string   `json:"runId"`
	TenantID            string   `json:"tenantId"`
	PayerAgentID        string   `json:"payerAgentId"`
	AgentID             string   `json:"agentId"` // payee
	AmountCents         int64    `json:"amountCents"`
	Currency            string   `json:"currency"`
	Status              string   `json:"status"`
	DisputeWindowDays   int      `json:"disputeWindowDays"`
	DisputeWindowEnds   string   `json:"disputeWindowEndsAt"`
	DisputeStatus       string   `json:"disputeStatus"`
	EscalationLevel     string   `json:"escalationLevel,omitempty"`
	DecisionStatus      string   `json:"decisionStatus"`
	DecisionPolicyHash  string   `json:"decisionPolicyHash"`
	PolicyArtifactID    string   `json:"policyArtifactId,omitempty"`
	VerificationStatus  string   `json:"verificationStatus,omitempty"`
	ReleaseRatePct      int64    `json:"releaseRatePct"`
	ReleasedAmountCents int64    `json:"releasedAmountCents"`
	RefundedAmountCents int64    `json:"refundedAmountCents"`
	DecisionTrace       []string `json:"decisionTrace,omitempty"`
	VerdictArtifactID   string   `json:"verdictArtifactId,omitempty"`
	GateID              string   `json:"gateId,omitempty"`
	EvidenceRefs        []string `json:"evidenceRefs,omitempty"`
	Revision            int64    `json:"revision"`
}

func settlementFromProjection(p *store.Projection) (*Settlement, error) {
	raw, err := json.Marshal(p.Body)
	if err != nil {
		return nil, fmt.Errorf("encode settlement projection: %w", err)
	}
	var s Settlement
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode settlement projection: %w", err)
	}
	s.Revision = p.Revision
	return &s, nil
}

func (s *Settlement) body() map[string]any {
	raw, _ := json.Marshal(s)
	var b map[string]any
	_ = json.Unmarshal(raw, &b)
	delete(b, "revision")
	return b
}

func (s *Settlement) upsertOp() store.Op {
	return store.Op{Kind: store.OpProjectionUpsert, Projection: &store.ProjectionUpsert{
		Kind:             SettlementProjectionKind,
		ID:               s.RunID,
		Body:             s.body(),
		ExpectedRevision: s.Revision,
	}}
}

// LoadSettlement reads the settlement of a run at its current revision.
func (e *Engine) LoadSettlement(ctx context.Context, tenantID, runID string) (*Settlement, error) {
	p, err := e.Store.GetProjection(ctx, tenantID, SettlementProjectionKind, runID)
	if err != nil {
		return nil, err
	}
	return settlementFromProjection(p)
}

// policyFor resolves the policy a settlement was bound to at creation.
func (e *Engine) policyFor(ctx context.Context, s *Settlement) (*Policy, error) {
	if s.PolicyArtifactID == "" {
		return e.defaultPolicy(), nil
	}
	rec, err := e.Store.GetArtifact(ctx, s.TenantID, s.PolicyArtifactID)
	if err != nil {
		return nil, err
	}
	if rec.ArtifactHash != s.DecisionPolicyHash {
		// Multiple policy versions may exist; the one matching the bound
		// hash wins. A divergent artifact means the binding is broken.
		return nil, protocol.NewError(protocol.CodeArtifactHashConflict, "bound policy hash does not match stored artifact").
			WithDetail("artifactId", s.PolicyArtifactID)
	}
	return PolicyFromArtifact(rec)
}

// evaluateSettlement runs the bound policy at RUN_COMPLETED. Runs without a
// settlement return all nils. An open dispute freezes the settlement; the
// decision stays pending until the dispute closes.
func (e *Engine) evaluateSettlement(ctx context.Context, tenantID, runID string, payload map[string]any, at time.Time) (*Settlement, *Decision, []store.Op, error) {
	s, err := e.LoadSettlement(ctx, tenantID, runID)
	if protocol.IsCode(err, protocol.CodeNotFound) {
		return nil, nil, nil, nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	if s.Status != SettlementLocked {
		return nil, nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "settlement %s is already %s", s.SettlementID, s.Status)
	}

	verification := VerificationGreen
	if v, ok := payload["verificationStatus"].(string); ok && v != "" {
		verification = v
	}
	s.VerificationStatus = verification

	if s.DisputeStatus == DisputeOpen {
		s.DecisionTrace = []string{"dispute=open", "decision=deferred"}
		return s, nil, []store.Op{s.upsertOp()}, nil
	}

	policy, err := e.policyFor(ctx, s)
	if err != nil {
		return nil, nil, nil, err
	}
	decision, err := e.Policies.Decide(policy, verification, s.AmountCents, s.Currency)
	if err != nil {
		return nil, nil, nil, err
	}

	s.DecisionStatus = decision.DecisionStatus
	s.DecisionTrace = decision.Trace

	if decision.DecisionStatus == DecisionManualReview {
		return s, decision, []store.Op{s.upsertOp()}, nil
	}

	outcomeOps, err := e.ApplyOutcome(ctx, s, decision.ReleaseRatePct, at)
	if err != nil {
		return nil, nil, nil, err
	}
	return s, decision, outcomeOps, nil
}

// ApplyOutcome moves a locked settlement to released or refunded and builds
// the wallet ops. pct > 0 releases (pct of the amount to the payee, the rest
// back to the payer); pct == 0 refunds in full.
func (e *Engine) ApplyOutcome(ctx context.Context, s *Settlement, pct int64, at time.Time) ([]store.Op, error) {
	payer, err := wallet.Load(ctx, e.Store, s.TenantID, wallet.IDForAgent(s.PayerAgentID))
	if err != nil {
		return nil, err
	}

	var ops []store.Op
	if pct > 0 {
		payee, err := wallet.Load(ctx, e.Store, s.TenantID, wallet.IDForAgent(s.AgentID))
		if err != nil {
			return nil, err
		}
		ops, err = wallet.ReleaseEscrow(payer, payee, e.IDs.NewID("entry"), s.AmountCents, pct, at)
		if err != nil {
			return nil, err
		}
		s.Status = SettlementReleased
	} else {
		ops, err = wallet.RefundEscrow(payer, e.IDs.NewID("entry"), s.AmountCents, at)
		if err != nil {
			return nil, err
		}
		s.Status = SettlementRefunded
	}
	s.ReleaseRatePct = pct
	s.ReleasedAmountCents = s.AmountCents * pct / 100
	s.RefundedAmountCents = s.AmountCents - s.ReleasedAmountCents
	return append(ops, s.upsertOp()), nil
}

// Resolve applies a manual resolution to a settlement in manual review (or
// still pending after a deferred decision). The resolution appends a
// SETTLEMENT_RESOLVED event to the run chain.
func (e *Engine) Resolve(ctx context.Context, tenantID, runID string, releaseRatePct int64, actor string, at time.Time) (*Settlement, []store.Op, error) {
	if releaseRatePct < 0 || releaseRatePct > 100 {
		return nil, nil, protocol.NewError(protocol.CodeSchemaInvalid, "releaseRatePct must be between 0 and 100")
	}
	s, err := e.LoadSettlement(ctx, tenantID, runID)
	if err != nil {
		return nil, nil, err
	}
	if s.Status != SettlementLocked {
		return nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "settlement %s is already %s", s.SettlementID, s.Status)
	}
	if s.DisputeStatus == DisputeOpen {
		return nil, nil, protocol.NewError(protocol.CodeRevisionConflict, "settlement has an open dispute; close it first")
	}
	if s.DecisionStatus != DecisionManualReview && s.DecisionStatus != DecisionPending {
		return nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "settlement decision is already %s", s.DecisionStatus)
	}

	r, err := e.Load(ctx, tenantID, runID)
	if err != nil {
		return nil, nil, err
	}

	s.DecisionStatus = DecisionManualResolved
	s.DecisionTrace = append(s.DecisionTrace, fmt.Sprintf("manual_resolution releaseRatePct=%d by %s", releaseRatePct, actor))
	outcomeOps, err := e.ApplyOutcome(ctx, s, releaseRatePct, at)
	if err != nil {
		return nil, nil, err
	}

	prev := r.LastChainHash
	evt, err := e.buildEvent(tenantID, runID, EventSettlementResolved, map[string]any{
		"runId":          runID,
		"settlementId":   s.SettlementID,
		"releaseRatePct": releaseRatePct,
		"status":         s.Status,
	}, &prev, actor, at)
	if err != nil {
		return nil, nil, err
	}
	r.LastEventID = evt.ID
	r.LastChainHash = evt.ChainHash

	ops := append(outcomeOps,
		store.Op{Kind: store.OpEventAppend, Event: evt},
		r.upsertOp(),
	)
	return s, ops, nil
}

// UpsertOp exposes the settlement's CAS projection write to sibling engines
// (dispute handling mutates settlements in their own commits).
func (s *Settlement) UpsertOp() store.Op {
	return s.upsertOp()
}

// Replay is the output of getRunSettlementPolicyReplay: the freshly computed
// decision next to the stored one.
type Replay struct {
	Computed              *Decision `json:"computed"`
	Stored                *Decision `json:"stored"`
	MatchesStoredDecision bool      `json:"matchesStoredDecision"`
	OverriddenByVerdict   bool      `json:"overriddenByVerdict"`
}

// PolicyReplay recomputes the settlement decision from the bound policy and
// the stored verification status, and compares it to the stored decision.
// The two must match unless an arbitration verdict or a manual resolution
// overrode the policy outcome.
func (e *Engine) PolicyReplay(ctx context.Context, tenantID, runID string) (*Replay, error) {
	s, err := e.LoadSettlement(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	policy, err := e.policyFor(ctx, s)
	if err != nil {
		return nil, err
	}
	verification := s.VerificationStatus
	if verification == "" {
		verification = VerificationGreen
	}
	computed, err := e.Policies.Decide(policy, verification, s.AmountCents, s.Currency)
	if err != nil {
		return nil, err
	}

	stored := &Decision{
		DecisionStatus:      s.DecisionStatus,
		ReleaseRatePct:      s.ReleaseRatePct,
		ReleasedAmountCents: s.ReleasedAmountCents,
		RefundedAmountCents: s.RefundedAmountCents,
		PolicyHash:          s.DecisionPolicyHash,
		Trace:               s.DecisionTrace,
	}

	overridden := s.VerdictArtifactID != "" || s.DecisionStatus == DecisionManualResolved
	matches := computed.DecisionStatus == stored.DecisionStatus &&
		computed.ReleaseRatePct == stored.ReleaseRatePct &&
		computed.ReleasedAmountCents == stored.ReleasedAmountCents &&
		computed.RefundedAmountCents == stored.RefundedAmountCents

	return &Replay{
		Computed:              computed,
		Stored:                stored,
		MatchesStoredDecision: matches || overridden,
		OverriddenByVerdict:   overridden,
	}, nil
}
