// Package dispute — dispute and arbitration lifecycle on run settlements.
//
// A dispute freezes a locked settlement (none → open → closed). Closing
// produces an arbiter-signed ArbitrationVerdict.v1 and a
// SettlementAdjustment.v1 that moves the escrowed funds.
package dispute

import (
	"context"
	"time"

	"github.com/nooterra/nooterra/pkg/artifacts"
	"github.com/nooterra/nooterra/pkg/crypto"
	"github.com/nooterra/nooterra/pkg/events"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/run"
	"github.com/nooterra/nooterra/pkg/store"
	"github.com/nooterra/nooterra/pkg/x402"
)

// Escalation levels, forward-only.
const (
	LevelCounterparty = "l1_counterparty"
	LevelArbiter      = "l2_arbiter"
	LevelExternal     = "l3_external"
)

var levelRank = map[string]int{
	LevelCounterparty: 1,
	LevelArbiter:      2,
	LevelExternal:     3,
}

// Adjustment kinds recorded in SettlementAdjustment.v1.
const (
	AdjustmentHoldbackRelease = "HOLDBACK_RELEASE"
	AdjustmentHoldbackRefund  = "HOLDBACK_REFUND"
)

// Dispute event types on the run stream.
const (
	EventDisputeOpened    = "DISPUTE_OPENED"
	EventDisputeEvidence  = "DISPUTE_EVIDENCE_ADDED"
	EventDisputeEscalated = "DISPUTE_ESCALATED"
	EventDisputeClosed    = "DISPUTE_CLOSED"
)

// Engine builds op batches for dispute mutations.
type Engine struct {
	Store store.Store
	Keys  *crypto.Registry
	IDs   events.IDGenerator
	Runs  *run.Engine
	Gates *x402.Engine // enforces binding evidence on gate-bound settlements
}

// checkGateBinding validates the evidence refs of a dispute operation against
// the gate a settlement is bound to. Settlements without a gate pass.
func (e *Engine) checkGateBinding(ctx context.Context, s *run.Settlement, refs []string, family x402.BindingFamily) error {
	if s.GateID == "" || e.Gates == nil {
		return nil
	}
	g, err := e.Gates.Load(ctx, s.TenantID, s.GateID)
	if err != nil {
		return err
	}
	return g.CheckBindingEvidence(refs, family)
}

// OpenRequest is the validated input of dispute opening.
type OpenRequest struct {
	DisputeType     string
	DisputePriority string
	DisputeChannel  string
	EscalationLevel string
	OpenedBy        string
	Reason          string
	EvidenceRefs    []string
}

// Open attaches a dispute to a locked settlement inside its dispute window.
// The open envelope is stored as a DisputeOpenEnvelope.v1 artifact.
func (e *Engine) Open(ctx context.Context, tenantID, runID string, req OpenRequest, actor string, at time.Time) (*run.Settlement, *store.ArtifactRecord, []store.Op, error) {
	if req.DisputeType == "" || req.DisputePriority == "" || req.DisputeChannel == "" {
		return nil, nil, nil, protocol.NewError(protocol.CodeRequiredFieldMissing, "dispute requires disputeType, disputePriority and disputeChannel")
	}
	if _, ok := levelRank[req.EscalationLevel]; !ok {
		return nil, nil, nil, protocol.Errorf(protocol.CodeSchemaInvalid, "unknown escalationLevel %q", req.EscalationLevel)
	}

	s, err := e.Runs.LoadSettlement(ctx, tenantID, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	if s.Status != run.SettlementLocked {
		return nil, nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "settlement %s is %s; disputes attach to locked settlements", s.SettlementID, s.Status)
	}
	if s.DisputeStatus != run.DisputeNone {
		return nil, nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "settlement %s dispute is already %s", s.SettlementID, s.DisputeStatus)
	}
	if s.DisputeWindowEnds != "" {
		ends, err := time.Parse(events.ISOMillis, s.DisputeWindowEnds)
		if err == nil && at.UTC().After(ends) {
			return nil, nil, nil, protocol.NewError(protocol.CodeForbidden, "dispute window has closed").
				WithDetail("disputeWindowEndsAt", s.DisputeWindowEnds)
		}
	}
	// Opening straight at the arbiter must carry the gate's binding evidence.
	if levelRank[req.EscalationLevel] >= levelRank[LevelArbiter] {
		if err := e.checkGateBinding(ctx, s, req.EvidenceRefs, x402.BindingArbitrationOpen); err != nil {
			return nil, nil, nil, err
		}
	}

	envelope, err := artifacts.Derive(tenantID, artifacts.SchemaDisputeOpenEnvelope, map[string]any{
		"runId":           runID,
		"settlementId":    s.SettlementID,
		"disputeType":     req.DisputeType,
		"disputePriority": req.DisputePriority,
		"disputeChannel":  req.DisputeChannel,
		"escalationLevel": req.EscalationLevel,
		"openedBy":        req.OpenedBy,
		"reason":          req.Reason,
		"evidenceRefs":    toAnySlice(req.EvidenceRefs),
		"openedAt":        at.UTC().Format(events.ISOMillis),
	}, at)
	if err != nil {
		return nil, nil, nil, err
	}

	s.DisputeStatus = run.DisputeOpen
	s.EscalationLevel = req.EscalationLevel
	s.EvidenceRefs = append(s.EvidenceRefs, req.EvidenceRefs...)

	_, evtOps, err := e.Runs.AppendSystemEvent(ctx, tenantID, runID, EventDisputeOpened, map[string]any{
		"settlementId":      s.SettlementID,
		"disputeArtifactId": envelope.ArtifactID,
		"escalationLevel":   req.EscalationLevel,
	}, actor, at)
	if err != nil {
		return nil, nil, nil, err
	}

	ops := []store.Op{artifacts.PutOp(envelope)}
	ops = append(ops, evtOps...)
	ops = append(ops, s.UpsertOp())
	return s, envelope, ops, nil
}

// AddEvidence appends evidence refs to an open dispute.
func (e *Engine) AddEvidence(ctx context.Context, tenantID, runID string, refs []string, actor string, at time.Time) (*run.Settlement, []store.Op, error) {
	if len(refs) == 0 {
		return nil, nil, protocol.NewError(protocol.CodeRequiredFieldMissing, "at least one evidence ref is required")
	}
	s, err := e.Runs.LoadSettlement(ctx, tenantID, runID)
	if err != nil {
		return nil, nil, err
	}
	if s.DisputeStatus != run.DisputeOpen {
		return nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "settlement %s has no open dispute", s.SettlementID)
	}
	s.EvidenceRefs = append(s.EvidenceRefs, refs...)

	_, evtOps, err := e.Runs.AppendSystemEvent(ctx, tenantID, runID, EventDisputeEvidence, map[string]any{
		"settlementId": s.SettlementID,
		"evidenceRefs": toAnySlice(refs),
	}, actor, at)
	if err != nil {
		return nil, nil, err
	}
	return s, append(evtOps, s.UpsertOp()), nil
}

// Escalate moves the dispute forward one or more levels; moving backwards is
// rejected.
func (e *Engine) Escalate(ctx context.Context, tenantID, runID, level, actor string, at time.Time) (*run.Settlement, []store.Op, error) {
	target, ok := levelRank[level]
	if !ok {
		return nil, nil, protocol.Errorf(protocol.CodeSchemaInvalid, "unknown escalationLevel %q", level)
	}
	s, err := e.Runs.LoadSettlement(ctx, tenantID, runID)
	if err != nil {
		return nil, nil, err
	}
	if s.DisputeStatus != run.DisputeOpen {
		return nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "settlement %s has no open dispute", s.SettlementID)
	}
	if target <= levelRank[s.EscalationLevel] {
		return nil, nil, protocol.NewError(protocol.CodeRevisionConflict, "escalation may only move forward").
			WithDetail("currentLevel", s.EscalationLevel)
	}
	if target >= levelRank[LevelArbiter] {
		if err := e.checkGateBinding(ctx, s, s.EvidenceRefs, x402.BindingArbitrationOpen); err != nil {
			return nil, nil, err
		}
	}
	s.EscalationLevel = level

	_, evtOps, err := e.Runs.AppendSystemEvent(ctx, tenantID, runID, EventDisputeEscalated, map[string]any{
		"settlementId":    s.SettlementID,
		"escalationLevel": level,
	}, actor, at)
	if err != nil {
		return nil, nil, err
	}
	return s, append(evtOps, s.UpsertOp()), nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
