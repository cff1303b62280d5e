package dispute

import (
	"context"
	"time"

	"github.com/nooterra/nooterra/pkg/artifacts"
	"github.com/nooterra/nooterra/pkg/canonical"
	"github.com/nooterra/nooterra/pkg/crypto"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/run"
	"github.com/nooterra/nooterra/pkg/store"
	"github.com/nooterra/nooterra/pkg/x402"
)

// Verdict outcomes.
const (
	OutcomeFull    = "full"
	OutcomePartial = "partial"
	OutcomeNone    = "none"
)

// CloseRequest is the validated input of dispute closing.
type CloseRequest struct {
	Outcome        string // full | partial | none
	ReleaseRatePct int64
	ArbiterKeyID   string // signs the verdict hash
	Notes          string
}

// CloseResult carries the verdict and adjustment the close committed.
type CloseResult struct {
	Settlement *run.Settlement
	Verdict    *store.ArtifactRecord
	Adjustment *store.ArtifactRecord
}

// verdictHash commits the arbitration output to the settlement it resolves.
func verdictHash(tenantID, runID, settlementID, outcome string, releaseRatePct int64, evidenceRefs []string) (string, error) {
	return canonical.Hash(map[string]any{
		"tenantId":       tenantID,
		"runId":          runID,
		"settlementId":   settlementID,
		"outcome":        outcome,
		"releaseRatePct": releaseRatePct,
		"evidenceRefs":   toAnySlice(evidenceRefs),
	})
}

// Close resolves an open dispute. The arbiter signs the verdict hash; the
// resulting SettlementAdjustment.v1 records HOLDBACK_RELEASE when any part
// of the escrow reaches the payee, HOLDBACK_REFUND when all of it returns
// to the payer. Wallet movement and the settlement transition land in the
// same commit.
func (e *Engine) Close(ctx context.Context, tenantID, runID string, req CloseRequest, actor string, at time.Time) (*CloseResult, []store.Op, error) {
	if req.ArbiterKeyID == "" {
		return nil, nil, protocol.NewError(protocol.CodeRequiredFieldMissing, "close requires arbiterKeyId")
	}
	switch req.Outcome {
	case OutcomeFull:
		req.ReleaseRatePct = 100
	case OutcomeNone:
		req.ReleaseRatePct = 0
	case OutcomePartial:
		if req.ReleaseRatePct <= 0 || req.ReleaseRatePct >= 100 {
			return nil, nil, protocol.NewError(protocol.CodeSchemaInvalid, "partial outcome requires releaseRatePct between 1 and 99")
		}
	default:
		return nil, nil, protocol.Errorf(protocol.CodeSchemaInvalid, "unknown outcome %q", req.Outcome)
	}

	s, err := e.Runs.LoadSettlement(ctx, tenantID, runID)
	if err != nil {
		return nil, nil, err
	}
	if s.DisputeStatus != run.DisputeOpen {
		return nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "settlement %s has no open dispute", s.SettlementID)
	}
	if err := e.checkGateBinding(ctx, s, s.EvidenceRefs, x402.BindingDisputeClose); err != nil {
		return nil, nil, err
	}

	hash, err := verdictHash(tenantID, runID, s.SettlementID, req.Outcome, req.ReleaseRatePct, s.EvidenceRefs)
	if err != nil {
		return nil, nil, err
	}
	sig, err := e.Keys.Sign(tenantID, req.ArbiterKeyID, hash, crypto.PurposeArbitrationVerdict, s.SettlementID)
	if err != nil {
		return nil, nil, err
	}

	verdict, err := artifacts.Derive(tenantID, artifacts.SchemaArbitrationVerdict, map[string]any{
		"runId":          runID,
		"settlementId":   s.SettlementID,
		"outcome":        req.Outcome,
		"releaseRatePct": req.ReleaseRatePct,
		"evidenceRefs":   toAnySlice(s.EvidenceRefs),
		"verdictHash":    hash,
		"notes":          req.Notes,
		"signature": map[string]any{
			"keyId":     req.ArbiterKeyID,
			"signature": sig.Signature,
			"purpose":   string(crypto.PurposeArbitrationVerdict),
		},
	}, at)
	if err != nil {
		return nil, nil, err
	}

	s.DisputeStatus = run.DisputeClosed
	s.DecisionStatus = run.DecisionManualResolved
	s.VerdictArtifactID = verdict.ArtifactID
	s.DecisionTrace = append(s.DecisionTrace, "arbitration_verdict "+verdict.ArtifactID)

	outcomeOps, err := e.Runs.ApplyOutcome(ctx, s, req.ReleaseRatePct, at)
	if err != nil {
		return nil, nil, err
	}

	adjustmentKind := AdjustmentHoldbackRefund
	if req.ReleaseRatePct > 0 {
		adjustmentKind = AdjustmentHoldbackRelease
	}
	adjustment, err := artifacts.Derive(tenantID, artifacts.SchemaSettlementAdjustment, map[string]any{
		"runId":               runID,
		"settlementId":        s.SettlementID,
		"kind":                adjustmentKind,
		"releaseRatePct":      req.ReleaseRatePct,
		"releasedAmountCents": s.ReleasedAmountCents,
		"refundedAmountCents": s.RefundedAmountCents,
		"verdictArtifactId":   verdict.ArtifactID,
	}, at)
	if err != nil {
		return nil, nil, err
	}

	_, evtOps, err := e.Runs.AppendSystemEvent(ctx, tenantID, runID, EventDisputeClosed, map[string]any{
		"settlementId":         s.SettlementID,
		"verdictArtifactId":    verdict.ArtifactID,
		"adjustmentArtifactId": adjustment.ArtifactID,
		"outcome":              req.Outcome,
	}, actor, at)
	if err != nil {
		return nil, nil, err
	}

	ops := []store.Op{
		artifacts.PutOp(verdict),
		artifacts.PutOp(adjustment),
	}
	ops = append(ops, outcomeOps...)
	ops = append(ops, evtOps...)
	return &CloseResult{Settlement: s, Verdict: verdict, Adjustment: adjustment}, ops, nil
}

// ReplayVerdict recomputes the verdict hash from the stored artifact and the
// settlement it resolved. A divergence means the close pack no longer binds
// the verdict and the verifier must flag it.
func ReplayVerdict(s *run.Settlement, verdict *store.ArtifactRecord) error {
	stored, _ := verdict.Body["verdictHash"].(string)
	outcome, _ := verdict.Body["outcome"].(string)
	pctRaw, _ := verdict.Body["releaseRatePct"]
	pct, err := asInt64(pctRaw)
	if err != nil {
		return protocol.NewError(protocol.CodeSchemaInvalid, "verdict releaseRatePct is not an integer")
	}
	var refs []string
	if raw, ok := verdict.Body["evidenceRefs"].([]any); ok {
		for _, r := range raw {
			if sref, ok := r.(string); ok {
				refs = append(refs, sref)
			}
		}
	}
	computed, err := verdictHash(s.TenantID, s.RunID, s.SettlementID, outcome, pct, refs)
	if err != nil {
		return err
	}
	if computed != stored {
		return protocol.NewError(protocol.CodeClosepackBindingVerdictHashMismatch, "replayed verdict hash does not match the stored one").
			WithDetail("computed", computed).
			WithDetail("stored", stored)
	}
	return nil
}

// VerifyVerdictSignature checks the arbiter signature over the verdict hash.
func VerifyVerdictSignature(verdict *store.ArtifactRecord, publicKeyPEM string) error {
	hash, _ := verdict.Body["verdictHash"].(string)
	sigBlock, _ := verdict.Body["signature"].(map[string]any)
	sigB64, _ := sigBlock["signature"].(string)
	ok, err := crypto.Verify(hash, sigB64, publicKeyPEM)
	if err != nil {
		return err
	}
	if !ok {
		return protocol.NewError(protocol.CodeSignatureInvalid, "verdict signature does not verify")
	}
	return nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, protocol.NewError(protocol.CodeSchemaInvalid, "expected an integer")
	}
}
