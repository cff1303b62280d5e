package x402

import (
	"context"
	"strings"
	"time"

	"github.com/nooterra/nooterra/pkg/events"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/run"
	"github.com/nooterra/nooterra/pkg/store"
	"github.com/nooterra/nooterra/pkg/wallet"
)

// Evidence ref prefixes binding HTTP exchanges to a gate.
const (
	RefRequestPrefix  = "http:request_sha256:"
	RefResponsePrefix = "http:response_sha256:"
)

// RequestRef builds the evidence ref for a request body hash.
func RequestRef(sha string) string { return RefRequestPrefix + sha }

// ResponseRef builds the evidence ref for a response body hash.
func ResponseRef(sha string) string { return RefResponsePrefix + sha }

// splitBindingRefs extracts the request/response hashes from an evidence ref
// list. The last ref of each kind wins.
func splitBindingRefs(refs []string) (reqSHA, respSHA string) {
	for _, r := range refs {
		switch {
		case strings.HasPrefix(r, RefRequestPrefix):
			reqSHA = strings.TrimPrefix(r, RefRequestPrefix)
		case strings.HasPrefix(r, RefResponsePrefix):
			respSHA = strings.TrimPrefix(r, RefResponsePrefix)
		}
	}
	return reqSHA, respSHA
}

// VerifyRequest is the validated input of gate verification.
type VerifyRequest struct {
	PolicyArtifactID   string
	VerificationStatus string // green | amber | red
	EvidenceRefs       []string
	ResponseSHA256     string // optional; pinned for later binding checks
}

// VerifyResult carries the decision and, when the gate settled, the wallet
// movement that happened.
type VerifyResult struct {
	Gate     *Gate
	Decision *run.Decision
	Settled  bool
}

// Verify evaluates the policy against the verification status and settles
// the gate at most once. A decision that routes to manual review leaves the
// gate authorized; only an auto-resolved decision settles.
func (e *Engine) Verify(ctx context.Context, tenantID, gateID string, req VerifyRequest, actor string, at time.Time) (*VerifyResult, []store.Op, error) {
	g, err := e.Load(ctx, tenantID, gateID)
	if err != nil {
		return nil, nil, err
	}
	if g.Status == StatusSettled {
		return nil, nil, protocol.Errorf(protocol.CodeX402GateVerifyAlreadySettled, "gate %s is already settled", gateID)
	}
	if g.Status != StatusAuthorized {
		return nil, nil, protocol.Errorf(protocol.CodeX402GateNotAuthorized, "gate %s is %s; verification requires an authorized gate", gateID, g.Status)
	}
	if req.PolicyArtifactID == "" {
		return nil, nil, protocol.NewError(protocol.CodeX402GateVerifyPolicyRequired, "verification requires a policyArtifactId")
	}

	reqSHA, respSHA := splitBindingRefs(req.EvidenceRefs)
	if g.RequestBinding.Mode == BindingStrict {
		if reqSHA == "" {
			return nil, nil, protocol.NewError(protocol.CodeX402RequestMismatch, "strict gates require a "+RefRequestPrefix+" evidence ref")
		}
		if reqSHA != g.RequestBinding.SHA256 {
			return nil, nil, protocol.NewError(protocol.CodeX402RequestMismatch, "request evidence ref does not match the gate's strict binding").
				WithDetail("bound", g.RequestBinding.SHA256)
		}
	}
	if req.ResponseSHA256 != "" && !validSHA256(req.ResponseSHA256) {
		return nil, nil, protocol.NewError(protocol.CodeSHA256FieldInvalid, "responseSha256 is not a valid sha-256 hex digest")
	}
	if respSHA != "" && req.ResponseSHA256 != "" && respSHA != req.ResponseSHA256 {
		return nil, nil, protocol.NewError(protocol.CodeSHA256FieldInvalid, "response evidence ref does not match responseSha256")
	}
	if req.ResponseSHA256 == "" {
		req.ResponseSHA256 = respSHA
	}

	rec, err := e.Store.GetArtifact(ctx, tenantID, req.PolicyArtifactID)
	if err != nil {
		return nil, nil, err
	}
	policy, err := run.PolicyFromArtifact(rec)
	if err != nil {
		return nil, nil, err
	}
	status := req.VerificationStatus
	if status == "" {
		status = run.VerificationGreen
	}
	decision, err := e.Policies.Decide(policy, status, g.Quote.AmountCents, g.Quote.Currency)
	if err != nil {
		return nil, nil, err
	}

	g.ResponseSHA256 = req.ResponseSHA256
	g.Verification = &Verification{
		Status:       status,
		EvidenceRefs: req.EvidenceRefs,
		VerifiedAt:   at.UTC().Format(events.ISOMillis),
	}

	res := &VerifyResult{Gate: g, Decision: decision}

	var ops []store.Op
	if decision.DecisionStatus == run.DecisionAutoResolved {
		payer, err := wallet.Load(ctx, e.Store, tenantID, wallet.IDForAgent(g.Quote.PayerAgentID))
		if err != nil {
			return nil, nil, err
		}
		if decision.ReleaseRatePct > 0 {
			payee, err := wallet.Load(ctx, e.Store, tenantID, wallet.IDForAgent(g.Quote.PayeeAgentID))
			if err != nil {
				return nil, nil, err
			}
			ops, err = wallet.ReleaseEscrow(payer, payee, e.IDs.NewID("entry"), g.Quote.AmountCents, decision.ReleaseRatePct, at)
			if err != nil {
				return nil, nil, err
			}
		} else {
			ops, err = wallet.RefundEscrow(payer, e.IDs.NewID("entry"), g.Quote.AmountCents, at)
			if err != nil {
				return nil, nil, err
			}
		}
		g.Status = StatusSettled
		g.Verification.ReleaseRatePct = decision.ReleaseRatePct
		g.Verification.ReleasedAmountCents = decision.ReleasedAmountCents
		g.Verification.RefundedAmountCents = decision.RefundedAmountCents
		res.Settled = true
	}

	prev := g.LastChainHash
	evt, err := events.Build(e.IDs, tenantID, StreamID(gateID), EventGateVerified, map[string]any{
		"gateId":         gateID,
		"decisionStatus": decision.DecisionStatus,
		"releaseRatePct": decision.ReleaseRatePct,
		"policyHash":     policy.PolicyHash,
	}, &prev, actor, at)
	if err != nil {
		return nil, nil, err
	}
	g.LastChainHash = evt.ChainHash

	ops = append(ops,
		store.Op{Kind: store.OpEventAppend, Event: evt},
		g.upsertOp(),
	)
	return res, ops, nil
}

// BindingFamily selects the error code pair for binding evidence checks on
// gate-bound dispute operations.
type BindingFamily int

const (
	BindingDisputeClose BindingFamily = iota
	BindingArbitrationOpen
)

func (f BindingFamily) codes() (required, mismatch string) {
	if f == BindingArbitrationOpen {
		return protocol.CodeX402ArbitrationOpenBindingEvidenceRequired, protocol.CodeX402ArbitrationOpenBindingEvidenceMismatch
	}
	return protocol.CodeX402DisputeCloseBindingEvidenceRequired, protocol.CodeX402DisputeCloseBindingEvidenceMismatch
}

// CheckBindingEvidence validates that a dispute-side operation on a
// gate-bound settlement carries evidence refs matching the gate's stored
// request and response hashes. Strict gates require the request ref; a
// pinned response hash requires the response ref.
func (g *Gate) CheckBindingEvidence(refs []string, family BindingFamily) error {
	required, mismatch := family.codes()
	reqSHA, respSHA := splitBindingRefs(refs)

	if g.RequestBinding.Mode == BindingStrict {
		if reqSHA == "" {
			return protocol.NewError(required, "a "+RefRequestPrefix+" evidence ref is required for this gate")
		}
		if reqSHA != g.RequestBinding.SHA256 {
			return protocol.NewError(mismatch, "request evidence ref does not match the gate's binding").
				WithDetail("bound", g.RequestBinding.SHA256)
		}
	}
	if g.ResponseSHA256 != "" {
		if respSHA == "" {
			return protocol.NewError(required, "a "+RefResponsePrefix+" evidence ref is required for this gate")
		}
		if respSHA != g.ResponseSHA256 {
			return protocol.NewError(mismatch, "response evidence ref does not match the gate's binding").
				WithDetail("bound", g.ResponseSHA256)
		}
	}
	return nil
}
