package run

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/store"
)

// Verification statuses feeding a settlement decision.
const (
	VerificationGreen = "green"
	VerificationAmber = "amber"
	VerificationRed   = "red"
)

// Decision statuses.
const (
	DecisionPending        = "pending"
	DecisionAutoResolved   = "auto_resolved"
	DecisionManualReview   = "manual_review_required"
	DecisionManualResolved = "manual_resolved"
)

// Policy maps a verification status to a release rate. A status absent from
// Release routes the settlement to manual review, as does a predicate that
// evaluates to false.
type Policy struct {
	ArtifactID string
	PolicyHash string
	Release    map[string]int64 // verificationStatus → releaseRatePct
	Predicate  string           // optional CEL expression over the settlement
}

// DefaultPolicy releases in full on green, refunds on red, and sends amber
// to manual review.
func DefaultPolicy() *Policy {
	return &Policy{
		PolicyHash: "default",
		Release:    map[string]int64{VerificationGreen: 100, VerificationRed: 0},
	}
}

// PolicyFromArtifact decodes a TenantSettlementPolicy.v1 (or the policy
// section of a marketplace binding) into an executable policy.
func PolicyFromArtifact(rec *store.ArtifactRecord) (*Policy, error) {
	p := &Policy{
		ArtifactID: rec.ArtifactID,
		PolicyHash: rec.ArtifactHash,
		Release:    map[string]int64{},
	}
	release, ok := rec.Body["release"].(map[string]any)
	if !ok {
		return nil, protocol.NewError(protocol.CodeSchemaInvalid, "policy artifact is missing a release map").
			WithDetail("artifactId", rec.ArtifactID)
	}
	for status, raw := range release {
		pct, err := asInt64(raw)
		if err != nil || pct < 0 || pct > 100 {
			return nil, protocol.Errorf(protocol.CodeSchemaInvalid, "policy release rate for %q must be an integer 0..100", status)
		}
		p.Release[status] = pct
	}
	if pred, ok := rec.Body["predicate"].(string); ok {
		p.Predicate = pred
	}
	return p, nil
}

// Decision is the computed outcome of evaluating a policy against a
// settlement.
type Decision struct {
	DecisionStatus      string   `json:"decisionStatus"`
	ReleaseRatePct      int64    `json:"releaseRatePct"`
	ReleasedAmountCents int64    `json:"releasedAmountCents"`
	RefundedAmountCents int64    `json:"refundedAmountCents"`
	PolicyHash          string   `json:"decisionPolicyHash"`
	Trace               []string `json:"decisionTrace"`
}

// PolicyEvaluator compiles and caches CEL predicates. Programs are cached by
// expression text; compilation happens once per distinct predicate.
type PolicyEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewPolicyEvaluator() (*PolicyEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("settlement", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &PolicyEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Decide computes the settlement decision for a verification status.
func (e *PolicyEvaluator) Decide(p *Policy, verificationStatus string, amountCents int64, currency string) (*Decision, error) {
	trace := []string{
		"policy=" + p.PolicyHash,
		"verificationStatus=" + verificationStatus,
	}

	if p.Predicate != "" {
		ok, err := e.evaluatePredicate(p.Predicate, map[string]any{
			"settlement": map[string]any{
				"verificationStatus": verificationStatus,
				"amountCents":        amountCents,
				"currency":           currency,
			},
		})
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeSchemaInvalid, "policy predicate failed: %v", err)
		}
		trace = append(trace, fmt.Sprintf("predicate=%t", ok))
		if !ok {
			return &Decision{
				DecisionStatus: DecisionManualReview,
				PolicyHash:     p.PolicyHash,
				Trace:          append(trace, "decision=manual_review_required"),
			}, nil
		}
	}

	pct, ok := p.Release[verificationStatus]
	if !ok {
		return &Decision{
			DecisionStatus: DecisionManualReview,
			PolicyHash:     p.PolicyHash,
			Trace:          append(trace, "decision=manual_review_required"),
		}, nil
	}

	released := amountCents * pct / 100
	return &Decision{
		DecisionStatus:      DecisionAutoResolved,
		ReleaseRatePct:      pct,
		ReleasedAmountCents: released,
		RefundedAmountCents: amountCents - released,
		PolicyHash:          p.PolicyHash,
		Trace:               append(trace, fmt.Sprintf("releaseRatePct=%d", pct)),
	}, nil
}

func (e *PolicyEvaluator) evaluatePredicate(expr string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.cache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.cache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate result is not a bool")
	}
	return val, nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
