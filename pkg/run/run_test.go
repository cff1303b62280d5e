package run

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/nooterra/pkg/artifacts"
	"github.com/nooterra/nooterra/pkg/events"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/store"
	"github.com/nooterra/nooterra/pkg/wallet"
)

var testAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type seqGen struct{ n int }

func (g *seqGen) NewID(prefix string) string {
	g.n++
	return fmt.Sprintf("%s_%04d", prefix, g.n)
}

func newEngine(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	pe, err := NewPolicyEvaluator()
	require.NoError(t, err)
	return &Engine{
		Store:    s,
		IDs:      &seqGen{},
		Policies: pe,
	}, s
}

func commit(t *testing.T, s store.Store, ops []store.Op) {
	t.Helper()
	require.NoError(t, s.CommitTx(context.Background(), store.Tx{
		TenantID: "tenant-a", At: testAt, Ops: ops,
	}))
}

// fundAgent creates the agent's wallet and credits it.
func fundAgent(t *testing.T, e *Engine, agentID string, cents int64) {
	t.Helper()
	w := wallet.New(wallet.IDForAgent(agentID), agentID, "tenant-a", "USD")
	if cents > 0 {
		ops, err := wallet.Credit(w, e.IDs.NewID("entry"), cents, testAt)
		require.NoError(t, err)
		commit(t, e.Store, ops)
		return
	}
	commit(t, e.Store, []store.Op{w.UpsertOp()})
}

func createRunWithSettlement(t *testing.T, e *Engine, amountCents int64) *CreateRunResult {
	t.Helper()
	res, ops, err := e.CreateRun(context.Background(), "tenant-a", "agent_payee", CreateRunRequest{
		Settlement: &SettlementSpec{
			PayerAgentID:      "agent_payer",
			AmountCents:       amountCents,
			Currency:          "USD",
			DisputeWindowDays: 7,
		},
	}, "agent:agent_payee", testAt)
	require.NoError(t, err)
	commit(t, e.Store, ops)
	return res
}

func appendEvent(t *testing.T, e *Engine, runID, typ string, payload map[string]any, prev string) *AppendResult {
	t.Helper()
	res, ops, err := e.AppendEvent(context.Background(), "tenant-a", runID, typ, payload, &prev, "agent:agent_payee", testAt)
	require.NoError(t, err)
	commit(t, e.Store, ops)
	return res
}

func TestRunLifecycle_AutoRelease(t *testing.T) {
	ctx := context.Background()
	e, s := newEngine(t)
	fundAgent(t, e, "agent_payer", 10_000)
	fundAgent(t, e, "agent_payee", 0)

	res := createRunWithSettlement(t, e, 650)
	require.NotNil(t, res.Settlement)
	assert.Equal(t, SettlementLocked, res.Settlement.Status)

	payer, err := wallet.Load(ctx, s, "tenant-a", wallet.IDForAgent("agent_payer"))
	require.NoError(t, err)
	assert.EqualValues(t, 9_350, payer.AvailableCents)
	assert.EqualValues(t, 650, payer.EscrowLockedCents)

	head := res.Event.ChainHash
	head = appendEvent(t, e, res.Run.RunID, EventRunStarted, nil, head).Event.ChainHash
	head = appendEvent(t, e, res.Run.RunID, EventEvidenceAdded, map[string]any{
		"evidenceRef": "evidence://" + res.Run.RunID + "/output.json",
	}, head).Event.ChainHash
	final := appendEvent(t, e, res.Run.RunID, EventRunCompleted, nil, head)

	assert.Equal(t, StatusCompleted, final.Run.Status)
	require.NotNil(t, final.Settlement)
	assert.Equal(t, SettlementReleased, final.Settlement.Status)
	assert.Equal(t, DecisionAutoResolved, final.Settlement.DecisionStatus)
	assert.EqualValues(t, 650, final.Settlement.ReleasedAmountCents)

	payer, err = wallet.Load(ctx, s, "tenant-a", wallet.IDForAgent("agent_payer"))
	require.NoError(t, err)
	payee, err := wallet.Load(ctx, s, "tenant-a", wallet.IDForAgent("agent_payee"))
	require.NoError(t, err)
	assert.EqualValues(t, 9_350, payer.AvailableCents)
	assert.EqualValues(t, 0, payer.EscrowLockedCents)
	assert.EqualValues(t, 650, payee.AvailableCents)

	replay, err := e.PolicyReplay(ctx, "tenant-a", res.Run.RunID)
	require.NoError(t, err)
	assert.True(t, replay.MatchesStoredDecision)
	assert.False(t, replay.OverriddenByVerdict)

	// The whole run history verifies as one contiguous chain.
	chain, err := s.GetEvents(ctx, "tenant-a", StreamID(res.Run.RunID), nil)
	require.NoError(t, err)
	require.Len(t, chain, 4)
	vr := events.VerifyChain(chain, nil)
	assert.True(t, vr.OK, vr.Error)
}

func TestCreateRun_InsufficientFunds(t *testing.T) {
	e, s := newEngine(t)
	fundAgent(t, e, "agent_payer", 100)

	_, _, err := e.CreateRun(context.Background(), "tenant-a", "agent_payee", CreateRunRequest{
		Settlement: &SettlementSpec{PayerAgentID: "agent_payer", AmountCents: 650, Currency: "USD"},
	}, "agent:agent_payee", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeWalletInsufficientFunds))

	// Nothing was appended anywhere.
	projections, err := s.ListProjections(context.Background(), "tenant-a", ProjectionKind, store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, projections)
}

func TestAppendEvent_RequiresPrevChainHash(t *testing.T) {
	e, _ := newEngine(t)
	fundAgent(t, e, "agent_payer", 10_000)
	fundAgent(t, e, "agent_payee", 0)
	res := createRunWithSettlement(t, e, 650)

	_, _, err := e.AppendEvent(context.Background(), "tenant-a", res.Run.RunID, EventRunStarted, nil, nil, "a", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeRequiredFieldMissing))
}

func TestAppendEvent_StaleHead(t *testing.T) {
	e, s := newEngine(t)
	fundAgent(t, e, "agent_payer", 10_000)
	fundAgent(t, e, "agent_payee", 0)
	res := createRunWithSettlement(t, e, 650)

	stale := "0000000000000000000000000000000000000000000000000000000000000000"
	_, ops, err := e.AppendEvent(context.Background(), "tenant-a", res.Run.RunID, EventRunStarted, nil, &stale, "a", testAt)
	require.NoError(t, err)
	err = s.CommitTx(context.Background(), store.Tx{TenantID: "tenant-a", At: testAt, Ops: ops})
	assert.True(t, protocol.IsCode(err, protocol.CodeChainHashMismatch))
}

func TestAppendEvent_InvalidTransition(t *testing.T) {
	e, _ := newEngine(t)
	fundAgent(t, e, "agent_payer", 10_000)
	fundAgent(t, e, "agent_payee", 0)
	res := createRunWithSettlement(t, e, 650)

	head := appendEvent(t, e, res.Run.RunID, EventRunStarted, nil, res.Event.ChainHash).Event.ChainHash
	_, _, err := e.AppendEvent(context.Background(), "tenant-a", res.Run.RunID, EventRunStarted, nil, &head, "a", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeRevisionConflict))

	_, _, err = e.AppendEvent(context.Background(), "tenant-a", res.Run.RunID, "RUN_EXPLODED", nil, &head, "a", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeSchemaInvalid))
}

func TestSettlement_ManualReviewAndResolve(t *testing.T) {
	ctx := context.Background()
	e, s := newEngine(t)
	fundAgent(t, e, "agent_payer", 10_000)
	fundAgent(t, e, "agent_payee", 0)

	// Policy with no release rate for amber: amber goes to manual review.
	policyRec, err := artifacts.Derive("tenant-a", artifacts.SchemaTenantSettlementPolicy, map[string]any{
		"release": map[string]any{"green": float64(100), "red": float64(0)},
	}, testAt)
	require.NoError(t, err)
	commit(t, s, []store.Op{artifacts.PutOp(policyRec)})

	res, ops, err := e.CreateRun(ctx, "tenant-a", "agent_payee", CreateRunRequest{
		Settlement: &SettlementSpec{
			PayerAgentID:     "agent_payer",
			AmountCents:      1_000,
			Currency:         "USD",
			PolicyArtifactID: policyRec.ArtifactID,
		},
	}, "a", testAt)
	require.NoError(t, err)
	commit(t, s, ops)
	assert.Equal(t, policyRec.ArtifactHash, res.Settlement.DecisionPolicyHash)

	head := appendEvent(t, e, res.Run.RunID, EventRunStarted, nil, res.Event.ChainHash).Event.ChainHash
	final := appendEvent(t, e, res.Run.RunID, EventRunCompleted, map[string]any{
		"verificationStatus": VerificationAmber,
	}, head)

	require.NotNil(t, final.Settlement)
	assert.Equal(t, SettlementLocked, final.Settlement.Status)
	assert.Equal(t, DecisionManualReview, final.Settlement.DecisionStatus)

	// Manual resolution at 50%.
	settled, resolveOps, err := e.Resolve(ctx, "tenant-a", res.Run.RunID, 50, "operator:ops-1", testAt)
	require.NoError(t, err)
	commit(t, s, resolveOps)
	assert.Equal(t, SettlementReleased, settled.Status)
	assert.Equal(t, DecisionManualResolved, settled.DecisionStatus)
	assert.EqualValues(t, 500, settled.ReleasedAmountCents)
	assert.EqualValues(t, 500, settled.RefundedAmountCents)

	payee, err := wallet.Load(ctx, s, "tenant-a", wallet.IDForAgent("agent_payee"))
	require.NoError(t, err)
	assert.EqualValues(t, 500, payee.AvailableCents)

	replay, err := e.PolicyReplay(ctx, "tenant-a", res.Run.RunID)
	require.NoError(t, err)
	assert.True(t, replay.OverriddenByVerdict)
	assert.True(t, replay.MatchesStoredDecision)

	// A second resolve is rejected.
	_, _, err = e.Resolve(ctx, "tenant-a", res.Run.RunID, 100, "operator:ops-1", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeRevisionConflict))
}

func TestSettlement_RefundOnRed(t *testing.T) {
	ctx := context.Background()
	e, s := newEngine(t)
	fundAgent(t, e, "agent_payer", 1_000)
	fundAgent(t, e, "agent_payee", 0)
	res := createRunWithSettlement(t, e, 400)

	head := appendEvent(t, e, res.Run.RunID, EventRunStarted, nil, res.Event.ChainHash).Event.ChainHash
	final := appendEvent(t, e, res.Run.RunID, EventRunCompleted, map[string]any{
		"verificationStatus": VerificationRed,
	}, head)

	assert.Equal(t, SettlementRefunded, final.Settlement.Status)
	assert.EqualValues(t, 400, final.Settlement.RefundedAmountCents)

	payer, err := wallet.Load(ctx, s, "tenant-a", wallet.IDForAgent("agent_payer"))
	require.NoError(t, err)
	assert.EqualValues(t, 1_000, payer.AvailableCents)
	assert.EqualValues(t, 0, payer.EscrowLockedCents)
}

func TestSettlement_PredicateRoutesToManualReview(t *testing.T) {
	ctx := context.Background()
	e, s := newEngine(t)
	fundAgent(t, e, "agent_payer", 100_000)
	fundAgent(t, e, "agent_payee", 0)

	// Large settlements need a human regardless of verification status.
	policyRec, err := artifacts.Derive("tenant-a", artifacts.SchemaTenantSettlementPolicy, map[string]any{
		"release":   map[string]any{"green": float64(100), "red": float64(0)},
		"predicate": "settlement.amountCents < 50000",
	}, testAt)
	require.NoError(t, err)
	commit(t, s, []store.Op{artifacts.PutOp(policyRec)})

	_, ops, err := e.CreateRun(ctx, "tenant-a", "agent_payee", CreateRunRequest{
		RunID: "run_big",
		Settlement: &SettlementSpec{
			PayerAgentID:     "agent_payer",
			AmountCents:      75_000,
			Currency:         "USD",
			PolicyArtifactID: policyRec.ArtifactID,
		},
	}, "a", testAt)
	require.NoError(t, err)
	commit(t, s, ops)

	r, err := e.Load(ctx, "tenant-a", "run_big")
	require.NoError(t, err)
	head := r.LastChainHash
	head = appendEvent(t, e, "run_big", EventRunStarted, nil, head).Event.ChainHash
	final := appendEvent(t, e, "run_big", EventRunCompleted, nil, head)

	assert.Equal(t, DecisionManualReview, final.Settlement.DecisionStatus)
	assert.Equal(t, SettlementLocked, final.Settlement.Status)
}

func TestDisputeWindowFromCreation(t *testing.T) {
	e, _ := newEngine(t)
	fundAgent(t, e, "agent_payer", 10_000)
	fundAgent(t, e, "agent_payee", 0)
	res := createRunWithSettlement(t, e, 650)

	wantEnd := testAt.Add(7 * 24 * time.Hour).UTC().Format(events.ISOMillis)
	assert.Equal(t, wantEnd, res.Settlement.DisputeWindowEnds)
}
