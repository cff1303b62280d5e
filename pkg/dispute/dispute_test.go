package dispute

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/nooterra/pkg/crypto"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/run"
	"github.com/nooterra/nooterra/pkg/store"
	"github.com/nooterra/nooterra/pkg/wallet"
	"github.com/nooterra/nooterra/pkg/x402"
)

var testAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type seqGen struct{ n int }

func (g *seqGen) NewID(prefix string) string {
	g.n++
	return fmt.Sprintf("%s_%04d", prefix, g.n)
}

type fixture struct {
	e       *Engine
	s       *store.MemoryStore
	gates   *x402.Engine
	arbiter *crypto.Signer
	runID   string
}

func openRequest() OpenRequest {
	return OpenRequest{
		DisputeType:     "quality",
		DisputePriority: "high",
		DisputeChannel:  "platform",
		EscalationLevel: LevelCounterparty,
		OpenedBy:        "agent_payer",
		Reason:          "output below agreed quality bar",
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	keys := crypto.NewRegistry()
	arbiter, err := crypto.NewSigner("key_arbiter")
	require.NoError(t, err)
	_, err = keys.RegisterSigner(arbiter, "tenant-a", crypto.KeyPurposeOperator)
	require.NoError(t, err)

	pe, err := run.NewPolicyEvaluator()
	require.NoError(t, err)
	ids := &seqGen{}
	runs := &run.Engine{Store: s, Keys: keys, IDs: ids, Policies: pe}
	gates := &x402.Engine{Store: s, Keys: keys, IDs: ids, Policies: pe}
	f := &fixture{
		e:       &Engine{Store: s, Keys: keys, IDs: ids, Runs: runs, Gates: gates},
		s:       s,
		gates:   gates,
		arbiter: arbiter,
	}

	// Funded payer, empty payee, one run with a locked 1000¢ settlement.
	ctx := context.Background()
	payer := wallet.New(wallet.IDForAgent("agent_payer"), "agent_payer", "tenant-a", "USD")
	ops, err := wallet.Credit(payer, ids.NewID("entry"), 10_000, testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	payee := wallet.New(wallet.IDForAgent("agent_payee"), "agent_payee", "tenant-a", "USD")
	f.commit(t, []store.Op{payee.UpsertOp()})

	res, ops, err := runs.CreateRun(ctx, "tenant-a", "agent_payee", run.CreateRunRequest{
		Settlement: &run.SettlementSpec{
			PayerAgentID:      "agent_payer",
			AmountCents:       1_000,
			Currency:          "USD",
			DisputeWindowDays: 7,
		},
	}, "agent:agent_payee", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	f.runID = res.Run.RunID
	return f
}

func (f *fixture) commit(t *testing.T, ops []store.Op) {
	t.Helper()
	require.NoError(t, f.s.CommitTx(context.Background(), store.Tx{
		TenantID: "tenant-a", At: testAt, Ops: ops,
	}))
}

func TestDispute_OpenEvidenceEscalateClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, envelope, ops, err := f.e.Open(ctx, "tenant-a", f.runID, openRequest(), "agent:agent_payer", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	assert.Equal(t, run.DisputeOpen, s.DisputeStatus)
	assert.Equal(t, LevelCounterparty, s.EscalationLevel)
	require.NotNil(t, envelope)

	_, ops, err = f.e.AddEvidence(ctx, "tenant-a", f.runID, []string{
		"evidence://sha256/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	}, "agent:agent_payer", testAt)
	require.NoError(t, err)
	f.commit(t, ops)

	_, ops, err = f.e.Escalate(ctx, "tenant-a", f.runID, LevelArbiter, "agent:agent_payer", testAt)
	require.NoError(t, err)
	f.commit(t, ops)

	// Backwards escalation is rejected.
	_, _, err = f.e.Escalate(ctx, "tenant-a", f.runID, LevelCounterparty, "a", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeRevisionConflict))

	res, ops, err := f.e.Close(ctx, "tenant-a", f.runID, CloseRequest{
		Outcome:        OutcomePartial,
		ReleaseRatePct: 50,
		ArbiterKeyID:   "key_arbiter",
	}, "operator:arbiter-1", testAt)
	require.NoError(t, err)
	f.commit(t, ops)

	assert.Equal(t, run.DisputeClosed, res.Settlement.DisputeStatus)
	assert.Equal(t, run.SettlementReleased, res.Settlement.Status)
	assert.EqualValues(t, 500, res.Settlement.ReleasedAmountCents)
	assert.EqualValues(t, 500, res.Settlement.RefundedAmountCents)
	assert.Equal(t, AdjustmentHoldbackRelease, res.Adjustment.Body["kind"])

	// Money moved per the verdict.
	payee, err := wallet.Load(ctx, f.s, "tenant-a", wallet.IDForAgent("agent_payee"))
	require.NoError(t, err)
	assert.EqualValues(t, 500, payee.AvailableCents)
	payer, err := wallet.Load(ctx, f.s, "tenant-a", wallet.IDForAgent("agent_payer"))
	require.NoError(t, err)
	assert.EqualValues(t, 9_500, payer.AvailableCents)
	assert.EqualValues(t, 0, payer.EscrowLockedCents)

	// Verdict signature verifies and the replay binds.
	pubPEM, err := f.arbiter.PublicKeyPEM()
	require.NoError(t, err)
	require.NoError(t, VerifyVerdictSignature(res.Verdict, pubPEM))
	require.NoError(t, ReplayVerdict(res.Settlement, res.Verdict))

	// Policy replay reports the verdict override.
	replay, err := f.e.Runs.PolicyReplay(ctx, "tenant-a", f.runID)
	require.NoError(t, err)
	assert.True(t, replay.OverriddenByVerdict)
	assert.True(t, replay.MatchesStoredDecision)
}

func TestDispute_ReplayDetectsTamper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, ops, err := f.e.Open(ctx, "tenant-a", f.runID, openRequest(), "a", testAt)
	require.NoError(t, err)
	f.commit(t, ops)

	res, ops, err := f.e.Close(ctx, "tenant-a", f.runID, CloseRequest{
		Outcome:      OutcomeNone,
		ArbiterKeyID: "key_arbiter",
	}, "operator:arbiter-1", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	assert.Equal(t, run.SettlementRefunded, res.Settlement.Status)
	assert.Equal(t, AdjustmentHoldbackRefund, res.Adjustment.Body["kind"])

	res.Verdict.Body["releaseRatePct"] = float64(100)
	err = ReplayVerdict(res.Settlement, res.Verdict)
	assert.True(t, protocol.IsCode(err, protocol.CodeClosepackBindingVerdictHashMismatch))
}

func TestDispute_OpenGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Missing classification fields.
	_, _, _, err := f.e.Open(ctx, "tenant-a", f.runID, OpenRequest{EscalationLevel: LevelCounterparty}, "a", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeRequiredFieldMissing))

	// Outside the dispute window.
	late := testAt.Add(8 * 24 * time.Hour)
	_, _, _, err = f.e.Open(ctx, "tenant-a", f.runID, openRequest(), "a", late)
	assert.True(t, protocol.IsCode(err, protocol.CodeForbidden))

	// Double open.
	_, _, ops, err := f.e.Open(ctx, "tenant-a", f.runID, openRequest(), "a", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	_, _, _, err = f.e.Open(ctx, "tenant-a", f.runID, openRequest(), "a", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeRevisionConflict))

	// Evidence requires an open dispute elsewhere too.
	_, _, err = f.e.Escalate(ctx, "tenant-a", f.runID, "l9_nonsense", "a", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeSchemaInvalid))
}

// gateBoundRun creates a strict gate and a run whose settlement is bound to
// it. Binding evidence then gates arbitration-level dispute operations.
func (f *fixture) gateBoundRun(t *testing.T, reqSHA string) string {
	t.Helper()
	ctx := context.Background()
	g, ops, err := f.gates.Create(ctx, "tenant-a", x402.CreateRequest{
		Quote:              x402.Quote{PayerAgentID: "agent_payer", PayeeAgentID: "agent_payee", AmountCents: 1_000, Currency: "USD"},
		IntentBody:         map[string]any{"tool": "scrape"},
		RequestBindingMode: x402.BindingStrict,
		RequestBindingSHA:  reqSHA,
	}, "agent:agent_payer", testAt)
	require.NoError(t, err)
	f.commit(t, ops)

	res, ops, err := f.e.Runs.CreateRun(ctx, "tenant-a", "agent_payee", run.CreateRunRequest{
		Settlement: &run.SettlementSpec{
			PayerAgentID:      "agent_payer",
			AmountCents:       1_000,
			Currency:          "USD",
			DisputeWindowDays: 7,
			GateID:            g.GateID,
		},
	}, "agent:agent_payee", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	return res.Run.RunID
}

func TestDispute_GateBoundOpenAtArbiterNeedsBindingEvidence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	boundSHA := strings.Repeat("a", 64)
	runID := f.gateBoundRun(t, boundSHA)

	req := openRequest()
	req.EscalationLevel = LevelArbiter
	_, _, _, err := f.e.Open(ctx, "tenant-a", runID, req, "a", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402ArbitrationOpenBindingEvidenceRequired))

	req.EvidenceRefs = []string{x402.RequestRef(strings.Repeat("b", 64))}
	_, _, _, err = f.e.Open(ctx, "tenant-a", runID, req, "a", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402ArbitrationOpenBindingEvidenceMismatch))

	req.EvidenceRefs = []string{x402.RequestRef(boundSHA)}
	s, _, ops, err := f.e.Open(ctx, "tenant-a", runID, req, "a", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	assert.Equal(t, LevelArbiter, s.EscalationLevel)
}

func TestDispute_GateBoundCloseNeedsBindingEvidence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	boundSHA := strings.Repeat("c", 64)
	runID := f.gateBoundRun(t, boundSHA)

	// Counterparty-level opening carries no binding requirement.
	_, _, ops, err := f.e.Open(ctx, "tenant-a", runID, openRequest(), "a", testAt)
	require.NoError(t, err)
	f.commit(t, ops)

	_, _, err = f.e.Close(ctx, "tenant-a", runID, CloseRequest{
		Outcome:      OutcomeNone,
		ArbiterKeyID: "key_arbiter",
	}, "operator:arbiter-1", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402DisputeCloseBindingEvidenceRequired))

	// Escalating to the arbiter is equally blocked until the refs land.
	_, _, err = f.e.Escalate(ctx, "tenant-a", runID, LevelArbiter, "a", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402ArbitrationOpenBindingEvidenceRequired))

	_, ops, err = f.e.AddEvidence(ctx, "tenant-a", runID, []string{x402.RequestRef(boundSHA)}, "a", testAt)
	require.NoError(t, err)
	f.commit(t, ops)

	res, ops, err := f.e.Close(ctx, "tenant-a", runID, CloseRequest{
		Outcome:      OutcomeNone,
		ArbiterKeyID: "key_arbiter",
	}, "operator:arbiter-1", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	assert.Equal(t, run.SettlementRefunded, res.Settlement.Status)
}
