package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/nooterra/pkg/artifacts"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/run"
	"github.com/nooterra/nooterra/pkg/store"
	"github.com/nooterra/nooterra/pkg/wallet"
)

var testAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type seqGen struct{ n int }

func (g *seqGen) NewID(prefix string) string {
	g.n++
	return fmt.Sprintf("%s_%04d", prefix, g.n)
}

func sha(body string) string {
	h := sha256.Sum256([]byte(body))
	return hex.EncodeToString(h[:])
}

type fixture struct {
	e        *Engine
	s        *store.MemoryStore
	policyID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	pe, err := run.NewPolicyEvaluator()
	require.NoError(t, err)
	f := &fixture{e: &Engine{Store: s, IDs: &seqGen{}, Policies: pe}, s: s}

	payer := wallet.New(wallet.IDForAgent("agent_payer"), "agent_payer", "tenant-a", "USD")
	ops, err := wallet.Credit(payer, f.e.IDs.NewID("entry"), 5_000, testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	payee := wallet.New(wallet.IDForAgent("agent_payee"), "agent_payee", "tenant-a", "USD")
	f.commit(t, []store.Op{payee.UpsertOp()})

	policy, err := artifacts.Derive("tenant-a", artifacts.SchemaTenantSettlementPolicy, map[string]any{
		"release": map[string]any{"green": 100, "red": 0},
	}, testAt)
	require.NoError(t, err)
	f.commit(t, []store.Op{artifacts.PutOp(policy)})
	f.policyID = policy.ArtifactID
	return f
}

func (f *fixture) commit(t *testing.T, ops []store.Op) {
	t.Helper()
	require.NoError(t, f.s.CommitTx(context.Background(), store.Tx{
		TenantID: "tenant-a", At: testAt, Ops: ops,
	}))
}

func quote() Quote {
	return Quote{PayerAgentID: "agent_payer", PayeeAgentID: "agent_payee", AmountCents: 1_200, Currency: "USD"}
}

func intentBody() map[string]any {
	return map[string]any{"tool": "translate", "args": map[string]any{"lang": "fr"}}
}

func (f *fixture) createStrict(t *testing.T, reqSHA string) *Gate {
	t.Helper()
	g, ops, err := f.e.Create(context.Background(), "tenant-a", CreateRequest{
		Quote:              quote(),
		IntentBody:         intentBody(),
		IntentExpiresAt:    testAt.Add(time.Hour),
		RequestBindingMode: BindingStrict,
		RequestBindingSHA:  reqSHA,
	}, "agent:agent_payer", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	return g
}

func TestGate_CreateAuthorizeVerify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reqSHA := sha(`{"lang":"fr"}`)
	g := f.createStrict(t, reqSHA)
	assert.Equal(t, StatusCreated, g.Status)
	require.NotEmpty(t, g.ExecutionIntent.IntentHash)

	g2, ops, err := f.e.Authorize(ctx, "tenant-a", g.GateID, AuthorizeRequest{
		ExecutionIntentHash: g.ExecutionIntent.IntentHash,
		RequestSHA256:       reqSHA,
		PaymentRef:          "pay_abc",
	}, "agent:agent_payer", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	assert.Equal(t, StatusAuthorized, g2.Status)

	// Authorization locked the quote in escrow.
	payer, err := wallet.Load(ctx, f.s, "tenant-a", wallet.IDForAgent("agent_payer"))
	require.NoError(t, err)
	assert.EqualValues(t, 3_800, payer.AvailableCents)
	assert.EqualValues(t, 1_200, payer.EscrowLockedCents)

	res, ops, err := f.e.Verify(ctx, "tenant-a", g.GateID, VerifyRequest{
		PolicyArtifactID:   f.policyID,
		VerificationStatus: run.VerificationGreen,
		EvidenceRefs:       []string{RequestRef(reqSHA), ResponseRef(sha(`{"ok":true}`))},
	}, "server", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	assert.True(t, res.Settled)
	assert.Equal(t, StatusSettled, res.Gate.Status)
	assert.EqualValues(t, 1_200, res.Gate.Verification.ReleasedAmountCents)

	payee, err := wallet.Load(ctx, f.s, "tenant-a", wallet.IDForAgent("agent_payee"))
	require.NoError(t, err)
	assert.EqualValues(t, 1_200, payee.AvailableCents)

	// At most one settlement.
	_, _, err = f.e.Verify(ctx, "tenant-a", g.GateID, VerifyRequest{
		PolicyArtifactID: f.policyID,
	}, "server", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402GateVerifyAlreadySettled))
}

func TestGate_StrictBindingRejectsForeignRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reqSHA := sha("bound body")
	g := f.createStrict(t, reqSHA)

	// Authorizing with a different request hash fails.
	_, _, err := f.e.Authorize(ctx, "tenant-a", g.GateID, AuthorizeRequest{
		ExecutionIntentHash: g.ExecutionIntent.IntentHash,
		RequestSHA256:       sha("some other body"),
	}, "a", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402RequestMismatch))

	// So does verifying with a foreign or missing request evidence ref.
	_, ops, err := f.e.Authorize(ctx, "tenant-a", g.GateID, AuthorizeRequest{
		ExecutionIntentHash: g.ExecutionIntent.IntentHash,
		RequestSHA256:       reqSHA,
	}, "a", testAt)
	require.NoError(t, err)
	f.commit(t, ops)

	_, _, err = f.e.Verify(ctx, "tenant-a", g.GateID, VerifyRequest{
		PolicyArtifactID: f.policyID,
		EvidenceRefs:     []string{RequestRef(sha("tampered"))},
	}, "server", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402RequestMismatch))

	_, _, err = f.e.Verify(ctx, "tenant-a", g.GateID, VerifyRequest{
		PolicyArtifactID: f.policyID,
	}, "server", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402RequestMismatch))
}

func TestGate_AuthorizeGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Intent is required at create time.
	_, _, err := f.e.Create(ctx, "tenant-a", CreateRequest{
		Quote:           quote(),
		IntentExpiresAt: testAt.Add(time.Hour),
	}, "a", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402ExecutionIntentRequired))

	g, ops, err := f.e.Create(ctx, "tenant-a", CreateRequest{
		Quote:           quote(),
		IntentBody:      intentBody(),
		IntentExpiresAt: testAt.Add(time.Hour),
	}, "a", testAt)
	require.NoError(t, err)
	f.commit(t, ops)

	// Wrong intent hash.
	_, _, err = f.e.Authorize(ctx, "tenant-a", g.GateID, AuthorizeRequest{
		ExecutionIntentHash: sha("not the intent"),
	}, "a", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402ExecutionIntentHashMismatch))

	// Expired intent.
	late := testAt.Add(2 * time.Hour)
	_, _, err = f.e.Authorize(ctx, "tenant-a", g.GateID, AuthorizeRequest{
		ExecutionIntentHash: g.ExecutionIntent.IntentHash,
	}, "a", late)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402ExecutionIntentExpired))

	// Verify before authorize.
	_, _, err = f.e.Verify(ctx, "tenant-a", g.GateID, VerifyRequest{
		PolicyArtifactID: f.policyID,
	}, "server", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402GateNotAuthorized))

	// Verify without a policy.
	_, ops, err = f.e.Authorize(ctx, "tenant-a", g.GateID, AuthorizeRequest{
		ExecutionIntentHash: g.ExecutionIntent.IntentHash,
	}, "a", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	_, _, err = f.e.Verify(ctx, "tenant-a", g.GateID, VerifyRequest{}, "server", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402GateVerifyPolicyRequired))
}

func TestGate_RedVerificationRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g, ops, err := f.e.Create(ctx, "tenant-a", CreateRequest{
		Quote:           quote(),
		IntentBody:      intentBody(),
		IntentExpiresAt: testAt.Add(time.Hour),
	}, "a", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	_, ops, err = f.e.Authorize(ctx, "tenant-a", g.GateID, AuthorizeRequest{
		ExecutionIntentHash: g.ExecutionIntent.IntentHash,
	}, "a", testAt)
	require.NoError(t, err)
	f.commit(t, ops)

	res, ops, err := f.e.Verify(ctx, "tenant-a", g.GateID, VerifyRequest{
		PolicyArtifactID:   f.policyID,
		VerificationStatus: run.VerificationRed,
	}, "server", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	assert.True(t, res.Settled)
	assert.EqualValues(t, 1_200, res.Gate.Verification.RefundedAmountCents)

	payer, err := wallet.Load(ctx, f.s, "tenant-a", wallet.IDForAgent("agent_payer"))
	require.NoError(t, err)
	assert.EqualValues(t, 5_000, payer.AvailableCents)
	assert.EqualValues(t, 0, payer.EscrowLockedCents)
}

func TestGate_ManualReviewDoesNotSettle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g, ops, err := f.e.Create(ctx, "tenant-a", CreateRequest{
		Quote:           quote(),
		IntentBody:      intentBody(),
		IntentExpiresAt: testAt.Add(time.Hour),
	}, "a", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	_, ops, err = f.e.Authorize(ctx, "tenant-a", g.GateID, AuthorizeRequest{
		ExecutionIntentHash: g.ExecutionIntent.IntentHash,
	}, "a", testAt)
	require.NoError(t, err)
	f.commit(t, ops)

	// amber has no release rate in the fixture policy.
	res, ops, err := f.e.Verify(ctx, "tenant-a", g.GateID, VerifyRequest{
		PolicyArtifactID:   f.policyID,
		VerificationStatus: run.VerificationAmber,
	}, "server", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	assert.False(t, res.Settled)
	assert.Equal(t, StatusAuthorized, res.Gate.Status)
	assert.Equal(t, run.DecisionManualReview, res.Decision.DecisionStatus)

	// Escrow stays locked; a later green verify may still settle.
	payer, err := wallet.Load(ctx, f.s, "tenant-a", wallet.IDForAgent("agent_payer"))
	require.NoError(t, err)
	assert.EqualValues(t, 1_200, payer.EscrowLockedCents)
}

func TestGate_BindingEvidenceFamilies(t *testing.T) {
	reqSHA := sha("request")
	respSHA := sha("response")
	g := &Gate{
		RequestBinding: RequestBinding{Mode: BindingStrict, SHA256: reqSHA},
		ResponseSHA256: respSHA,
	}

	require.NoError(t, g.CheckBindingEvidence([]string{RequestRef(reqSHA), ResponseRef(respSHA)}, BindingDisputeClose))

	err := g.CheckBindingEvidence([]string{ResponseRef(respSHA)}, BindingDisputeClose)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402DisputeCloseBindingEvidenceRequired))

	err = g.CheckBindingEvidence([]string{RequestRef(sha("other")), ResponseRef(respSHA)}, BindingArbitrationOpen)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402ArbitrationOpenBindingEvidenceMismatch))

	err = g.CheckBindingEvidence([]string{RequestRef(reqSHA)}, BindingArbitrationOpen)
	assert.True(t, protocol.IsCode(err, protocol.CodeX402ArbitrationOpenBindingEvidenceRequired))
}

func TestGate_NoExpiryIsAuthorizable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g, ops, err := f.e.Create(ctx, "tenant-a", CreateRequest{
		Quote:      quote(),
		IntentBody: intentBody(),
	}, "agent:agent_payer", testAt)
	require.NoError(t, err)
	f.commit(t, ops)
	assert.Empty(t, g.ExecutionIntent.ExpiresAt)

	g2, ops, err := f.e.Authorize(ctx, "tenant-a", g.GateID, AuthorizeRequest{
		ExecutionIntentHash: g.ExecutionIntent.IntentHash,
	}, "agent:agent_payer", testAt.Add(365*24*time.Hour))
	require.NoError(t, err)
	f.commit(t, ops)
	assert.Equal(t, StatusAuthorized, g2.Status)
}
