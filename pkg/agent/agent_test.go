package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/nooterra/pkg/crypto"
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

func testPEM(t *testing.T) string {
	t.Helper()
	signer, err := crypto.NewSigner("key_1")
	require.NoError(t, err)
	pem, err := signer.PublicKeyPEM()
	require.NoError(t, err)
	return pem
}

func register(t *testing.T, e *Engine, s *store.MemoryStore, pem string) *RegisterResult {
	t.Helper()
	res, ops, err := e.Register(context.Background(), "tenant-a", RegisterRequest{
		DisplayName:  "translator-bot",
		Owner:        Owner{OwnerType: "operator", OwnerID: "op_1"},
		KeyID:        "key_1",
		PublicKeyPEM: pem,
	}, "operator:op_1", testAt)
	require.NoError(t, err)
	if len(ops) > 0 {
		require.NoError(t, s.CommitTx(context.Background(), store.Tx{
			TenantID: "tenant-a", At: testAt, Ops: ops,
		}))
	}
	return res
}

func TestRegister_CreatesIdentityAndWallet(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := &Engine{Store: s, IDs: &seqGen{}}
	pem := testPEM(t)

	res := register(t, e, s, pem)
	assert.False(t, res.Existing)
	assert.Equal(t, StatusActive, res.Identity.Status)
	require.Len(t, res.Identity.Keys, 1)
	assert.Equal(t, "ed25519", res.Identity.Keys[0].Algorithm)

	w, err := wallet.Load(ctx, s, "tenant-a", wallet.IDForAgent(res.Identity.AgentID))
	require.NoError(t, err)
	assert.Equal(t, "USD", w.Currency)
	assert.EqualValues(t, 0, w.AvailableCents)

	evts, err := s.GetEvents(ctx, "tenant-a", StreamID(res.Identity.AgentID), nil)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, EventRegistered, evts[0].Type)
}

func TestRegister_IdempotentOnPublicKey(t *testing.T) {
	s := store.NewMemoryStore()
	e := &Engine{Store: s, IDs: &seqGen{}}
	pem := testPEM(t)

	first := register(t, e, s, pem)

	// Same key again, even with surrounding whitespace, hits the index.
	again, ops, err := e.Register(context.Background(), "tenant-a", RegisterRequest{
		DisplayName:  "translator-bot-2",
		KeyID:        "key_1",
		PublicKeyPEM: "\n" + pem + "\n",
	}, "operator:op_1", testAt)
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Empty(t, ops)
	assert.Equal(t, first.Identity.AgentID, again.Identity.AgentID)
	assert.Equal(t, "translator-bot", again.Identity.DisplayName)
}

func TestRegister_RequiresKeyAndName(t *testing.T) {
	e := &Engine{Store: store.NewMemoryStore(), IDs: &seqGen{}}
	_, _, err := e.Register(context.Background(), "tenant-a", RegisterRequest{
		DisplayName: "nameless",
	}, "a", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeRequiredFieldMissing))
}

func TestSetStatus_ForwardOnly(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := &Engine{Store: s, IDs: &seqGen{}}
	res := register(t, e, s, testPEM(t))
	agentID := res.Identity.AgentID

	id, ops, err := e.SetStatus(ctx, "tenant-a", agentID, StatusSuspended, "op", testAt)
	require.NoError(t, err)
	require.NoError(t, s.CommitTx(ctx, store.Tx{TenantID: "tenant-a", At: testAt, Ops: ops}))
	assert.Equal(t, StatusSuspended, id.Status)

	// Back to active is rejected.
	_, _, err = e.SetStatus(ctx, "tenant-a", agentID, StatusActive, "op", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeRevisionConflict))

	id, ops, err = e.SetStatus(ctx, "tenant-a", agentID, StatusRevoked, "op", testAt)
	require.NoError(t, err)
	require.NoError(t, s.CommitTx(ctx, store.Tx{TenantID: "tenant-a", At: testAt, Ops: ops}))
	assert.Equal(t, StatusRevoked, id.Status)

	// Terminal.
	_, _, err = e.SetStatus(ctx, "tenant-a", agentID, StatusRevoked, "op", testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeRevisionConflict))

	// The status change extended the agent chain.
	evts, err := s.GetEvents(ctx, "tenant-a", StreamID(agentID), nil)
	require.NoError(t, err)
	assert.Len(t, evts, 3)
}
