package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/store"
)

var testAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func commit(t *testing.T, s store.Store, ops []store.Op) {
	t.Helper()
	require.NoError(t, s.CommitTx(context.Background(), store.Tx{
		TenantID: "tenant-a", At: testAt, Ops: ops,
	}))
}

func TestCredit(t *testing.T) {
	w := New("wal_1", "agent_payer", "tenant-a", "USD")
	ops, err := Credit(w, "entry_1", 10_000, testAt)
	require.NoError(t, err)

	assert.EqualValues(t, 10_000, w.AvailableCents)
	assert.EqualValues(t, 10_000, w.TotalCreditedCents)
	require.Len(t, ops, 2)
	assert.Equal(t, store.OpWalletPost, ops[0].Kind)
	assert.Equal(t, store.OpProjectionUpsert, ops[1].Kind)

	var sum int64
	for _, p := range ops[0].Wallet.Postings {
		sum += p.AmountCents
	}
	assert.Zero(t, sum)
}

func TestCredit_RejectsNonPositive(t *testing.T) {
	w := New("wal_1", "agent_payer", "tenant-a", "USD")
	_, err := Credit(w, "entry_1", 0, testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeSchemaInvalid))
	_, err = Credit(w, "entry_1", -5, testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeSchemaInvalid))
}

func TestLockEscrow(t *testing.T) {
	w := New("wal_1", "agent_payer", "tenant-a", "USD")
	_, err := Credit(w, "entry_1", 1_000, testAt)
	require.NoError(t, err)

	ops, err := LockEscrow(w, "entry_2", 650, testAt)
	require.NoError(t, err)
	assert.EqualValues(t, 350, w.AvailableCents)
	assert.EqualValues(t, 650, w.EscrowLockedCents)
	require.Len(t, ops, 2)
}

func TestLockEscrow_InsufficientFunds(t *testing.T) {
	w := New("wal_1", "agent_payer", "tenant-a", "USD")
	_, err := Credit(w, "entry_1", 100, testAt)
	require.NoError(t, err)

	_, err = LockEscrow(w, "entry_2", 650, testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeWalletInsufficientFunds))
	// Failed op must not have touched the balances.
	assert.EqualValues(t, 100, w.AvailableCents)
	assert.EqualValues(t, 0, w.EscrowLockedCents)
}

func TestReleaseEscrow_FullSplit(t *testing.T) {
	payer := New("wal_p", "agent_payer", "tenant-a", "USD")
	payee := New("wal_q", "agent_payee", "tenant-a", "USD")
	_, err := Credit(payer, "e1", 1_000, testAt)
	require.NoError(t, err)
	_, err = LockEscrow(payer, "e2", 650, testAt)
	require.NoError(t, err)

	ops, err := ReleaseEscrow(payer, payee, "e3", 650, 100, testAt)
	require.NoError(t, err)
	assert.EqualValues(t, 0, payer.EscrowLockedCents)
	assert.EqualValues(t, 650, payer.TotalDebitedCents)
	assert.EqualValues(t, 650, payee.AvailableCents)
	assert.EqualValues(t, 650, payee.TotalCreditedCents)
	require.Len(t, ops, 3)
	// Full split: no suspense leg.
	assert.Len(t, ops[0].Wallet.Postings, 2)
}

func TestReleaseEscrow_PartialSplitIntegerDivision(t *testing.T) {
	payer := New("wal_p", "agent_payer", "tenant-a", "USD")
	payee := New("wal_q", "agent_payee", "tenant-a", "USD")
	_, err := Credit(payer, "e1", 1_000, testAt)
	require.NoError(t, err)
	_, err = LockEscrow(payer, "e2", 333, testAt)
	require.NoError(t, err)

	_, err = ReleaseEscrow(payer, payee, "e3", 333, 50, testAt)
	require.NoError(t, err)
	// 333 * 50 / 100 = 166; the odd cent refunds to the payer.
	assert.EqualValues(t, 166, payee.AvailableCents)
	assert.EqualValues(t, 166, payer.TotalDebitedCents)
	assert.EqualValues(t, 667+167, payer.AvailableCents)
}

func TestReleaseEscrow_ZeroSplitRefundsNothingToPayee(t *testing.T) {
	payer := New("wal_p", "agent_payer", "tenant-a", "USD")
	payee := New("wal_q", "agent_payee", "tenant-a", "USD")
	_, err := Credit(payer, "e1", 1_000, testAt)
	require.NoError(t, err)
	_, err = LockEscrow(payer, "e2", 500, testAt)
	require.NoError(t, err)

	ops, err := ReleaseEscrow(payer, payee, "e3", 500, 0, testAt)
	require.NoError(t, err)
	assert.EqualValues(t, 0, payee.AvailableCents)
	// Everything flows back to the payer's available balance.
	assert.EqualValues(t, 1_000, payer.AvailableCents)
	assert.Len(t, ops[0].Wallet.Postings, 2)
}

func TestReleaseEscrow_CurrencyMismatch(t *testing.T) {
	payer := New("wal_p", "agent_payer", "tenant-a", "USD")
	payee := New("wal_q", "agent_payee", "tenant-a", "EUR")
	_, err := Credit(payer, "e1", 1_000, testAt)
	require.NoError(t, err)
	_, err = LockEscrow(payer, "e2", 500, testAt)
	require.NoError(t, err)

	_, err = ReleaseEscrow(payer, payee, "e3", 500, 100, testAt)
	assert.True(t, protocol.IsCode(err, protocol.CodeWalletCurrencyMismatch))
}

func TestRefundEscrow(t *testing.T) {
	payer := New("wal_p", "agent_payer", "tenant-a", "USD")
	_, err := Credit(payer, "e1", 1_000, testAt)
	require.NoError(t, err)
	_, err = LockEscrow(payer, "e2", 650, testAt)
	require.NoError(t, err)

	_, err = RefundEscrow(payer, "e3", 650, testAt)
	require.NoError(t, err)
	assert.EqualValues(t, 1_000, payer.AvailableCents)
	assert.EqualValues(t, 0, payer.EscrowLockedCents)
	assert.EqualValues(t, 0, payer.TotalDebitedCents)
}

func TestProjectionRoundTripWithCAS(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	w := New("wal_1", "agent_payer", "tenant-a", "USD")
	ops, err := Credit(w, "e1", 500, testAt)
	require.NoError(t, err)
	commit(t, s, ops)

	loaded, err := Load(ctx, s, "tenant-a", "wal_1")
	require.NoError(t, err)
	assert.EqualValues(t, 500, loaded.AvailableCents)
	assert.EqualValues(t, 1, loaded.Revision)

	// Stale writer loses the CAS race.
	stale := *loaded
	ops, err = Credit(loaded, "e2", 100, testAt)
	require.NoError(t, err)
	commit(t, s, ops)

	staleOps, err := Credit(&stale, "e3", 100, testAt)
	require.NoError(t, err)
	err = s.CommitTx(ctx, store.Tx{TenantID: "tenant-a", At: testAt, Ops: staleOps})
	assert.True(t, protocol.IsCode(err, protocol.CodeRevisionConflict))
}

func TestConservation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	payer := New("wal_p", "agent_payer", "tenant-a", "USD")
	payee := New("wal_q", "agent_payee", "tenant-a", "USD")

	ops, err := Credit(payer, "e1", 10_000, testAt)
	require.NoError(t, err)
	commit(t, s, ops)

	payer, err = Load(ctx, s, "tenant-a", "wal_p")
	require.NoError(t, err)
	ops, err = LockEscrow(payer, "e2", 650, testAt)
	require.NoError(t, err)
	commit(t, s, ops)

	// payee wallet row must exist before the release touches it
	require.NoError(t, s.CommitTx(ctx, store.Tx{TenantID: "tenant-a", At: testAt, Ops: []store.Op{payee.UpsertOp()}}))

	payer, err = Load(ctx, s, "tenant-a", "wal_p")
	require.NoError(t, err)
	payee, err = Load(ctx, s, "tenant-a", "wal_q")
	require.NoError(t, err)
	ops, err = ReleaseEscrow(payer, payee, "e3", 650, 100, testAt)
	require.NoError(t, err)
	commit(t, s, ops)

	entries, err := s.WalletEntries(ctx, "tenant-a")
	require.NoError(t, err)
	var sum int64
	for _, e := range entries {
		for _, p := range e.Postings {
			sum += p.AmountCents
		}
	}
	assert.Zero(t, sum)

	assert.NoError(t, payer.Check())
	assert.NoError(t, payee.Check())
	assert.EqualValues(t, 9_350, payer.AvailableCents)
	assert.EqualValues(t, 650, payee.AvailableCents)
}
