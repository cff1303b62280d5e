package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/nooterra/pkg/events"
	"github.com/nooterra/nooterra/pkg/protocol"
)

type seqGen struct{ n int }

func (g *seqGen) NewID(prefix string) string {
	g.n++
	return fmt.Sprintf("%s_%08d", prefix, g.n)
}

var testAt = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func buildEvent(t *testing.T, gen events.IDGenerator, stream string, prev *string, seq int) *events.Event {
	t.Helper()
	e, err := events.Build(gen, "tenant-a", stream, "RUN_HEARTBEAT",
		map[string]any{"seq": seq}, prev, "agent:agt_1", testAt)
	require.NoError(t, err)
	return e
}

func TestCommitTx_AppendAndRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	gen := &seqGen{}

	e1 := buildEvent(t, gen, "run:r1", nil, 0)
	require.NoError(t, s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: testAt, Ops: []Op{
		{Kind: OpEventAppend, Event: e1},
	}}))

	e2 := buildEvent(t, gen, "run:r1", &e1.ChainHash, 1)
	require.NoError(t, s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: testAt, Ops: []Op{
		{Kind: OpEventAppend, Event: e2},
	}}))

	chain, err := s.GetEvents(ctx, "tenant-a", "run:r1", nil)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, e1.ChainHash, *chain[1].PrevChainHash)

	// Resume after a chain hash.
	tail, err := s.GetEvents(ctx, "tenant-a", "run:r1", &e1.ChainHash)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, e2.ID, tail[0].ID)
}

func TestCommitTx_ChainHashMismatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	gen := &seqGen{}

	e1 := buildEvent(t, gen, "run:r1", nil, 0)
	require.NoError(t, s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: testAt, Ops: []Op{
		{Kind: OpEventAppend, Event: e1},
	}}))

	// Second append built against the stale (empty) head.
	stale := buildEvent(t, gen, "run:r1", nil, 1)
	err := s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: testAt, Ops: []Op{
		{Kind: OpEventAppend, Event: stale},
	}})
	assert.True(t, protocol.IsCode(err, protocol.CodeChainHashMismatch))

	chain, err := s.GetEvents(ctx, "tenant-a", "run:r1", nil)
	require.NoError(t, err)
	assert.Len(t, chain, 1)
}

func TestCommitTx_ConcurrentAppendsOneWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e1 := buildEvent(t, &seqGen{}, "run:r1", nil, 0)
	require.NoError(t, s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: testAt, Ops: []Op{
		{Kind: OpEventAppend, Event: e1},
	}}))

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := buildEvent(t, &seqGen{n: 100 * (i + 1)}, "run:r1", &e1.ChainHash, i)
			errs[i] = s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: testAt, Ops: []Op{
				{Kind: OpEventAppend, Event: e},
			}})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.True(t, protocol.IsCode(err, protocol.CodeChainHashMismatch))
		}
	}
	assert.Equal(t, 1, wins)

	chain, err := s.GetEvents(ctx, "tenant-a", "run:r1", nil)
	require.NoError(t, err)
	assert.Len(t, chain, 2)
}

func TestCommitTx_IntraTxChaining(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	gen := &seqGen{}

	e1 := buildEvent(t, gen, "run:r1", nil, 0)
	e2 := buildEvent(t, gen, "run:r1", &e1.ChainHash, 1)
	require.NoError(t, s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: testAt, Ops: []Op{
		{Kind: OpEventAppend, Event: e1},
		{Kind: OpEventAppend, Event: e2},
	}}))

	head, err := s.HeadChainHash(ctx, "tenant-a", "run:r1")
	require.NoError(t, err)
	assert.Equal(t, e2.ChainHash, *head)
}

func TestCommitTx_AtomicOnFailure(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	gen := &seqGen{}

	e1 := buildEvent(t, gen, "run:r1", nil, 0)
	err := s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: testAt, Ops: []Op{
		{Kind: OpEventAppend, Event: e1},
		// Fails: projection does not exist at revision 7.
		{Kind: OpProjectionUpsert, Projection: &ProjectionUpsert{
			Kind: "agent_run", ID: "r1", Body: map[string]any{}, ExpectedRevision: 7,
		}},
	}})
	assert.True(t, protocol.IsCode(err, protocol.CodeRevisionConflict))

	chain, err := s.GetEvents(ctx, "tenant-a", "run:r1", nil)
	require.NoError(t, err)
	assert.Empty(t, chain, "failed tx must leave no visible state")
}

func TestCommitTx_ProjectionCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	put := func(rev int64, status string) error {
		return s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: testAt, Ops: []Op{
			{Kind: OpProjectionUpsert, Projection: &ProjectionUpsert{
				Kind: "agent_run", ID: "r1",
				Body:             map[string]any{"status": status},
				ExpectedRevision: rev,
			}},
		}})
	}

	require.NoError(t, put(0, "created"))
	require.NoError(t, put(1, "running"))

	err := put(1, "completed") // stale
	assert.True(t, protocol.IsCode(err, protocol.CodeRevisionConflict))

	p, err := s.GetProjection(ctx, "tenant-a", "agent_run", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Revision)
	assert.Equal(t, "running", p.Body["status"])
}

func TestCommitTx_ArtifactDedupeAndConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := &ArtifactRecord{ArtifactID: "art_1", ArtifactHash: "aaaa", Schema: "ToolCallEvidence.v1", Body: map[string]any{"x": 1}}
	put := func(rec *ArtifactRecord) error {
		return s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: testAt, Ops: []Op{{Kind: OpArtifactPut, Artifact: rec}}})
	}

	require.NoError(t, put(a))
	require.NoError(t, put(a), "same id and hash dedupes")

	conflict := &ArtifactRecord{ArtifactID: "art_1", ArtifactHash: "bbbb", Schema: "ToolCallEvidence.v1", Body: map[string]any{"x": 2}}
	err := put(conflict)
	assert.True(t, protocol.IsCode(err, protocol.CodeArtifactHashConflict))
}

func TestCommitTx_WalletPostingsMustBalance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: testAt, Ops: []Op{
		{Kind: OpWalletPost, Wallet: &WalletEntry{EntryID: "wle_1", Postings: []Posting{
			{Account: "acct_available:agt_1", AmountCents: 500, Currency: "USD"},
		}}},
	}})
	assert.True(t, protocol.IsCode(err, protocol.CodeSchemaInvalid))

	require.NoError(t, s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: testAt, Ops: []Op{
		{Kind: OpWalletPost, Wallet: &WalletEntry{EntryID: "wle_2", Postings: []Posting{
			{Account: "acct_available:agt_1", AmountCents: 500, Currency: "USD"},
			{Account: "acct_platform_suspense", AmountCents: -500, Currency: "USD"},
		}}},
	}}))

	entries, err := s.WalletEntries(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "wle_2", entries[0].EntryID)
}

func TestCommitTx_IdempotencyUnique(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := &IdempotencyRecord{Key: "k1", Fingerprint: "fp", Status: 201, ResponseBody: []byte(`{"ok":true}`)}
	commit := func() error {
		return s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: testAt, Ops: []Op{{Kind: OpIdempotencyStore, Idempotency: rec}}})
	}
	require.NoError(t, commit())
	assert.True(t, protocol.IsCode(commit(), protocol.CodeIdempotencyKeyReused))

	got, err := s.LookupIdempotent(ctx, "tenant-a", "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "fp", got.Fingerprint)

	// Cross-tenant lookup misses.
	got, err = s.LookupIdempotent(ctx, "tenant-b", "k1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTenantIsolationOnReads(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: testAt, Ops: []Op{
		{Kind: OpProjectionUpsert, Projection: &ProjectionUpsert{
			Kind: "agent_identity", ID: "agt_1", Body: map[string]any{"displayName": "A"},
		}},
	}}))

	_, err := s.GetProjection(ctx, "tenant-b", "agent_identity", "agt_1")
	assert.True(t, protocol.IsCode(err, protocol.CodeNotFound))
}

func TestListProjections_DeterministicOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"c", "a", "b"} {
		at := testAt.Add(time.Duration(i/2) * time.Minute) // c,a share a timestamp
		require.NoError(t, s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: at, Ops: []Op{
			{Kind: OpProjectionUpsert, Projection: &ProjectionUpsert{
				Kind: "marketplace_rfq", ID: id, Body: map[string]any{},
			}},
		}}))
	}

	out, err := s.ListProjections(ctx, "tenant-a", "marketplace_rfq", ListOptions{})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"a", "c", "b"}, []string{out[0].ID, out[1].ID, out[2].ID})
}

func TestSubscribe_ReceivesCommittedEvents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ch, cancel := s.Subscribe(ctx, "tenant-a", "run:r1")
	defer cancel()

	e1 := buildEvent(t, &seqGen{}, "run:r1", nil, 0)
	require.NoError(t, s.CommitTx(ctx, Tx{TenantID: "tenant-a", At: testAt, Ops: []Op{
		{Kind: OpEventAppend, Event: e1},
	}}))

	select {
	case got := <-ch:
		assert.Equal(t, e1.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}
