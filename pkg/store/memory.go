package store

import (
	"context"
	"sort"
	"sync"

	"github.com/nooterra/nooterra/pkg/events"
	"github.com/nooterra/nooterra/pkg/protocol"
)

// MemoryStore is the in-memory backend. A single mutex serializes commits,
// which gives the same atomicity and CAS guarantees the SQL backends get
// from their transaction isolation.
type MemoryStore struct {
	mu sync.RWMutex

	streams     map[string][]*events.Event       // tenant/stream -> chain
	projections map[string]*Projection           // tenant/kind/id
	artifacts   map[string]*ArtifactRecord       // tenant/artifactId
	hashIndex   map[string]string                // tenant/artifactHash -> artifactId
	idempotency map[string]*IdempotencyRecord    // tenant/key
	entries     map[string][]*WalletEntry        // tenant -> postings
	subscribers map[string][]chan *events.Event  // tenant/stream -> listeners
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:     make(map[string][]*events.Event),
		projections: make(map[string]*Projection),
		artifacts:   make(map[string]*ArtifactRecord),
		hashIndex:   make(map[string]string),
		idempotency: make(map[string]*IdempotencyRecord),
		entries:     make(map[string][]*WalletEntry),
		subscribers: make(map[string][]chan *events.Event),
	}
}

func skey(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\x00" + p
	}
	return out
}

// CommitTx validates every op against current state, then applies the whole
// batch under one lock. Atomicity beats cancellation: the context is checked
// once before any state changes.
func (s *MemoryStore) CommitTx(ctx context.Context, tx Tx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validation pass. Tracks intra-tx effects so a batch may, for example,
	// append two events that chain onto each other.
	heads := make(map[string]*string)
	revisions := make(map[string]int64)
	seenKeys := make(map[string]bool)

	for _, op := range tx.Ops {
		switch op.Kind {
		case OpEventAppend:
			e := op.Event
			if e == nil || e.TenantID != tx.TenantID {
				return protocol.NewError(protocol.CodeSchemaInvalid, "event tenant does not match transaction")
			}
			key := skey(tx.TenantID, e.StreamID)
			head, staged := heads[key]
			if !staged {
				head = s.headLocked(tx.TenantID, e.StreamID)
			}
			if !hashPtrEqual(head, e.PrevChainHash) {
				return protocol.Errorf(protocol.CodeChainHashMismatch,
					"stream %s head is %s, event expects %s", e.StreamID, hashPtrString(head), hashPtrString(e.PrevChainHash))
			}
			h := e.ChainHash
			heads[key] = &h
		case OpProjectionUpsert:
			p := op.Projection
			key := skey(tx.TenantID, p.Kind, p.ID)
			rev, staged := revisions[key]
			if !staged {
				if existing, ok := s.projections[key]; ok {
					rev = existing.Revision
				}
			}
			if p.ExpectedRevision != rev {
				return protocol.Errorf(protocol.CodeRevisionConflict,
					"%s/%s revision is %d, expected %d", p.Kind, p.ID, rev, p.ExpectedRevision)
			}
			revisions[key] = rev + 1
		case OpArtifactPut:
			a := op.Artifact
			if existing, ok := s.artifacts[skey(tx.TenantID, a.ArtifactID)]; ok {
				if existing.ArtifactHash != a.ArtifactHash {
					return protocol.Errorf(protocol.CodeArtifactHashConflict,
						"artifact %s already stored with hash %s", a.ArtifactID, existing.ArtifactHash)
				}
				continue // content-addressed dedupe
			}
			if otherID, ok := s.hashIndex[skey(tx.TenantID, a.ArtifactHash)]; ok && otherID != a.ArtifactID {
				return protocol.Errorf(protocol.CodeArtifactHashConflict,
					"artifact hash %s already stored as %s", a.ArtifactHash, otherID)
			}
		case OpWalletPost:
			if err := checkBalanced(op.Wallet); err != nil {
				return err
			}
		case OpIdempotencyStore:
			rec := op.Idempotency
			key := skey(tx.TenantID, rec.Key)
			if seenKeys[key] {
				return protocol.Errorf(protocol.CodeIdempotencyKeyReused, "duplicate idempotency op for key %s", rec.Key)
			}
			if _, ok := s.idempotency[key]; ok {
				return protocol.Errorf(protocol.CodeIdempotencyKeyReused, "idempotency key %s already committed", rec.Key)
			}
			seenKeys[key] = true
		default:
			return protocol.Errorf(protocol.CodeSchemaInvalid, "unknown op kind %q", op.Kind)
		}
	}

	// Apply pass. Nothing below can fail.
	var appended []*events.Event
	for _, op := range tx.Ops {
		switch op.Kind {
		case OpEventAppend:
			key := skey(tx.TenantID, op.Event.StreamID)
			s.streams[key] = append(s.streams[key], op.Event)
			appended = append(appended, op.Event)
		case OpProjectionUpsert:
			p := op.Projection
			key := skey(tx.TenantID, p.Kind, p.ID)
			existing, ok := s.projections[key]
			created := tx.At
			if ok {
				created = existing.CreatedAt
			}
			s.projections[key] = &Projection{
				TenantID:  tx.TenantID,
				Kind:      p.Kind,
				ID:        p.ID,
				Body:      p.Body,
				Revision:  p.ExpectedRevision + 1,
				CreatedAt: created,
				UpdatedAt: tx.At,
			}
		case OpArtifactPut:
			a := op.Artifact
			key := skey(tx.TenantID, a.ArtifactID)
			if _, ok := s.artifacts[key]; ok {
				continue
			}
			stored := *a
			stored.TenantID = tx.TenantID
			stored.CreatedAt = tx.At
			s.artifacts[key] = &stored
			s.hashIndex[skey(tx.TenantID, a.ArtifactHash)] = a.ArtifactID
		case OpWalletPost:
			entry := *op.Wallet
			entry.At = tx.At
			s.entries[tx.TenantID] = append(s.entries[tx.TenantID], &entry)
		case OpIdempotencyStore:
			rec := *op.Idempotency
			rec.CommittedAt = tx.At
			s.idempotency[skey(tx.TenantID, rec.Key)] = &rec
		}
	}

	for _, e := range appended {
		for _, ch := range s.subscribers[skey(tx.TenantID, e.StreamID)] {
			select {
			case ch <- e:
			default: // slow subscriber falls back to polling
			}
		}
	}
	return nil
}

func (s *MemoryStore) headLocked(tenantID, streamID string) *string {
	chain := s.streams[skey(tenantID, streamID)]
	if len(chain) == 0 {
		return nil
	}
	h := chain[len(chain)-1].ChainHash
	return &h
}

func hashPtrEqual(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func hashPtrString(p *string) string {
	if p == nil {
		return "<nil>"
	}
	return *p
}

func checkBalanced(entry *WalletEntry) error {
	if entry == nil || len(entry.Postings) == 0 {
		return protocol.NewError(protocol.CodeSchemaInvalid, "wallet entry has no postings")
	}
	sums := make(map[string]int64)
	for _, p := range entry.Postings {
		if p.Currency == "" || p.Account == "" {
			return protocol.NewError(protocol.CodeSchemaInvalid, "posting missing account or currency")
		}
		sums[p.Currency] += p.AmountCents
	}
	for currency, sum := range sums {
		if sum != 0 {
			return protocol.Errorf(protocol.CodeSchemaInvalid,
				"postings for %s net to %d, want 0", currency, sum)
		}
	}
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, tenantID, streamID string, afterChainHash *string) ([]*events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.streams[skey(tenantID, streamID)]
	if afterChainHash == nil {
		out := make([]*events.Event, len(chain))
		copy(out, chain)
		return out, nil
	}
	for i, e := range chain {
		if e.ChainHash == *afterChainHash {
			out := make([]*events.Event, len(chain)-i-1)
			copy(out, chain[i+1:])
			return out, nil
		}
	}
	return nil, protocol.Errorf(protocol.CodeNotFound, "chain hash %s not in stream %s", *afterChainHash, streamID)
}

func (s *MemoryStore) HeadChainHash(ctx context.Context, tenantID, streamID string) (*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headLocked(tenantID, streamID), nil
}

func (s *MemoryStore) GetProjection(ctx context.Context, tenantID, kind, id string) (*Projection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projections[skey(tenantID, kind, id)]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "%s %s not found", kind, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListProjections(ctx context.Context, tenantID, kind string, opts ListOptions) ([]*Projection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Projection
	for _, p := range s.projections {
		if p.TenantID == tenantID && p.Kind == kind {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) LookupIdempotent(ctx context.Context, tenantID, key string) (*IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idempotency[skey(tenantID, key)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) GetArtifact(ctx context.Context, tenantID, artifactID string) (*ArtifactRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[skey(tenantID, artifactID)]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "artifact %s not found", artifactID)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetArtifacts(ctx context.Context, tenantID string, artifactIDs []string) (map[string]*ArtifactRecord, error) {
	out := make(map[string]*ArtifactRecord, len(artifactIDs))
	for _, id := range artifactIDs {
		a, err := s.GetArtifact(ctx, tenantID, id)
		if protocol.IsCode(err, protocol.CodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = a
	}
	return out, nil
}

func (s *MemoryStore) WalletEntries(ctx context.Context, tenantID string) ([]*WalletEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.entries[tenantID]
	out := make([]*WalletEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// Subscribe registers a push channel for a stream. The returned cancel must
// be called to release the subscription.
func (s *MemoryStore) Subscribe(ctx context.Context, tenantID, streamID string) (<-chan *events.Event, func()) {
	ch := make(chan *events.Event, 64)
	key := skey(tenantID, streamID)
	s.mu.Lock()
	s.subscribers[key] = append(s.subscribers[key], ch)
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		subs := s.subscribers[key]
		for i, c := range subs {
			if c == ch {
				s.subscribers[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

var _ Store = (*MemoryStore)(nil)
var _ Watcher = (*MemoryStore)(nil)
