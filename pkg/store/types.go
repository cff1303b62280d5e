// Package store defines the transactional persistence boundary of the
// engine: a typed op batch committed atomically, plus tenant-scoped reads
// over events, projections, artifacts, wallet postings, and idempotency
// records. Backends: in-memory (tests, single node), PostgreSQL, SQLite.
package store

import (
	"context"
	"time"

	"github.com/nooterra/nooterra/pkg/events"
)

// OpKind discriminates the ops a transaction may carry.
type OpKind string

const (
	OpEventAppend      OpKind = "EVENT_APPEND"
	OpProjectionUpsert OpKind = "PROJECTION_UPSERT"
	OpArtifactPut      OpKind = "ARTIFACT_PUT"
	OpWalletPost       OpKind = "WALLET_POST"
	OpIdempotencyStore OpKind = "IDEMPOTENCY_STORE"
)

// Op is one element of a transaction. Exactly one payload field is set,
// matching Kind.
type Op struct {
	Kind        OpKind
	Event       *events.Event
	Projection  *ProjectionUpsert
	Artifact    *ArtifactRecord
	Wallet      *WalletEntry
	Idempotency *IdempotencyRecord
}

// Tx is an atomic batch: it either fully applies or leaves no visible state.
type Tx struct {
	TenantID string
	At       time.Time
	Ops      []Op
}

// ProjectionUpsert writes one projection row under CAS.
// ExpectedRevision 0 means "must not exist yet"; otherwise it must equal the
// stored revision and the write bumps it by one.
type ProjectionUpsert struct {
	Kind             string
	ID               string
	Body             map[string]any
	ExpectedRevision int64
}

// Projection is a stored projection row.
type Projection struct {
	TenantID  string         `json:"tenantId"`
	Kind      string         `json:"kind"`
	ID        string         `json:"id"`
	Body      map[string]any `json:"body"`
	Revision  int64          `json:"revision"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ArtifactRecord is an immutable content-addressed document.
type ArtifactRecord struct {
	TenantID     string         `json:"tenantId"`
	ArtifactID   string         `json:"artifactId"`
	ArtifactHash string         `json:"artifactHash"`
	Schema       string         `json:"schema"`
	Body         map[string]any `json:"body"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Posting is one leg of a balanced wallet entry. Amounts are integer cents;
// positive credits the account, negative debits it.
type Posting struct {
	Account     string `json:"account"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}

// WalletEntry is a double-entry posting set. Postings must net to zero per
// currency.
type WalletEntry struct {
	EntryID  string    `json:"entryId"`
	Postings []Posting `json:"postings"`
	At       time.Time `json:"at"`
}

// IdempotencyRecord caches the committed response for one
// (tenantId, idempotencyKey) pair.
type IdempotencyRecord struct {
	Key          string    `json:"key"`
	Fingerprint  string    `json:"fingerprint"`
	Status       int       `json:"status"`
	ResponseBody []byte    `json:"responseBody"`
	RequestID    string    `json:"requestId"`
	CommittedAt  time.Time `json:"committedAt"`
}

// ListOptions pages deterministic projection listings
// (createdAt ASC, id ASC).
type ListOptions struct {
	Limit  int
	Offset int
}

// Store is the transactional persistence contract. All reads and writes are
// tenant-scoped; cross-tenant lookups behave as not-found.
type Store interface {
	// CommitTx applies the batch atomically. Failures return typed
	// protocol errors (CHAIN_HASH_MISMATCH, REVISION_CONFLICT,
	// ARTIFACT_HASH_CONFLICT, IDEMPOTENCY_KEY_REUSED_WITH_DIFFERENT_BODY).
	CommitTx(ctx context.Context, tx Tx) error

	// GetEvents returns the contiguous chain of a stream, optionally
	// starting after the event whose chainHash equals afterChainHash.
	GetEvents(ctx context.Context, tenantID, streamID string, afterChainHash *string) ([]*events.Event, error)

	// HeadChainHash returns the current chain head, or nil for an empty
	// stream.
	HeadChainHash(ctx context.Context, tenantID, streamID string) (*string, error)

	GetProjection(ctx context.Context, tenantID, kind, id string) (*Projection, error)
	ListProjections(ctx context.Context, tenantID, kind string, opts ListOptions) ([]*Projection, error)

	LookupIdempotent(ctx context.Context, tenantID, key string) (*IdempotencyRecord, error)

	GetArtifact(ctx context.Context, tenantID, artifactID string) (*ArtifactRecord, error)

	// GetArtifacts returns the subset of the requested artifacts that
	// exist; missing ids are absent from the map.
	GetArtifacts(ctx context.Context, tenantID string, artifactIDs []string) (map[string]*ArtifactRecord, error)

	// WalletEntries returns all postings committed for a tenant, in commit
	// order. Used for conservation audits.
	WalletEntries(ctx context.Context, tenantID string) ([]*WalletEntry, error)
}

// Watcher is implemented by backends that can push committed events to
// subscribers (the SSE surface). Backends without push support fall back to
// polling GetEvents.
type Watcher interface {
	Subscribe(ctx context.Context, tenantID, streamID string) (<-chan *events.Event, func())
}
