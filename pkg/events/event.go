// Package events implements the per-stream hash-chained event log: event
// construction, chain-hash computation, optional chain signing, and replay
// verification.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra/nooterra/pkg/canonical"
	"github.com/nooterra/nooterra/pkg/crypto"
)

// ISOMillis is the timestamp layout used everywhere an instant enters a hash.
const ISOMillis = "2006-01-02T15:04:05.000Z"

// Event is the atomic unit of history. Once committed it is never rewritten.
type Event struct {
	V             int            `json:"v"`
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	StreamID      string         `json:"streamId"`
	Type          string         `json:"type"`
	At            string         `json:"at"` // ISO-8601 Z, millisecond precision
	Actor         string         `json:"actor"`
	Payload       map[string]any `json:"payload"`
	PayloadHash   string         `json:"payloadHash"`
	PrevChainHash *string        `json:"prevChainHash"`
	ChainHash     string         `json:"chainHash"`
	SignerKeyID   string         `json:"signerKeyId,omitempty"`
	Signature     string         `json:"signature,omitempty"`
}

// IDGenerator allocates event ids. Production uses uuid v4; tests inject a
// deterministic counter.
type IDGenerator interface {
	NewID(prefix string) string
}

// UUIDGenerator is the production id generator.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// ChainHash computes the chain hash binding an event to its predecessor.
func ChainHash(prevChainHash *string, id, typ, at, streamID, payloadHash string) (string, error) {
	var prev any
	if prevChainHash != nil {
		prev = *prevChainHash
	}
	return canonical.Hash(map[string]any{
		"prevChainHash": prev,
		"id":            id,
		"type":          typ,
		"at":            at,
		"streamId":      streamID,
		"payloadHash":   payloadHash,
	})
}

// Build constructs a fully hashed event ready for append. prev is the chain
// head the caller observed; the store re-checks it at commit time.
func Build(idgen IDGenerator, tenantID, streamID, typ string, payload map[string]any, prev *string, actor string, at time.Time) (*Event, error) {
	payloadHash, err := canonical.Hash(payload)
	if err != nil {
		return nil, fmt.Errorf("hash payload: %w", err)
	}
	atStr := at.UTC().Format(ISOMillis)
	id := idgen.NewID("evt")
	chainHash, err := ChainHash(prev, id, typ, atStr, streamID, payloadHash)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}
	return &Event{
		V:             1,
		ID:            id,
		TenantID:      tenantID,
		StreamID:      streamID,
		Type:          typ,
		At:            atStr,
		Actor:         actor,
		Payload:       payload,
		PayloadHash:   payloadHash,
		PrevChainHash: prev,
		ChainHash:     chainHash,
	}, nil
}

// Sign attaches a chain-hash signature from the given registry key.
func (e *Event) Sign(reg *crypto.Registry, keyID string) error {
	sig, err := reg.Sign(e.TenantID, keyID, e.ChainHash, crypto.PurposeEventChain, e.StreamID)
	if err != nil {
		return err
	}
	e.SignerKeyID = keyID
	e.Signature = sig.Signature
	return nil
}
