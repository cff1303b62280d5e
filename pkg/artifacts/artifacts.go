// Package artifacts — content-addressed registry of signed documents.
//
// An artifact is an immutable JSON body identified by its canonical hash.
// The hash covers the body with the artifactHash field removed, so a body
// may carry its own hash inline without changing it.
package artifacts

import (
	"context"
	"time"

	"github.com/nooterra/nooterra/pkg/canonical"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/store"
)

// Known artifact schemas.
const (
	SchemaToolCallAgreement      = "ToolCallAgreement.v1"
	SchemaToolCallEvidence       = "ToolCallEvidence.v1"
	SchemaAcceptanceSignature    = "MarketplaceAgreementAcceptanceSignature.v2"
	SchemaPolicyBinding          = "MarketplaceAgreementPolicyBinding.v2"
	SchemaTaskAgreement          = "MarketplaceTaskAgreement.v2"
	SchemaArbitrationVerdict     = "ArbitrationVerdict.v1"
	SchemaSettlementAdjustment   = "SettlementAdjustment.v1"
	SchemaDisputeOpenEnvelope    = "DisputeOpenEnvelope.v1"
	SchemaTenantSettlementPolicy = "TenantSettlementPolicy.v1"
)

// idPrefixLen is how many hash characters a derived artifact id carries.
const idPrefixLen = 12

// Derive computes the content address of body and assembles the record to
// commit. The hash excludes any inline artifactHash field; the id is taken
// from body["artifactId"] when present, otherwise "<schema>_<hash prefix>".
// An inline artifactHash that disagrees with the computed one is rejected.
func Derive(tenantID, schema string, body map[string]any, at time.Time) (*store.ArtifactRecord, error) {
	if schema == "" {
		return nil, protocol.NewError(protocol.CodeRequiredFieldMissing, "artifact schema is required")
	}
	if body == nil {
		return nil, protocol.NewError(protocol.CodePayloadRequired, "artifact body is required")
	}

	hashable := make(map[string]any, len(body))
	for k, v := range body {
		if k == "artifactHash" {
			continue
		}
		hashable[k] = v
	}
	hash, err := canonical.Hash(hashable)
	if err != nil {
		return nil, err
	}

	if inline, ok := body["artifactHash"]; ok {
		s, isStr := inline.(string)
		if !isStr || s != hash {
			return nil, protocol.NewError(protocol.CodeSHA256FieldInvalid, "inline artifactHash does not match body content").
				WithDetail("expected", hash)
		}
	}

	id := schema + "_" + hash[:idPrefixLen]
	if explicit, ok := body["artifactId"].(string); ok && explicit != "" {
		id = explicit
	}

	return &store.ArtifactRecord{
		TenantID:     tenantID,
		ArtifactID:   id,
		ArtifactHash: hash,
		Schema:       schema,
		Body:         body,
		CreatedAt:    at.UTC(),
	}, nil
}

// PutOp wraps a derived record as a transaction op. Dedupe and conflict
// detection happen at commit time in the store.
func PutOp(rec *store.ArtifactRecord) store.Op {
	return store.Op{Kind: store.OpArtifactPut, Artifact: rec}
}

// Verify recomputes the content address of a stored record and reports a
// mismatch as ARTIFACT_HASH_CONFLICT. Used by the chain verifier.
func Verify(rec *store.ArtifactRecord) error {
	derived, err := Derive(rec.TenantID, rec.Schema, rec.Body, rec.CreatedAt)
	if err != nil {
		return err
	}
	if derived.ArtifactHash != rec.ArtifactHash {
		return protocol.NewError(protocol.CodeArtifactHashConflict, "stored artifactHash does not match body content").
			WithDetail("artifactId", rec.ArtifactID).
			WithDetail("expected", derived.ArtifactHash).
			WithDetail("stored", rec.ArtifactHash)
	}
	return nil
}

// Registry reads artifacts back out of the store.
type Registry struct {
	store store.Store
}

func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s}
}

// Get returns one artifact, or NOT_FOUND.
func (r *Registry) Get(ctx context.Context, tenantID, artifactID string) (*store.ArtifactRecord, error) {
	return r.store.GetArtifact(ctx, tenantID, artifactID)
}

// GetMany returns the subset of requested artifacts that exist.
func (r *Registry) GetMany(ctx context.Context, tenantID string, artifactIDs []string) (map[string]*store.ArtifactRecord, error) {
	return r.store.GetArtifacts(ctx, tenantID, artifactIDs)
}

// Require fails with NOT_FOUND if any of the given artifacts is missing.
// Callers use this before committing projections that reference artifacts
// by id.
func (r *Registry) Require(ctx context.Context, tenantID string, artifactIDs ...string) error {
	if len(artifactIDs) == 0 {
		return nil
	}
	found, err := r.store.GetArtifacts(ctx, tenantID, artifactIDs)
	if err != nil {
		return err
	}
	for _, id := range artifactIDs {
		if found[id] == nil {
			return protocol.NewError(protocol.CodeNotFound, "referenced artifact does not exist").
				WithDetail("artifactId", id)
		}
	}
	return nil
}
