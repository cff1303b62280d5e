// Package agent — agent identity registration and status lifecycle.
//
// Registration is idempotent on the public key: registering the same
// publicKeyPem again returns the existing identity without new ops. Status
// moves one direction only: active → suspended → revoked.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nooterra/nooterra/pkg/canonical"
	"github.com/nooterra/nooterra/pkg/events"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/store"
	"github.com/nooterra/nooterra/pkg/wallet"
)

// Projection kinds. agent_key is a secondary index from the public key
// fingerprint to the agent id, making registration idempotent on the key.
const (
	ProjectionKind = "agent_identity"
	KeyIndexKind   = "agent_key"
)

// Identity statuses, one-directional.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusRevoked   = "revoked"
)

var statusRank = map[string]int{
	StatusActive:    1,
	StatusSuspended: 2,
	StatusRevoked:   3,
}

// Identity event types on the agent:<id> stream.
const (
	EventRegistered    = "AGENT_REGISTERED"
	EventStatusChanged = "AGENT_STATUS_CHANGED"
)

// StreamID names the event stream of an agent.
func StreamID(agentID string) string {
	return "agent:" + agentID
}

// Owner identifies who operates an agent.
type Owner struct {
	OwnerType string `json:"ownerType"`
	OwnerID   string `json:"ownerId"`
}

// Key is a registered signing key of an agent.
type Key struct {
	KeyID        string `json:"keyId"`
	Algorithm    string `json:"algorithm"`
	PublicKeyPEM string `json:"publicKeyPem"`
}

// Identity is the projected agent identity.
type Identity struct {
	AgentID      string   `json:"agentId"`
	TenantID     string   `json:"tenantId"`
	DisplayName  string   `json:"displayName"`
	Owner        Owner    `json:"owner"`
	Keys         []Key    `json:"keys"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status"`
	Revision     int64    `json:"revision"`
}

func identityFromProjection(p *store.Projection) (*Identity, error) {
	raw, err := json.Marshal(p.Body)
	if err != nil {
		return nil, fmt.Errorf("encode identity projection: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("decode identity projection: %w", err)
	}
	id.Revision = p.Revision
	return &id, nil
}

func (a *Identity) body() map[string]any {
	raw, _ := json.Marshal(a)
	var b map[string]any
	_ = json.Unmarshal(raw, &b)
	delete(b, "revision")
	return b
}

func (a *Identity) upsertOp() store.Op {
	return store.Op{Kind: store.OpProjectionUpsert, Projection: &store.ProjectionUpsert{
		Kind: ProjectionKind, ID: a.AgentID, Body: a.body(), ExpectedRevision: a.Revision,
	}}
}

// keyFingerprint addresses a public key for the idempotency index. PEM
// whitespace differences must not produce distinct fingerprints.
func keyFingerprint(publicKeyPEM string) string {
	normalized := strings.TrimSpace(publicKeyPEM)
	return canonical.HashBytes([]byte(normalized))
}

// Engine builds op batches for identity mutations.
type Engine struct {
	Store store.Store
	IDs   events.IDGenerator
}

// RegisterRequest is the validated input of agent registration.
type RegisterRequest struct {
	AgentID      string // optional explicit id
	DisplayName  string
	Owner        Owner
	KeyID        string
	PublicKeyPEM string
	Capabilities []string
	Currency     string // wallet currency; defaults to USD
}

// RegisterResult distinguishes a fresh registration from an idempotent hit.
type RegisterResult struct {
	Identity *Identity
	Wallet   *wallet.Wallet
	Existing bool
}

// Register creates the identity, its wallet, the key index row, and the
// AGENT_REGISTERED event in one batch. A key already registered under the
// tenant returns the existing identity with no ops.
func (e *Engine) Register(ctx context.Context, tenantID string, req RegisterRequest, actor string, at time.Time) (*RegisterResult, []store.Op, error) {
	if req.PublicKeyPEM == "" || req.KeyID == "" {
		return nil, nil, protocol.NewError(protocol.CodeRequiredFieldMissing, "registration requires keyId and publicKeyPem")
	}
	if req.DisplayName == "" {
		return nil, nil, protocol.NewError(protocol.CodeRequiredFieldMissing, "registration requires displayName")
	}

	fp := keyFingerprint(req.PublicKeyPEM)
	if idx, err := e.Store.GetProjection(ctx, tenantID, KeyIndexKind, fp); err == nil {
		agentID, _ := idx.Body["agentId"].(string)
		existing, err := e.Load(ctx, tenantID, agentID)
		if err != nil {
			return nil, nil, err
		}
		w, err := wallet.Load(ctx, e.Store, tenantID, wallet.IDForAgent(agentID))
		if err != nil {
			return nil, nil, err
		}
		return &RegisterResult{Identity: existing, Wallet: w, Existing: true}, nil, nil
	} else if !protocol.IsCode(err, protocol.CodeNotFound) {
		return nil, nil, err
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = e.IDs.NewID("agent")
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	id := &Identity{
		AgentID:     agentID,
		TenantID:    tenantID,
		DisplayName: req.DisplayName,
		Owner:       req.Owner,
		Keys: []Key{{
			KeyID:        req.KeyID,
			Algorithm:    "ed25519",
			PublicKeyPEM: req.PublicKeyPEM,
		}},
		Capabilities: req.Capabilities,
		Status:       StatusActive,
	}
	w := wallet.New(wallet.IDForAgent(agentID), agentID, tenantID, currency)

	evt, err := events.Build(e.IDs, tenantID, StreamID(agentID), EventRegistered, map[string]any{
		"agentId":        agentID,
		"keyId":          req.KeyID,
		"keyFingerprint": fp,
	}, nil, actor, at)
	if err != nil {
		return nil, nil, err
	}

	ops := []store.Op{
		{Kind: store.OpEventAppend, Event: evt},
		id.upsertOp(),
		w.UpsertOp(),
		{Kind: store.OpProjectionUpsert, Projection: &store.ProjectionUpsert{
			Kind: KeyIndexKind, ID: fp,
			Body: map[string]any{"agentId": agentID, "keyId": req.KeyID},
		}},
	}
	return &RegisterResult{Identity: id, Wallet: w}, ops, nil
}

// SetStatus moves an identity forward in the status order. Backwards moves
// and repeats are rejected.
func (e *Engine) SetStatus(ctx context.Context, tenantID, agentID, status, actor string, at time.Time) (*Identity, []store.Op, error) {
	target, ok := statusRank[status]
	if !ok {
		return nil, nil, protocol.Errorf(protocol.CodeSchemaInvalid, "unknown agent status %q", status)
	}
	id, err := e.Load(ctx, tenantID, agentID)
	if err != nil {
		return nil, nil, err
	}
	if target <= statusRank[id.Status] {
		return nil, nil, protocol.Errorf(protocol.CodeRevisionConflict, "agent %s is %s; status only moves forward", agentID, id.Status)
	}
	id.Status = status

	head, err := e.Store.HeadChainHash(ctx, tenantID, StreamID(agentID))
	if err != nil {
		return nil, nil, err
	}
	evt, err := events.Build(e.IDs, tenantID, StreamID(agentID), EventStatusChanged, map[string]any{
		"agentId": agentID,
		"status":  status,
	}, head, actor, at)
	if err != nil {
		return nil, nil, err
	}
	return id, []store.Op{
		{Kind: store.OpEventAppend, Event: evt},
		id.upsertOp(),
	}, nil
}

// Load reads an identity projection at its current revision.
func (e *Engine) Load(ctx context.Context, tenantID, agentID string) (*Identity, error) {
	p, err := e.Store.GetProjection(ctx, tenantID, ProjectionKind, agentID)
	if err != nil {
		return nil, err
	}
	return identityFromProjection(p)
}
