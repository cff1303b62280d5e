package crypto

import (
	"sync"
	"time"

	"github.com/nooterra/nooterra/pkg/protocol"
)

// KeyPurpose classifies who a registered key belongs to.
type KeyPurpose string

const (
	KeyPurposeRobot    KeyPurpose = "robot"
	KeyPurposeOperator KeyPurpose = "operator"
	KeyPurposeServer   KeyPurpose = "server"
)

// KeyStatus is the lifecycle state of a registered key.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRotated KeyStatus = "rotated"
	KeyStatusRevoked KeyStatus = "revoked"
)

// KeyRecord describes one registered key. Private material is optional;
// verification-only entries carry the public PEM alone.
type KeyRecord struct {
	KeyID        string     `json:"keyId"`
	TenantID     string     `json:"tenantId,omitempty"` // empty for server keys (global scope)
	Purpose      KeyPurpose `json:"purpose"`
	Status       KeyStatus  `json:"status"`
	Algorithm    string     `json:"algorithm"` // always "ed25519"
	PublicKeyPem string     `json:"publicKeyPem"`
	NotBefore    time.Time  `json:"notBefore"`
	NotAfter     *time.Time `json:"notAfter,omitempty"` // set when rotated

	signer *Signer
}

// Registry is the in-process key registry. Robot and operator keys are
// tenant-scoped; server keys live in the global scope and resolve for every
// tenant. That asymmetry is deliberate policy, not an accident of lookup.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]*KeyRecord
}

// NewRegistry creates an empty key registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]*KeyRecord)}
}

// Register adds a verification-only key record.
func (r *Registry) Register(rec *KeyRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.Algorithm = "ed25519"
	if rec.Status == "" {
		rec.Status = KeyStatusActive
	}
	r.keys[rec.KeyID] = rec
}

// RegisterSigner adds a key with private material so it can sign.
func (r *Registry) RegisterSigner(s *Signer, tenantID string, purpose KeyPurpose) (*KeyRecord, error) {
	pemStr, err := s.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	rec := &KeyRecord{
		KeyID:        s.KeyID,
		TenantID:     tenantID,
		Purpose:      purpose,
		Status:       KeyStatusActive,
		Algorithm:    "ed25519",
		PublicKeyPem: pemStr,
		NotBefore:    time.Now().UTC(),
		signer:       s,
	}
	r.mu.Lock()
	r.keys[rec.KeyID] = rec
	r.mu.Unlock()
	return rec, nil
}

// Rotate marks a key rotated as of now. The key keeps verifying historical
// signatures inside its validity window but can no longer sign.
func (r *Registry) Rotate(keyID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.keys[keyID]
	if !ok {
		return protocol.Errorf(protocol.CodeUnknownKey, "key %s not registered", keyID)
	}
	rec.Status = KeyStatusRotated
	t := at.UTC()
	rec.NotAfter = &t
	return nil
}

// Revoke disables a key entirely.
func (r *Registry) Revoke(keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.keys[keyID]
	if !ok {
		return protocol.Errorf(protocol.CodeUnknownKey, "key %s not registered", keyID)
	}
	rec.Status = KeyStatusRevoked
	return nil
}

// Lookup resolves a key for a tenant. Server-purpose keys resolve regardless
// of tenant; robot and operator keys only within their own tenant.
func (r *Registry) Lookup(tenantID, keyID string) (*KeyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.keys[keyID]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeUnknownKey, "key %s not registered", keyID)
	}
	if rec.Purpose != KeyPurposeServer && rec.TenantID != tenantID {
		return nil, protocol.Errorf(protocol.CodeUnknownKey, "key %s not registered", keyID)
	}
	return rec, nil
}

// Sign signs hashHex with the named key, enforcing key status.
func (r *Registry) Sign(tenantID, keyID, hashHex string, purpose Purpose, context string) (*Signature, error) {
	rec, err := r.Lookup(tenantID, keyID)
	if err != nil {
		return nil, err
	}
	if rec.Status != KeyStatusActive {
		return nil, protocol.Errorf(protocol.CodeSignerCannotSign, "key %s is %s", keyID, rec.Status)
	}
	if rec.signer == nil {
		return nil, protocol.Errorf(protocol.CodeSignerCannotSign, "key %s has no private material", keyID)
	}
	return rec.signer.Sign(hashHex, purpose, context)
}

// VerifyAt verifies a signature made at a given time, honoring the key's
// validity window. Revoked keys never verify; rotated keys verify signatures
// timestamped inside [NotBefore, NotAfter].
func (r *Registry) VerifyAt(tenantID, keyID, hashHex, signatureBase64 string, at time.Time) (bool, error) {
	rec, err := r.Lookup(tenantID, keyID)
	if err != nil {
		return false, err
	}
	switch rec.Status {
	case KeyStatusRevoked:
		return false, nil
	case KeyStatusRotated:
		if at.Before(rec.NotBefore) || (rec.NotAfter != nil && at.After(*rec.NotAfter)) {
			return false, nil
		}
	}
	return Verify(hashHex, signatureBase64, rec.PublicKeyPem)
}

// PublicKeys returns keyId -> PEM for every key visible to a tenant. Used by
// chain verification.
func (r *Registry) PublicKeys(tenantID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string)
	for id, rec := range r.keys {
		if rec.Purpose == KeyPurposeServer || rec.TenantID == tenantID {
			out[id] = rec.PublicKeyPem
		}
	}
	return out
}
