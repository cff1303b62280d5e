package tenants

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/nooterra/nooterra/pkg/protocol"
)

// APIKey is the stored form of a tenant credential. The secret itself is
// never stored; only its argon2id digest is.
type APIKey struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenantId"`
	Name      string     `json:"name"`
	Hash      string     `json:"-"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// Keychain issues and verifies tenant API keys.
type Keychain interface {
	// Issue mints a key for a tenant and returns the raw secret exactly
	// once. The raw form is ntr_<keyId>_<secret>.
	Issue(ctx context.Context, tenantID, name string) (*APIKey, string, error)

	// Verify resolves a raw key to its tenant. Unknown, malformed, and
	// revoked keys all fail the same way.
	Verify(ctx context.Context, rawKey string) (string, error)

	// Revoke invalidates a key by id.
	Revoke(ctx context.Context, keyID string, at time.Time) error
}

// argon2id parameters, fixed per deployment.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	keyPrefix    = "ntr"
)

func hashSecret(secret string, salt []byte) string {
	digest := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("argon2id$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest))
}

func verifySecret(secret, stored string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 3 || parts[0] != "argon2id" {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// splitRawKey parses ntr_<keyId>_<secret>.
func splitRawKey(raw string) (keyID, secret string, ok bool) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

var errBadKey = protocol.NewError(protocol.CodeForbidden, "invalid API key")

// MemoryKeychain is the in-process keychain used by tests and single-node
// deployments.
type MemoryKeychain struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // keyID → record
}

func NewMemoryKeychain() *MemoryKeychain {
	return &MemoryKeychain{keys: make(map[string]*APIKey)}
}

func (k *MemoryKeychain) Issue(ctx context.Context, tenantID, name string) (*APIKey, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", fmt.Errorf("generate key id: %w", err)
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("generate key secret: %w", err)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, "", fmt.Errorf("generate salt: %w", err)
	}

	keyID := hex.EncodeToString(idBytes)
	secret := hex.EncodeToString(secretBytes)
	rec := &APIKey{
		ID:        keyID,
		TenantID:  tenantID,
		Name:      name,
		Hash:      hashSecret(secret, salt),
		CreatedAt: time.Now().UTC(),
	}

	k.mu.Lock()
	k.keys[keyID] = rec
	k.mu.Unlock()

	return rec, fmt.Sprintf("%s_%s_%s", keyPrefix, keyID, secret), nil
}

func (k *MemoryKeychain) Verify(ctx context.Context, rawKey string) (string, error) {
	keyID, secret, ok := splitRawKey(rawKey)
	if !ok {
		return "", errBadKey
	}
	k.mu.RLock()
	rec := k.keys[keyID]
	k.mu.RUnlock()
	if rec == nil || rec.RevokedAt != nil || !verifySecret(secret, rec.Hash) {
		return "", errBadKey
	}
	return rec.TenantID, nil
}

func (k *MemoryKeychain) Revoke(ctx context.Context, keyID string, at time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec := k.keys[keyID]
	if rec == nil {
		return protocol.NewError(protocol.CodeNotFound, "unknown API key id")
	}
	t := at.UTC()
	rec.RevokedAt = &t
	return nil
}
