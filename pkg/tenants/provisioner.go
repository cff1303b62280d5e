package tenants

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra/nooterra/pkg/protocol"
)

// Provisioner handles tenant lifecycle operations.
type Provisioner interface {
	// Create provisions a tenant and its first API key; the raw key is
	// returned exactly once.
	Create(ctx context.Context, req CreateRequest) (*Tenant, string, error)

	Get(ctx context.Context, tenantID string) (*Tenant, error)

	// Suspend stops a tenant from issuing requests without destroying data.
	Suspend(ctx context.Context, tenantID string, at time.Time) error
}

// PostgresProvisioner implements Provisioner and Keychain over PostgreSQL.
type PostgresProvisioner struct {
	db *sql.DB
}

func NewPostgresProvisioner(db *sql.DB) *PostgresProvisioner {
	return &PostgresProvisioner{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	suspended_at TIMESTAMPTZ,
	deleted_at TIMESTAMPTZ,
	metadata JSONB
);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	name TEXT,
	key_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ
);
`

// Init creates the necessary database tables.
func (p *PostgresProvisioner) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresProvisioner) Create(ctx context.Context, req CreateRequest) (*Tenant, string, error) {
	if req.Name == "" {
		return nil, "", protocol.NewError(protocol.CodeRequiredFieldMissing, "tenant name is required")
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("tenants: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tenant := &Tenant{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
		Metadata:  req.Metadata,
	}
	metaJSON, err := json.Marshal(tenant.Metadata)
	if err != nil {
		return nil, "", fmt.Errorf("tenants: marshal metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenants (id, name, status, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, tenant.ID, tenant.Name, tenant.Status, tenant.CreatedAt, metaJSON)
	if err != nil {
		return nil, "", fmt.Errorf("tenants: create tenant: %w", err)
	}

	keyID, rawKey, keyHash, err := mintKey()
	if err != nil {
		return nil, "", err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, name, key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, keyID, tenant.ID, "default", keyHash, time.Now().UTC())
	if err != nil {
		return nil, "", fmt.Errorf("tenants: create API key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("tenants: commit: %w", err)
	}
	return tenant, rawKey, nil
}

func (p *PostgresProvisioner) Get(ctx context.Context, tenantID string) (*Tenant, error) {
	var tenant Tenant
	var metaJSON []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, status, created_at, suspended_at, deleted_at, metadata
		FROM tenants WHERE id = $1
	`, tenantID).Scan(
		&tenant.ID, &tenant.Name, &tenant.Status,
		&tenant.CreatedAt, &tenant.SuspendedAt, &tenant.DeletedAt, &metaJSON,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, protocol.NewError(protocol.CodeNotFound, "tenant not found")
		}
		return nil, fmt.Errorf("tenants: get: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &tenant.Metadata); err != nil {
			return nil, fmt.Errorf("tenants: unmarshal metadata: %w", err)
		}
	}
	return &tenant, nil
}

func (p *PostgresProvisioner) Suspend(ctx context.Context, tenantID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET status = $1, suspended_at = $2
		WHERE id = $3 AND status = $4
	`, StatusSuspended, at.UTC(), tenantID, StatusActive)
	if err != nil {
		return fmt.Errorf("tenants: suspend: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tenants: suspend: %w", err)
	}
	if n == 0 {
		return protocol.NewError(protocol.CodeRevisionConflict, "tenant is not active")
	}
	return nil
}

// Issue implements Keychain over the api_keys table.
func (p *PostgresProvisioner) Issue(ctx context.Context, tenantID, name string) (*APIKey, string, error) {
	keyID, rawKey, keyHash, err := mintKey()
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, name, key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, keyID, tenantID, name, keyHash, now)
	if err != nil {
		return nil, "", fmt.Errorf("tenants: issue key: %w", err)
	}
	return &APIKey{ID: keyID, TenantID: tenantID, Name: name, CreatedAt: now}, rawKey, nil
}

// Verify implements Keychain: the key id rides inside the raw key, so the
// salted argon2 digest needs no reverse index.
func (p *PostgresProvisioner) Verify(ctx context.Context, rawKey string) (string, error) {
	keyID, secret, ok := splitRawKey(rawKey)
	if !ok {
		return "", errBadKey
	}
	var tenantID, hash string
	var revokedAt *time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT tenant_id, key_hash, revoked_at FROM api_keys WHERE id = $1
	`, keyID).Scan(&tenantID, &hash, &revokedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", errBadKey
		}
		return "", fmt.Errorf("tenants: verify key: %w", err)
	}
	if revokedAt != nil || !verifySecret(secret, hash) {
		return "", errBadKey
	}
	return tenantID, nil
}

// Revoke implements Keychain.
func (p *PostgresProvisioner) Revoke(ctx context.Context, keyID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL
	`, at.UTC(), keyID)
	if err != nil {
		return fmt.Errorf("tenants: revoke key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tenants: revoke key: %w", err)
	}
	if n == 0 {
		return protocol.NewError(protocol.CodeNotFound, "unknown API key id")
	}
	return nil
}

func mintKey() (keyID, rawKey, keyHash string, err error) {
	idBytes := make([]byte, 8)
	if _, err = rand.Read(idBytes); err != nil {
		return "", "", "", fmt.Errorf("generate key id: %w", err)
	}
	secretBytes := make([]byte, 24)
	if _, err = rand.Read(secretBytes); err != nil {
		return "", "", "", fmt.Errorf("generate key secret: %w", err)
	}
	salt := make([]byte, 16)
	if _, err = rand.Read(salt); err != nil {
		return "", "", "", fmt.Errorf("generate salt: %w", err)
	}
	keyID = hex.EncodeToString(idBytes)
	secret := hex.EncodeToString(secretBytes)
	return keyID, fmt.Sprintf("%s_%s_%s", keyPrefix, keyID, secret), hashSecret(secret, salt), nil
}
