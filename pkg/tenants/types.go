// Package tenants provides tenant records, API key credentials, and the
// request-scoped tenant context guard.
package tenants

import (
	"context"
	"time"

	"github.com/nooterra/nooterra/pkg/protocol"
)

// Status represents the current status of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Tenant is one isolation domain. Every event, projection, artifact, and
// wallet row is scoped to exactly one tenant.
type Tenant struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	SuspendedAt *time.Time     `json:"suspendedAt,omitempty"`
	DeletedAt   *time.Time     `json:"deletedAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IsActive returns true if the tenant may issue requests.
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// CreateRequest contains the data needed to create a new tenant.
type CreateRequest struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ctxKey struct{}

// WithTenant binds the authenticated tenant id to the request context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// FromContext reads the authenticated tenant id.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Require returns the context tenant or a typed error when none is bound.
func Require(ctx context.Context) (string, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return "", protocol.NewError(protocol.CodeForbidden, "no tenant bound to the request")
	}
	return id, nil
}

// Guard asserts that a request operates only on its own tenant's resources.
// Cross-tenant access is reported as not-found, never as forbidden, so
// resource existence does not leak across the boundary.
func Guard(ctx context.Context, resourceTenantID string) error {
	id, err := Require(ctx)
	if err != nil {
		return err
	}
	if id != resourceTenantID {
		return protocol.NewError(protocol.CodeNotFound, "resource not found")
	}
	return nil
}
