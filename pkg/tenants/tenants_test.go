package tenants

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/nooterra/pkg/protocol"
)

func TestMemoryKeychain_IssueVerifyRevoke(t *testing.T) {
	ctx := context.Background()
	kc := NewMemoryKeychain()

	rec, raw, err := kc.Issue(ctx, "tenant-a", "ci")
	require.NoError(t, err)
	assert.NotContains(t, rec.Hash, raw, "raw secret must not be stored")

	tenantID, err := kc.Verify(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", tenantID)

	// Tampered secret fails.
	_, err = kc.Verify(ctx, raw[:len(raw)-1]+"x")
	assert.True(t, protocol.IsCode(err, protocol.CodeForbidden))

	// Malformed keys fail the same way.
	for _, bad := range []string{"", "ntr_", "ntr_abc", "other_abc_def"} {
		_, err = kc.Verify(ctx, bad)
		assert.True(t, protocol.IsCode(err, protocol.CodeForbidden), "key %q", bad)
	}

	require.NoError(t, kc.Revoke(ctx, rec.ID, time.Now()))
	_, err = kc.Verify(ctx, raw)
	assert.True(t, protocol.IsCode(err, protocol.CodeForbidden))
}

func TestMemoryKeychain_KeysAreTenantScoped(t *testing.T) {
	ctx := context.Background()
	kc := NewMemoryKeychain()

	_, rawA, err := kc.Issue(ctx, "tenant-a", "a")
	require.NoError(t, err)
	_, rawB, err := kc.Issue(ctx, "tenant-b", "b")
	require.NoError(t, err)

	ta, err := kc.Verify(ctx, rawA)
	require.NoError(t, err)
	tb, err := kc.Verify(ctx, rawB)
	require.NoError(t, err)
	assert.NotEqual(t, ta, tb)
}

func TestGuard_CrossTenantReadsAsNotFound(t *testing.T) {
	ctx := WithTenant(context.Background(), "tenant-a")

	require.NoError(t, Guard(ctx, "tenant-a"))

	err := Guard(ctx, "tenant-b")
	assert.True(t, protocol.IsCode(err, protocol.CodeNotFound))

	// Unbound context is forbidden, not not-found.
	err = Guard(context.Background(), "tenant-a")
	assert.True(t, protocol.IsCode(err, protocol.CodeForbidden))
}

func TestTenant_IsActive(t *testing.T) {
	tn := &Tenant{Status: StatusActive}
	assert.True(t, tn.IsActive())
	tn.Status = StatusSuspended
	assert.False(t, tn.IsActive())
}
