package evidence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRef_Deterministic(t *testing.T) {
	a := Ref([]byte("hello"))
	b := Ref([]byte("hello"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Ref([]byte("hello!")))

	digest, err := ParseRef(a)
	require.NoError(t, err)
	assert.Len(t, digest, 64)
}

func TestParseRef_Invalid(t *testing.T) {
	for _, ref := range []string{
		"",
		"sha256:abcd",
		"evidence://sha256/short",
		"evidence://sha256/zzzz5c2932fd013e869d9b923ff8c8a83e8bbcbbaaa2f32cce3f2c4a18b42zzz2",
	} {
		_, err := ParseRef(ref)
		assert.Error(t, err, ref)
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	payload := []byte(`{"method":"POST","path":"/v1/runs"}`)
	ref, err := s.Put(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, Ref(payload), ref)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	// Re-put of identical bytes is a no-op returning the same ref.
	ref2, err := s.Put(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)
}

func TestFileStore_MissingAndDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref := Ref([]byte("never stored"))
	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, ref)
	assert.Error(t, err)

	// Deleting a missing blob is not an error.
	assert.NoError(t, s.Delete(ctx, ref))

	stored, err := s.Put(ctx, []byte("temp"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, stored))
	ok, err = s.Exists(ctx, stored)
	require.NoError(t, err)
	assert.False(t, ok)
}
