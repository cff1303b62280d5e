package crypto

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/nooterra/pkg/canonical"
	"github.com/nooterra/nooterra/pkg/protocol"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := NewSigner("key-1")
	require.NoError(t, err)

	hash := canonical.MustHash(map[string]any{"runId": "run_1", "status": "completed"})
	sig, err := s.Sign(hash, PurposeVerificationReport, "run_1")
	require.NoError(t, err)
	assert.Equal(t, "key-1", sig.KeyID)
	assert.Equal(t, PurposeVerificationReport, sig.Purpose)

	pemStr, err := s.PublicKeyPEM()
	require.NoError(t, err)

	ok, err := Verify(hash, sig.Signature, pemStr)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_TamperedHashFails(t *testing.T) {
	s, err := NewSigner("key-1")
	require.NoError(t, err)
	hash := canonical.MustHash(map[string]any{"a": 1})
	sig, err := s.Sign(hash, PurposeAcceptance, "")
	require.NoError(t, err)
	pemStr, _ := s.PublicKeyPEM()

	other := canonical.MustHash(map[string]any{"a": 2})
	ok, err := Verify(other, sig.Signature, pemStr)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_TamperedSignatureFails(t *testing.T) {
	s, err := NewSigner("key-1")
	require.NoError(t, err)
	hash := canonical.MustHash(map[string]any{"a": 1})
	sig, err := s.Sign(hash, PurposeAcceptance, "")
	require.NoError(t, err)
	pemStr, _ := s.PublicKeyPEM()

	tampered := "AAAA" + sig.Signature[4:]
	ok, err := Verify(hash, tampered, pemStr)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSign_RejectsBadHash(t *testing.T) {
	s, err := NewSigner("key-1")
	require.NoError(t, err)
	_, err = s.Sign("not-hex", PurposeAcceptance, "")
	assert.True(t, protocol.IsCode(err, protocol.CodeSHA256FieldInvalid))
	_, err = s.Sign("abcd", PurposeAcceptance, "")
	assert.True(t, protocol.IsCode(err, protocol.CodeSHA256FieldInvalid))
}

func TestPEMRoundTrip(t *testing.T) {
	s, err := NewSigner("key-1")
	require.NoError(t, err)
	pemStr, err := s.PublicKeyPEM()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pemStr, "-----BEGIN PUBLIC KEY-----"))

	pub, err := ParsePublicKeyPEM(pemStr)
	require.NoError(t, err)
	assert.Equal(t, []byte(s.PublicKey()), []byte(pub))
}

func TestRegistry_RevokedKeyCannotSign(t *testing.T) {
	reg := NewRegistry()
	s, err := NewSigner("robot-1")
	require.NoError(t, err)
	_, err = reg.RegisterSigner(s, "tenant-a", KeyPurposeRobot)
	require.NoError(t, err)

	hash := canonical.MustHash(map[string]any{"x": 1})
	_, err = reg.Sign("tenant-a", "robot-1", hash, PurposeEventChain, "")
	require.NoError(t, err)

	require.NoError(t, reg.Revoke("robot-1"))
	_, err = reg.Sign("tenant-a", "robot-1", hash, PurposeEventChain, "")
	assert.True(t, protocol.IsCode(err, protocol.CodeSignerCannotSign))
}

func TestRegistry_RotatedKeyVerifiesHistorically(t *testing.T) {
	reg := NewRegistry()
	s, err := NewSigner("op-1")
	require.NoError(t, err)
	rec, err := reg.RegisterSigner(s, "tenant-a", KeyPurposeOperator)
	require.NoError(t, err)

	hash := canonical.MustHash(map[string]any{"x": 1})
	sig, err := reg.Sign("tenant-a", "op-1", hash, PurposeAcceptance, "")
	require.NoError(t, err)

	signedAt := rec.NotBefore.Add(time.Minute)
	rotatedAt := rec.NotBefore.Add(time.Hour)
	require.NoError(t, reg.Rotate("op-1", rotatedAt))

	// Rotated keys cannot sign new material.
	_, err = reg.Sign("tenant-a", "op-1", hash, PurposeAcceptance, "")
	assert.True(t, protocol.IsCode(err, protocol.CodeSignerCannotSign))

	// Historical signatures inside the window still verify.
	ok, err := reg.VerifyAt("tenant-a", "op-1", hash, sig.Signature, signedAt)
	require.NoError(t, err)
	assert.True(t, ok)

	// Outside the window they do not.
	ok, err = reg.VerifyAt("tenant-a", "op-1", hash, sig.Signature, rotatedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_TenantScoping(t *testing.T) {
	reg := NewRegistry()

	robot, err := NewSigner("robot-a")
	require.NoError(t, err)
	_, err = reg.RegisterSigner(robot, "tenant-a", KeyPurposeRobot)
	require.NoError(t, err)

	server, err := NewSigner("server-1")
	require.NoError(t, err)
	_, err = reg.RegisterSigner(server, "", KeyPurposeServer)
	require.NoError(t, err)

	// Robot keys do not resolve across tenants.
	_, err = reg.Lookup("tenant-b", "robot-a")
	assert.True(t, protocol.IsCode(err, protocol.CodeUnknownKey))

	// Server keys resolve for every tenant.
	_, err = reg.Lookup("tenant-b", "server-1")
	require.NoError(t, err)

	keys := reg.PublicKeys("tenant-b")
	assert.Contains(t, keys, "server-1")
	assert.NotContains(t, keys, "robot-a")
}
