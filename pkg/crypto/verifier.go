package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
)

// Verify checks a base64 Ed25519 signature over the raw 32-byte decode of
// hashHex against a PEM-encoded public key.
func Verify(hashHex, signatureBase64, publicKeyPEM string) (bool, error) {
	raw, err := decodeHash(hashHex)
	if err != nil {
		return false, err
	}
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false, nil // malformed signature verifies false, not error
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(pub, raw, sig), nil
}
