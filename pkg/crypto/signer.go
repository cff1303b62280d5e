// Package crypto provides Ed25519 signing and verification over canonical
// content hashes, plus the key registry that governs which keys may sign.
//
// Signatures always cover the raw 32-byte decode of a SHA-256 hex digest,
// never the document bytes themselves. The purpose tag is recorded alongside
// the signature for audit; it is not mixed into the signed bytes.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/nooterra/nooterra/pkg/protocol"
)

// Purpose tags the intent of a signature.
type Purpose string

const (
	PurposeVerificationReport    Purpose = "verification_report"
	PurposeBundleHeadAttestation Purpose = "bundle_head_attestation"
	PurposeArbitrationVerdict    Purpose = "arbitration_verdict"
	PurposeAcceptance            Purpose = "acceptance"
	PurposeEventChain            Purpose = "event_chain"
	PurposeSettlementDecision    Purpose = "settlement_decision"
)

// Signature is the recorded output of a signing operation.
type Signature struct {
	KeyID     string  `json:"keyId"`
	Purpose   Purpose `json:"purpose"`
	Signature string  `json:"signature"` // base64
	Context   string  `json:"context,omitempty"`
}

// Signer holds a private key able to sign content hashes.
type Signer struct {
	KeyID   string
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewSigner generates a fresh Ed25519 signer.
func NewSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Signer{KeyID: keyID, private: priv, public: pub}, nil
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(keyID string, priv ed25519.PrivateKey) *Signer {
	return &Signer{KeyID: keyID, private: priv, public: priv.Public().(ed25519.PublicKey)}
}

// PublicKey returns the raw public key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.public }

// PublicKeyPEM returns the signer's public key in PKIX PEM form.
func (s *Signer) PublicKeyPEM() (string, error) {
	return EncodePublicKeyPEM(s.public)
}

// Sign signs the raw 32-byte decode of hashHex and returns the base64
// signature wrapped in its audit record.
func (s *Signer) Sign(hashHex string, purpose Purpose, context string) (*Signature, error) {
	raw, err := decodeHash(hashHex)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(s.private, raw)
	return &Signature{
		KeyID:     s.KeyID,
		Purpose:   purpose,
		Signature: base64.StdEncoding.EncodeToString(sig),
		Context:   context,
	}, nil
}

func decodeHash(hashHex string) ([]byte, error) {
	raw, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeSHA256FieldInvalid, "hash is not hex: %v", err)
	}
	if len(raw) != 32 {
		return nil, protocol.Errorf(protocol.CodeSHA256FieldInvalid, "hash must be 32 bytes, got %d", len(raw))
	}
	return raw, nil
}
