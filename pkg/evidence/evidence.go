// Package evidence — content-addressed storage for raw evidence payloads.
//
// Structured artifacts (pkg/artifacts) carry hashes of HTTP request and
// response bodies; the bodies themselves land here, keyed by their sha256.
// Refs use the form "evidence://sha256/<hex>".
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const refPrefix = "evidence://sha256/"

// BlobStore is the CAS contract. Put is idempotent: re-storing identical
// bytes returns the same ref.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
}

// Ref builds the evidence ref for a payload.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// RefForDigest rebuilds a ref from a hex digest.
func RefForDigest(digest string) string {
	return refPrefix + digest
}

// ParseRef extracts the hex digest from an evidence ref.
func ParseRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, refPrefix)
	if !ok {
		return "", fmt.Errorf("invalid evidence ref: %s", ref)
	}
	if len(raw) != 64 {
		return "", fmt.Errorf("invalid evidence ref digest length: %s", ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid evidence ref digest: %w", err)
	}
	return raw, nil
}
