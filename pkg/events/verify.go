package events

import (
	"fmt"

	"github.com/nooterra/nooterra/pkg/canonical"
	"github.com/nooterra/nooterra/pkg/crypto"
)

// VerifyResult reports the outcome of a chain replay.
type VerifyResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	At    int    `json:"at,omitempty"` // index of the offending event
}

// VerifyChain recomputes every payload hash, chain hash, and signature in a
// contiguous stream slice. publicKeyByKeyID may be nil when no event in the
// stream is signed.
func VerifyChain(chain []*Event, publicKeyByKeyID map[string]string) VerifyResult {
	var prev *string
	for i, e := range chain {
		payloadHash, err := canonical.Hash(e.Payload)
		if err != nil {
			return fail(i, "payload not canonicalizable: %v", err)
		}
		if payloadHash != e.PayloadHash {
			return fail(i, "payloadHash mismatch: computed %s, stored %s", payloadHash, e.PayloadHash)
		}
		if (prev == nil) != (e.PrevChainHash == nil) || (prev != nil && *prev != *e.PrevChainHash) {
			return fail(i, "prevChainHash does not link to predecessor")
		}
		chainHash, err := ChainHash(e.PrevChainHash, e.ID, e.Type, e.At, e.StreamID, e.PayloadHash)
		if err != nil {
			return fail(i, "chain hash: %v", err)
		}
		if chainHash != e.ChainHash {
			return fail(i, "chainHash mismatch: computed %s, stored %s", chainHash, e.ChainHash)
		}
		if e.Signature != "" {
			pem, ok := publicKeyByKeyID[e.SignerKeyID]
			if !ok {
				return fail(i, "unknown signer key %s", e.SignerKeyID)
			}
			ok, err := crypto.Verify(e.ChainHash, e.Signature, pem)
			if err != nil {
				return fail(i, "signature verify: %v", err)
			}
			if !ok {
				return fail(i, "signature invalid for key %s", e.SignerKeyID)
			}
		}
		prev = &e.ChainHash
	}
	return VerifyResult{OK: true}
}

func fail(at int, format string, args ...any) VerifyResult {
	return VerifyResult{OK: false, Error: fmt.Sprintf(format, args...), At: at}
}
