// Package pipeline — the idempotent write path.
//
// Every mutating request funnels through Execute: the handler builds an op
// batch, the pipeline fingerprints the request, replays a previously
// committed response byte-for-byte when the idempotency key repeats, and
// commits the batch plus the idempotency record in one transaction.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nooterra/nooterra/pkg/canonical"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/store"
)

// Fingerprint hashes the request identity. Two requests with the same key
// must carry the same method, path, and body to be considered retries.
func Fingerprint(method, path string, body []byte) (string, error) {
	var parsed any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			// Non-JSON bodies are fingerprinted by their raw hash.
			parsed = canonical.HashBytes(body)
		}
	}
	return canonical.Hash(map[string]any{
		"method": method,
		"path":   path,
		"body":   parsed,
	})
}

// Result is what a handler produces: the response to cache and the op batch
// to commit.
type Result struct {
	Status int
	Body   any
}

// Handler builds the op batch for one mutating request. It must not commit;
// the pipeline owns the transaction.
type Handler func(ctx context.Context) (*Result, []store.Op, error)

// Outcome is the committed (or replayed) response.
type Outcome struct {
	Status    int
	Body      []byte
	RequestID string
	Replayed  bool
}

// Pipeline executes mutating requests against the store.
type Pipeline struct {
	Store store.Store
	Log   *slog.Logger
}

// Request identifies one mutating call.
type Request struct {
	TenantID       string
	IdempotencyKey string // empty disables idempotency
	Method         string
	Path           string
	Body           []byte
	RequestID      string
	At             time.Time
}

// Execute runs the handler and commits its ops atomically. A repeated
// idempotency key with a matching fingerprint replays the stored response
// without invoking the handler; a different fingerprint is rejected.
func (p *Pipeline) Execute(ctx context.Context, req Request, h Handler) (*Outcome, error) {
	fp, err := Fingerprint(req.Method, req.Path, req.Body)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		rec, err := p.Store.LookupIdempotent(ctx, req.TenantID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			if rec.Fingerprint != fp {
				return nil, protocol.NewError(protocol.CodeIdempotencyKeyReused, "idempotency key was already used with a different request").
					WithDetail("idempotencyKey", req.IdempotencyKey)
			}
			if p.Log != nil {
				p.Log.Debug("idempotent replay",
					"tenantId", req.TenantID,
					"idempotencyKey", req.IdempotencyKey,
					"requestId", rec.RequestID)
			}
			return &Outcome{
				Status:    rec.Status,
				Body:      rec.ResponseBody,
				RequestID: rec.RequestID,
				Replayed:  true,
			}, nil
		}
	}

	res, ops, err := h(ctx)
	if err != nil {
		return nil, err
	}

	respBody, err := json.Marshal(protocol.SuccessEnvelope{
		OK:        true,
		RequestID: req.RequestID,
		Body:      res.Body,
	})
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "encode response: %v", err)
	}

	if req.IdempotencyKey != "" {
		ops = append(ops, store.Op{Kind: store.OpIdempotencyStore, Idempotency: &store.IdempotencyRecord{
			Key:          req.IdempotencyKey,
			Fingerprint:  fp,
			Status:       res.Status,
			ResponseBody: respBody,
			RequestID:    req.RequestID,
			CommittedAt:  req.At,
		}})
	}

	// A cancelled caller must not commit half-observed work.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.Store.CommitTx(ctx, store.Tx{TenantID: req.TenantID, At: req.At, Ops: ops}); err != nil {
		return nil, err
	}
	if p.Log != nil {
		p.Log.Info("committed",
			"tenantId", req.TenantID,
			"method", req.Method,
			"path", req.Path,
			"ops", len(ops),
			"requestId", req.RequestID)
	}
	return &Outcome{Status: res.Status, Body: respBody, RequestID: req.RequestID}, nil
}
