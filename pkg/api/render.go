// Package api is the HTTP surface of the control plane: a chi router over
// the engine packages, with tenant auth, protocol gating, per-tenant rate
// limiting, schema validation, idempotent writes, and SSE streams.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nooterra/nooterra/pkg/protocol"
)

// writeSuccess renders the {ok, requestId, body} envelope.
func writeSuccess(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.SuccessEnvelope{
		OK:        true,
		RequestID: requestID(r),
		Body:      body,
	})
}

// writeRaw replays a pre-encoded envelope byte-for-byte.
func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeErr renders a typed protocol error, or a sanitized 500 for anything
// else. Internal causes are logged, never exposed.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	pe, ok := protocol.AsError(err)
	if !ok {
		slog.Error("internal server error",
			"path", r.URL.Path,
			"requestId", requestID(r),
			"error", err)
		pe = protocol.NewError(protocol.CodeInternal, "an unexpected error occurred")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(pe.Status)
	_ = json.NewEncoder(w).Encode(protocol.ErrorEnvelope{
		Code:      pe.Code,
		Message:   pe.Message,
		Details:   pe.Details,
		RequestID: requestID(r),
	})
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return id
	}
	return r.Header.Get(protocol.HeaderRequestID)
}
