package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nooterra/nooterra/pkg/evidence"
	"github.com/nooterra/nooterra/pkg/protocol"
)

// maxEvidenceBytes bounds a single raw evidence payload.
const maxEvidenceBytes = 8 << 20

// handleEvidenceUpload stores a raw evidence payload and returns its ref.
// Storage is content-addressed, so re-uploading identical bytes is naturally
// idempotent and bypasses the write pipeline.
func (s *Server) handleEvidenceUpload(w http.ResponseWriter, r *http.Request) {
	if _, ok := tenantOf(w, r); !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEvidenceBytes))
	if err != nil {
		writeErr(w, r, protocol.NewError(protocol.CodePayloadRequired, "unreadable evidence payload"))
		return
	}
	if len(data) == 0 {
		writeErr(w, r, protocol.NewError(protocol.CodePayloadRequired, "an evidence payload is required"))
		return
	}
	ref, err := s.Evidence.Put(r.Context(), data)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusCreated, map[string]any{
		"ref":   ref,
		"bytes": len(data),
	})
}

// handleEvidenceFetch streams a stored payload back by its sha256 digest.
func (s *Server) handleEvidenceFetch(w http.ResponseWriter, r *http.Request) {
	if _, ok := tenantOf(w, r); !ok {
		return
	}
	digest := strings.ToLower(chi.URLParam(r, "digest"))
	ref := evidence.RefForDigest(digest)
	if _, err := evidence.ParseRef(ref); err != nil {
		writeErr(w, r, protocol.NewError(protocol.CodeSHA256FieldInvalid, "digest must be 64 lowercase hex characters"))
		return
	}
	data, err := s.Evidence.Get(r.Context(), ref)
	if err != nil {
		writeErr(w, r, protocol.NewError(protocol.CodeNotFound, "no evidence stored under that digest"))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
