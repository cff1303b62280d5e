package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nooterra/nooterra/pkg/events"
	"github.com/nooterra/nooterra/pkg/protocol"
	"github.com/nooterra/nooterra/pkg/store"
	"github.com/nooterra/nooterra/pkg/tenants"
)

// ssePollInterval is the fallback cadence for stores without a Watcher.
const ssePollInterval = 500 * time.Millisecond

// handleEventStream streams a session's event chain as SSE. A client
// reconnecting with Last-Event-ID resumes after that event; the framing is
// one frame per event: "event: <type>\nid: <eventId>\ndata: <json>\n\n".
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	tenantID, err := tenants.Require(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, r, protocol.NewError(protocol.CodeInternal, "streaming is not supported on this connection"))
		return
	}
	streamID := "session:" + chi.URLParam(r, "sessionID")
	lastEventID := r.Header.Get("Last-Event-ID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": stream open\n\n")
	flusher.Flush()

	ctx := r.Context()

	// Backlog: everything already on the chain, minus what the client saw.
	backlog, err := s.Store.GetEvents(ctx, tenantID, streamID, nil)
	if err != nil && !protocol.IsCode(err, protocol.CodeNotFound) {
		return
	}
	skipping := lastEventID != ""
	var lastChainHash *string
	for _, evt := range backlog {
		h := evt.ChainHash
		lastChainHash = &h
		if skipping {
			if evt.ID == lastEventID {
				skipping = false
			}
			continue
		}
		if err := writeSSE(w, evt); err != nil {
			return
		}
	}
	flusher.Flush()

	// Live tail: push-based when the store can watch, polling otherwise.
	if watcher, ok := s.Store.(store.Watcher); ok {
		ch, cancel := watcher.Subscribe(ctx, tenantID, streamID)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, open := <-ch:
				if !open {
					return
				}
				if err := writeSSE(w, evt); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}

	ticker := time.NewTicker(ssePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fresh, err := s.Store.GetEvents(ctx, tenantID, streamID, lastChainHash)
			if err != nil {
				if protocol.IsCode(err, protocol.CodeNotFound) {
					continue
				}
				return
			}
			for _, evt := range fresh {
				h := evt.ChainHash
				lastChainHash = &h
				if err := writeSSE(w, evt); err != nil {
					return
				}
			}
			if len(fresh) > 0 {
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, evt *events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", evt.Type, evt.ID, data)
	return err
}
