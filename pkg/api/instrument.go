package api

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
)

// statusRecorder captures the final status code. Flush passes through so the
// SSE endpoint keeps streaming behind the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument spans each request and records the request, error and duration
// instruments with method and path attributes.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, done := s.Obs.TrackRequest(r.Context(), r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("request.id", requestID(r)),
		)
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r.WithContext(ctx))
		var err error
		if ww.status >= http.StatusInternalServerError {
			err = fmt.Errorf("http %d", ww.status)
		}
		done(err)
	})
}
