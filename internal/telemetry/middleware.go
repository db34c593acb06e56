package telemetry

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// untracedPrefixes are scraped or polled too often to be worth a span
var untracedPrefixes = []string{"/metrics", "/health"}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// WrapHTTP wraps an HTTP handler with a server span. Once the mux has
// matched, the span is renamed after the route pattern.
func (t *Telemetry) WrapHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range untracedPrefixes {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ctx, span := t.StartHTTPServerSpan(r)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(ctx)

		next.ServeHTTP(sw, req)

		if req.Pattern != "" {
			span.SetName(req.Pattern)
			span.SetAttributes(attribute.String("http.route", req.Pattern))
		}
		EndHTTPServerSpan(span, sw.status)
	})
}
