package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/medforge/internal/api/shared"
)

// NewTraceMiddleware adds a trace ID to each request context and logs the
// request with it. Apply it early so later handlers can read the ID.
func NewTraceMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.SetTraceID(r.Context())
			w.Header().Set("X-Trace-ID", shared.GetTraceID(ctx))

			logger.DebugContext(ctx, "request started",
				slog.String("trace_id", shared.GetTraceID(ctx)),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
