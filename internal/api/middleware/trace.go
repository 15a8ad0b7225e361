package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/docpipe/internal/api/shared"
	"github.com/phrazzld/docpipe/internal/platform/logger"
)

// TraceHeader echoes the request trace ID to the client.
const TraceHeader = "X-Trace-ID"

// Trace adds a trace ID to the request context and stores a request-scoped
// logger carrying it. Apply it before any middleware that logs.
func Trace(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.SetTraceID(r.Context())
			traceID := shared.GetTraceID(ctx)

			log := base.With(slog.String("trace_id", traceID))
			ctx = logger.WithLogger(ctx, log)

			log.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			w.Header().Set(TraceHeader, traceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
