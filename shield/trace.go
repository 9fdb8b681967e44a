package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/flagswap/idgen"
	"github.com/hazyhaar/flagswap/kit"
)

var traceIDs = idgen.Short(8)

// TraceID gives each request a trace id, echoed in X-Trace-ID and carried
// in the context together with a per-request logger. An incoming
// X-Trace-ID is kept, as is one set by an outer TraceID.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if kit.GetTraceID(r.Context()) != "" {
			next.ServeHTTP(w, r)
			return
		}
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" || len(traceID) > 64 {
			traceID = traceIDs()
		}

		ctx := kit.WithTraceID(r.Context(), traceID)
		ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
		w.Header().Set("X-Trace-ID", traceID)

		logger := slog.Default().With(
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("request", "remote_addr", r.RemoteAddr)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
