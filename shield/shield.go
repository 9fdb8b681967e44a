// Package shield is the HTTP middleware in front of the control API:
// security headers, request tracing and body limits.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.ControlStack() {
//	    r.Use(mw)
//	}
package shield

import "net/http"

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultMaxBody caps control request bodies.
const DefaultMaxBody = 64 << 10

// ControlStack returns the middleware for the control API, outermost first:
// SecurityHeaders → TraceID → MaxBody.
func ControlStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders(APIHeaders()),
		TraceID,
		MaxBody(DefaultMaxBody),
	}
}
