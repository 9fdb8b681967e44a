package shield

import "net/http"

// HeaderConfig defines the security headers applied to every response.
type HeaderConfig struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
	CacheControl        string
}

// APIHeaders suits JSON endpoints: nothing may be framed, sniffed or cached.
func APIHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
		CacheControl:        "no-store",
	}
}

// SecurityHeaders returns middleware that sets the configured headers on
// every response.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for k, v := range map[string]string{
				"Content-Security-Policy": cfg.CSP,
				"X-Frame-Options":         cfg.XFrameOptions,
				"X-Content-Type-Options":  cfg.XContentTypeOptions,
				"Referrer-Policy":         cfg.ReferrerPolicy,
				"Cache-Control":           cfg.CacheControl,
			} {
				if v != "" {
					h.Set(k, v)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
