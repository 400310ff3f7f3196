package http

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig controls cross-origin access to the browser-facing
// endpoints. Single-page apps exchange codes at /oauth/token from
// their own origin, so that endpoint (and the discovery documents)
// must answer preflights.
type CORSConfig struct {
	// AllowedOrigins lists origins permitted to call the API. A single
	// "*" entry allows any origin.
	AllowedOrigins []string

	// AllowCredentials permits cookies on cross-origin requests. Only
	// honored for explicitly listed origins, never for "*".
	AllowCredentials bool

	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

// Methods and headers the API actually uses; there is no per-route
// variation worth configuring.
const (
	corsMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsHeaders = "Authorization, Content-Type"
)

// CORSMiddleware answers preflights and stamps allowed responses with
// the CORS headers. Requests from unlisted origins pass through
// unstamped; the browser enforces the rest.
func CORSMiddleware(cfg *CORSConfig) func(http.Handler) http.Handler {
	if cfg == nil {
		cfg = &CORSConfig{}
	}

	allowAll := false
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[strings.ToLower(o)] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			ok := origin != "" && (allowAll || allowed[strings.ToLower(origin)])

			if ok {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				if cfg.AllowCredentials && !allowAll {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				if ok {
					h := w.Header()
					h.Set("Access-Control-Allow-Methods", corsMethods)
					h.Set("Access-Control-Allow-Headers", corsHeaders)
					if cfg.MaxAge > 0 {
						h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
					}
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// securityHeaders are stamped on every response. The API serves JSON
// only, so the CSP exists to neutralize anything that tricks a browser
// into rendering a response, and frame-ancestors blocks clickjacking
// against the authorize endpoint.
var securityHeaders = map[string]string{
	"Content-Security-Policy": "default-src 'self'; frame-ancestors 'none'",
	"X-Frame-Options":         "DENY",
	"X-Content-Type-Options":  "nosniff",
	"Referrer-Policy":         "strict-origin-when-cross-origin",
	"Permissions-Policy":      "geolocation=(), microphone=(), camera=()",
}

const hstsValue = "max-age=31536000; includeSubDomains"

// SecurityHeadersMiddleware stamps the standard security headers on
// every response. HSTS is added only on TLS connections. overrides
// replaces individual header values; an empty override drops the
// header.
func SecurityHeadersMiddleware(overrides map[string]string) func(http.Handler) http.Handler {
	headers := make(map[string]string, len(securityHeaders))
	for k, v := range securityHeaders {
		headers[k] = v
	}
	for k, v := range overrides {
		if v == "" {
			delete(headers, k)
			continue
		}
		headers[k] = v
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", hstsValue)
			}
			next.ServeHTTP(w, r)
		})
	}
}
