// Package metrics provides Prometheus metrics for the authorization server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outpost_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	loginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_login_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"status"}, // "success", "failure", "locked"
	)

	accountLockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_account_lockouts_total",
			Help: "Total number of account lockouts",
		},
	)

	tokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_tokens_issued_total",
			Help: "Total number of tokens issued",
		},
		[]string{"grant_type"},
	)

	tokenIntrospectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_token_introspections_total",
			Help: "Total number of token introspection requests",
		},
		[]string{"active"},
	)

	tokenRevocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_token_revocations_total",
			Help: "Total number of token revocation requests",
		},
	)

	authCodesIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_auth_codes_issued_total",
			Help: "Total number of authorization codes issued",
		},
	)

	cascadeDeletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_cascade_deletions_total",
			Help: "Total number of cascading catalog deletions",
		},
		[]string{"kind"}, // "client" or "scope"
	)

	rateLimitExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_rate_limit_exceeded_total",
			Help: "Total number of rate limit exceeded events",
		},
		[]string{"endpoint"},
	)
)

// RecordLogin records a login attempt.
func RecordLogin(status string) {
	loginAttemptsTotal.WithLabelValues(status).Inc()
}

// RecordAccountLockout records an account lockout.
func RecordAccountLockout() {
	accountLockoutsTotal.Inc()
}

// RecordTokenIssued records a token issuance per grant type.
func RecordTokenIssued(grantType string) {
	tokensIssuedTotal.WithLabelValues(grantType).Inc()
}

// RecordTokenIntrospection records a token introspection outcome.
func RecordTokenIntrospection(active bool) {
	tokenIntrospectionsTotal.WithLabelValues(strconv.FormatBool(active)).Inc()
}

// RecordTokenRevocation records a token revocation.
func RecordTokenRevocation() {
	tokenRevocationsTotal.Inc()
}

// RecordAuthCodeIssued records an authorization code being issued.
func RecordAuthCodeIssued() {
	authCodesIssuedTotal.Inc()
}

// RecordCascadeDeletion records a cascading client or scope deletion.
func RecordCascadeDeletion(kind string) {
	cascadeDeletionsTotal.WithLabelValues(kind).Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event.
func RecordRateLimitExceeded(endpoint string) {
	rateLimitExceededTotal.WithLabelValues(endpoint).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and duration per method and path.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath collapses unknown paths to keep label cardinality bounded.
func normalizePath(path string) string {
	knownPaths := []string{
		"/healthz",
		"/readyz",
		"/metrics",
		"/login",
		"/logout",
		"/password",
		"/oauth/authorize",
		"/oauth/token",
		"/oauth/revoke",
		"/oauth/introspect",
		"/.well-known/oauth-authorization-server",
		"/.well-known/jwks.json",
	}

	for _, known := range knownPaths {
		if path == known {
			return path
		}
	}
	if len(path) >= 7 && path[:7] == "/admin/" {
		return "/admin"
	}
	return "/other"
}
