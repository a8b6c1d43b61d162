package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Auth engine metrics.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by result (success, failure).",
		},
		[]string{"result"},
	)

	tokenReuseTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_reuse_detected_total",
		Help: "Refresh-token reuse detections (each revokes an entire family).",
	})

	rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_rate_limited_total",
		Help: "Requests rejected by the login-attempt limiter.",
	})

	onetimeRedemptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_onetime_redemptions_total",
			Help: "One-time token redemptions by kind and result.",
		},
		[]string{"kind", "result"},
	)

	federationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_federation_failures_total",
			Help: "OAuth2 federation failures by provider and stage.",
		},
		[]string{"provider", "stage"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginsTotal, tokenReuseTotal, rateLimitedTotal,
		onetimeRedemptionsTotal, federationFailuresTotal,
	)
}

// Handler exposes the Prometheus endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountLogin records a login attempt outcome.
func CountLogin(result string) { loginsTotal.WithLabelValues(result).Inc() }

// CountTokenReuse records a refresh-token reuse detection.
func CountTokenReuse() { tokenReuseTotal.Inc() }

// CountRateLimited records a limiter rejection.
func CountRateLimited() { rateLimitedTotal.Inc() }

// CountOnetimeRedemption records a one-time token redemption outcome.
func CountOnetimeRedemption(kind, result string) {
	onetimeRedemptionsTotal.WithLabelValues(kind, result).Inc()
}

// CountFederationFailure records a failed federation stage for a provider.
func CountFederationFailure(provider, stage string) {
	federationFailuresTotal.WithLabelValues(provider, stage).Inc()
}

// CanonicalPath collapses per-provider OAuth paths into a single label so the
// metric cardinality stays bounded. Query strings are stripped.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	parts := strings.Split(p, "/")
	// /v1/auth/oauth/<provider>/{start,callback}
	if len(parts) == 6 && parts[1] == "v1" && parts[2] == "auth" && parts[3] == "oauth" {
		if parts[5] == "start" || parts[5] == "callback" {
			parts[4] = ":provider"
			return strings.Join(parts, "/")
		}
	}
	return p
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labeling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
