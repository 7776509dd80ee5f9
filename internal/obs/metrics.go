package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

// Sync engine metrics.
var (
	syncItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_items_total",
			Help: "Batch items by terminal outcome.",
		},
		[]string{"provider", "entity_type", "outcome"},
	)

	syncBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_batches_total",
			Help: "Batch runs by result.",
		},
		[]string{"provider", "result"},
	)

	providerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_duration_seconds",
			Help:    "Latency of outbound provider calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "op"},
	)

	credentialRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_refresh_total",
			Help: "Credential refresh attempts by result.",
		},
		[]string{"provider", "result"},
	)

	consentExpiryAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consent_expiry_alerts_total",
			Help: "Credentials flagged by the expiry sweep.",
		},
		[]string{"provider", "kind"},
	)

	reconcileResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_results_total",
			Help: "Reconciliation results by outcome.",
		},
		[]string{"result"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			syncItemsTotal, syncBatchesTotal, providerCallDuration,
			credentialRefreshTotal, consentExpiryAlertsTotal, reconcileResultsTotal,
		)
	})
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveProviderCall(provider, op string, d time.Duration) {
	providerCallDuration.WithLabelValues(provider, op).Observe(d.Seconds())
}

func SyncItem(provider, entityType, outcome string) {
	syncItemsTotal.WithLabelValues(provider, entityType, outcome).Inc()
}

func SyncBatch(provider, result string) {
	syncBatchesTotal.WithLabelValues(provider, result).Inc()
}

func CredentialRefresh(provider, result string) {
	credentialRefreshTotal.WithLabelValues(provider, result).Inc()
}

func ConsentExpiryAlert(provider, kind string) {
	consentExpiryAlertsTotal.WithLabelValues(provider, kind).Inc()
}

func ReconcileResults(result string, n int) {
	if n > 0 {
		reconcileResultsTotal.WithLabelValues(result).Add(float64(n))
	}
}

// CanonicalPath collapses ids out of request paths to keep label cardinality bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	// /v1/sync/records/{internal_id}
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "records" {
		return "/v1/sync/records/:id"
	}
	return p
}

// Instrument records RPS, latency and in-flight requests.
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

// statusWriter captures the response code for the request metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
