package obs

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "kh",
			Subsystem: "app",
			Name:      "info",
			Help:      "Static app info for deployment verification.",
		},
		[]string{"service", "version"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kh",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "route", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kh",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	harvestPagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kh",
			Subsystem: "harvest",
			Name:      "pages_total",
			Help:      "Order list page fetches by result.",
		},
		[]string{"result"},
	)
	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kh",
			Subsystem: "run",
			Name:      "orders_total",
			Help:      "Order detail fetches by result.",
		},
		[]string{"result"},
	)
	keysExtractedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kh",
			Subsystem: "run",
			Name:      "keys_extracted_total",
			Help:      "Keys extracted from order pages, repeats included.",
		},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kh",
			Subsystem: "run",
			Name:      "runs_total",
			Help:      "Finished runs by final status.",
		},
		[]string{"result"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kh",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Run duration in seconds.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400, 4800},
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		appInfo, httpRequestsTotal, httpRequestDuration,
		harvestPagesTotal, ordersTotal, keysExtractedTotal,
		runsTotal, runDuration,
	)
}

func SetAppInfo(service string) {
	svc := strings.TrimSpace(service)
	if svc == "" {
		svc = "keyharvest"
	}
	ver := strings.TrimSpace(os.Getenv("APP_VERSION"))
	if ver == "" {
		ver = "dev"
	}
	appInfo.WithLabelValues(svc, ver).Set(1)
}

// MetricsMiddleware records request count/latency.
func MetricsMiddleware(next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		route := normalizeRouteLabel(r.URL.Path)
		code := strconv.Itoa(rec.code)
		httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// RecordPage counts one order list fetch. result is ok, retry or error.
func RecordPage(result string) {
	harvestPagesTotal.WithLabelValues(result).Inc()
}

// RecordOrder counts one order detail fetch. result is one of keys, empty,
// skipped, unauthorized or error.
func RecordOrder(result string) {
	ordersTotal.WithLabelValues(result).Inc()
}

func AddKeys(n int) {
	if n > 0 {
		keysExtractedTotal.Add(float64(n))
	}
}

func RecordRun(status string, start time.Time) {
	runsTotal.WithLabelValues(status).Inc()
	runDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

func normalizeRouteLabel(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return "/"
	}
	// /runs/{runId}
	// /runs/{runId}/{action}
	if strings.HasPrefix(p, "/runs/") {
		rest := strings.TrimPrefix(p, "/runs/")
		parts := strings.Split(rest, "/")
		if len(parts) == 1 {
			return "/runs/:runId"
		}
		switch parts[1] {
		case "keys", "log", "export", "stop", "pause", "resume":
			return "/runs/:runId/" + parts[1]
		default:
			return "/runs/:runId/other"
		}
	}
	return p
}
