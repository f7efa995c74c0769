package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the service collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rewards",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rewards",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rewards",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rewards",
			Subsystem: "settlement",
			Name:      "mutations_total",
			Help:      "Balance mutations by entry type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	settlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rewards",
			Subsystem: "settlement",
			Name:      "apply_duration_seconds",
			Help:      "Duration of one settlement including lock wait.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"type"},
	)

	deposits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rewards",
			Subsystem: "deposits",
			Name:      "submissions_total",
			Help:      "Deposit submissions by outcome.",
		},
		[]string{"outcome"},
	)

	accrualPositions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rewards",
			Subsystem: "accrual",
			Name:      "positions_total",
			Help:      "Accrual results per position.",
		},
		[]string{"kind", "result"},
	)

	commissionLevels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rewards",
			Subsystem: "commission",
			Name:      "payouts_total",
			Help:      "Commission payouts by outcome.",
		},
		[]string{"outcome"},
	)

	anomalies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rewards",
			Subsystem: "reconciliation",
			Name:      "anomalies",
			Help:      "Anomalies found by the last reconciliation run.",
		},
		[]string{"kind"},
	)

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rewards",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduler job runs.",
		},
		[]string{"job", "success"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rewards",
			Subsystem: "scheduler",
			Name:      "job_run_duration_seconds",
			Help:      "Duration of scheduler job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"job"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		settlements,
		settlementDuration,
		deposits,
		accrualPositions,
		commissionLevels,
		anomalies,
		jobRuns,
		jobDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts and latency labelled by the chi
// route pattern, so path parameters do not explode label cardinality.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func RecordSettlement(entryType, outcome string, duration time.Duration) {
	settlements.WithLabelValues(entryType, outcome).Inc()
	settlementDuration.WithLabelValues(entryType).Observe(duration.Seconds())
}

func RecordDeposit(outcome string) {
	deposits.WithLabelValues(outcome).Inc()
}

func RecordAccrual(kind, result string) {
	accrualPositions.WithLabelValues(kind, result).Inc()
}

func RecordCommission(outcome string) {
	commissionLevels.WithLabelValues(outcome).Inc()
}

// SetAnomalies replaces the anomaly gauge with the counts of the latest run.
func SetAnomalies(counts map[string]int) {
	anomalies.Reset()
	for kind, n := range counts {
		anomalies.WithLabelValues(kind).Set(float64(n))
	}
}

func RecordJob(job string, duration time.Duration, success bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	jobRuns.WithLabelValues(job, strconv.FormatBool(success)).Inc()
	jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}
