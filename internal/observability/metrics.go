package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_api_requests_total",
			Help: "Total API requests",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "campaign_api_request_duration_seconds",
		Help:    "Request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "campaign_api_in_flight",
		Help: "In-flight HTTP requests",
	})
	RequestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_api_request_errors_total",
			Help: "Total errors by type",
		}, []string{"type"},
	)

	AudienceResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audience_resolutions_total",
			Help: "Audience resolutions by source",
		}, []string{"source"},
	)
	AudienceWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audience_unknown_customer_ids_total",
		Help: "Explicit customer ids dropped because the store did not know them",
	})

	DispatchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_runs_total",
			Help: "Finished dispatch runs by terminal status",
		}, []string{"status"},
	)
	ActiveRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_active_runs",
		Help: "Dispatch runs currently holding a campaign lock",
	})
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_deliveries_total",
			Help: "Per-recipient delivery outcomes",
		}, []string{"outcome"},
	)
	SendRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_send_retries_total",
		Help: "Sender calls retried after a transient error",
	})
	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_batch_duration_seconds",
		Help:    "Time to deliver one batch",
		Buckets: prometheus.DefBuckets,
	})
	PersistRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_persist_retries_total",
		Help: "Campaign store writes retried",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, Latency, InFlight, RequestErrors,
		AudienceResolutions, AudienceWarnings,
		DispatchRuns, ActiveRuns, Deliveries, SendRetries, BatchDuration, PersistRetries,
	)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code)).Inc()
	})
}
