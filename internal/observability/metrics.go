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
			Name: "spotalert_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "spotalert_http_request_duration_seconds",
		Help:    "Request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spotalert_http_in_flight",
		Help: "In-flight HTTP requests",
	})

	SpotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotalert_spots_total",
			Help: "Spots received per source",
		}, []string{"source"},
	)
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotalert_alerts_total",
			Help: "Alerts handed to delivery per action",
		}, []string{"action"},
	)

	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "spotalert_match_duration_seconds",
		Help:    "Time to evaluate one query against the trigger index",
		Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
	})
	MatchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spotalert_match_errors_total",
		Help: "Queries that failed evaluation",
	})
	ReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotalert_reloads_total",
			Help: "Trigger reloads by result",
		}, []string{"result"},
	)
	TriggersLoaded = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spotalert_triggers_loaded",
		Help: "Triggers in the live generation per engine",
	}, []string{"engine"})

	DispatchPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spotalert_dispatch_pending",
		Help: "Dispatched queries awaiting a worker reply",
	})
	DispatchReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotalert_dispatch_replies_total",
			Help: "Dispatcher replies by outcome",
		}, []string{"outcome"},
	)

	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotalert_ratelimit_decisions_total",
			Help: "Rate limiter decisions",
		}, []string{"decision"},
	)
	QuorumObservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotalert_quorum_observations_total",
			Help: "Quorum gate outcomes per source",
		}, []string{"source", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, Latency, InFlight,
		SpotsTotal, AlertsTotal,
		MatchDuration, MatchErrors, ReloadsTotal, TriggersLoaded,
		DispatchPending, DispatchReplies,
		RateLimitDecisions, QuorumObservations,
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
