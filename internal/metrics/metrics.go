// Package metrics generalizes metrics.go's struct-of-vectors-plus-
// MustRegister pattern to the crawl scheduling core: scheduler due-counts,
// discovery method effectiveness, verifier outcomes, work-queue
// lease/cooldown/pause gauges, extraction outcomes, and housekeeper sweep
// counts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the single registry-backed struct every component records
// into, mirroring the PrometheusMetrics struct-of-vectors pattern.
type Metrics struct {
	SchedulerDueTotal      *prometheus.CounterVec
	SchedulerForceAllTotal prometheus.Counter

	DiscoveryAttemptsTotal   *prometheus.CounterVec
	DiscoveryArticlesFound   *prometheus.CounterVec
	DiscoveryResponseSeconds *prometheus.HistogramVec
	RSSMissingSourcesGauge   prometheus.Gauge

	VerifierAttemptsTotal    *prometheus.CounterVec
	VerifierResponseSeconds  prometheus.Histogram

	QueueLeasedDomainsGauge  prometheus.Gauge
	QueuePausedDomainsGauge  prometheus.Gauge
	QueueCooldownSkipsTotal  prometheus.Counter
	QueueWorkerReclaimsTotal prometheus.Counter
	QueueRequestsServedTotal *prometheus.CounterVec

	ExtractionOutcomesTotal    *prometheus.CounterVec
	ExtractionSilentCommitTotal prometheus.Counter

	HousekeeperSweepTotal *prometheus.CounterVec

	CircuitBreakerStateGauge *prometheus.GaugeVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestSeconds  *prometheus.HistogramVec

	CoordinatorUnreachableTotal prometheus.Counter
	StorePingFailuresTotal      prometheus.Counter
}

// New constructs every metric and registers it against the default
// registry, the same way NewPrometheusMetrics does.
func New() *Metrics {
	m := &Metrics{
		SchedulerDueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newscrawl_scheduler_due_total",
			Help: "Sources returned as due by the scheduler's due-decision rule.",
		}, []string{"forced"}),
		SchedulerForceAllTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newscrawl_scheduler_force_all_total",
			Help: "Number of force-all scheduling passes.",
		}),
		DiscoveryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newscrawl_discovery_attempts_total",
			Help: "Discovery method attempts by method and outcome.",
		}, []string{"method", "status"}),
		DiscoveryArticlesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newscrawl_discovery_articles_found_total",
			Help: "Candidate links produced per discovery method.",
		}, []string{"method"}),
		DiscoveryResponseSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newscrawl_discovery_response_seconds",
			Help:    "Discovery method response latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		RSSMissingSourcesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "newscrawl_rss_missing_sources",
			Help: "Sources currently flagged rss_missing.",
		}),
		VerifierAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newscrawl_verifier_attempts_total",
			Help: "Verifier attempts by outcome.",
		}, []string{"outcome"}),
		VerifierResponseSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newscrawl_verifier_response_seconds",
			Help:    "Verifier HEAD/GET probe latency.",
			Buckets: prometheus.DefBuckets,
		}),
		QueueLeasedDomainsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "newscrawl_queue_leased_domains",
			Help: "Domains currently leased to a worker.",
		}),
		QueuePausedDomainsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "newscrawl_queue_paused_domains",
			Help: "Domains currently paused after repeated failures.",
		}),
		QueueCooldownSkipsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newscrawl_queue_cooldown_skips_total",
			Help: "request_work calls that skipped a domain still in cooldown.",
		}),
		QueueWorkerReclaimsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newscrawl_queue_worker_reclaims_total",
			Help: "Domains returned to the free pool after worker timeout.",
		}),
		QueueRequestsServedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newscrawl_queue_requests_served_total",
			Help: "request_work calls by whether any items were returned.",
		}, []string{"served"}),
		ExtractionOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newscrawl_extraction_outcomes_total",
			Help: "Extraction attempts by outcome.",
		}, []string{"outcome"}),
		ExtractionSilentCommitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newscrawl_extraction_silent_commit_total",
			Help: "Post-commit reads that found the row absent (S6).",
		}),
		HousekeeperSweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newscrawl_housekeeper_sweep_total",
			Help: "Rows affected per housekeeper sweep rule.",
		}, []string{"rule"}),
		CircuitBreakerStateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "newscrawl_circuit_breaker_state",
			Help: "Circuit breaker state by name (0=closed,1=half_open,2=open).",
		}, []string{"name"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newscrawl_http_requests_total",
			Help: "Coordinator RPC requests by route and status code.",
		}, []string{"route", "code"}),
		HTTPRequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newscrawl_http_request_seconds",
			Help:    "Coordinator RPC latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		CoordinatorUnreachableTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newscrawl_coordinator_unreachable_total",
			Help: "Worker coordinator requests that failed, plus worker starts without a coordinator URL.",
		}),
		StorePingFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newscrawl_store_ping_failures_total",
			Help: "Store health-check ping failures.",
		}),
	}

	prometheus.MustRegister(
		m.SchedulerDueTotal, m.SchedulerForceAllTotal,
		m.DiscoveryAttemptsTotal, m.DiscoveryArticlesFound, m.DiscoveryResponseSeconds, m.RSSMissingSourcesGauge,
		m.VerifierAttemptsTotal, m.VerifierResponseSeconds,
		m.QueueLeasedDomainsGauge, m.QueuePausedDomainsGauge, m.QueueCooldownSkipsTotal, m.QueueWorkerReclaimsTotal, m.QueueRequestsServedTotal,
		m.ExtractionOutcomesTotal, m.ExtractionSilentCommitTotal,
		m.HousekeeperSweepTotal,
		m.CircuitBreakerStateGauge,
		m.HTTPRequestsTotal, m.HTTPRequestSeconds,
		m.CoordinatorUnreachableTotal, m.StorePingFailuresTotal,
	)
	return m
}

// Handler exposes the registry for the coordinator's /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordBreakerState wires as the onTrip hook for circuitbreaker.NewManager.
func (m *Metrics) RecordBreakerState(name string, state string) {
	v := 0.0
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitBreakerStateGauge.WithLabelValues(name).Set(v)
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware wraps a handler, recording latency and status code by
// route, the same closure shape as HTTPMetricsMiddleware.
func (m *Metrics) HTTPMiddleware(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next(rw, r)
		m.HTTPRequestSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.HTTPRequestsTotal.WithLabelValues(route, http.StatusText(rw.status)).Inc()
	}
}
