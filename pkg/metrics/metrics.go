package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Rate limiter metrics
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosterd_rate_limit_allowed_total",
			Help: "Total number of requests admitted by the rate limiter, by tier",
		},
		[]string{"tier"},
	)

	RateLimitDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosterd_rate_limit_denied_total",
			Help: "Total number of requests denied by the rate limiter, by tier and gate",
		},
		[]string{"tier", "gate"},
	)

	RateLimitStoreErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rosterd_rate_limit_store_errors_total",
			Help: "Total number of rate limit checks that failed open due to store errors",
		},
	)

	RateLimitCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rosterd_rate_limit_check_duration_seconds",
			Help:    "Rate limit check duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Throttler metrics
	ThrottleAllowed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rosterd_throttle_allowed_total",
			Help: "Total number of requests admitted by the throttler",
		},
	)

	ThrottleQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rosterd_throttle_queued_total",
			Help: "Total number of requests queued by the throttler",
		},
	)

	ThrottleRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosterd_throttle_rejected_total",
			Help: "Total number of requests rejected by the throttler, by priority",
		},
		[]string{"priority"},
	)

	ThrottleTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rosterd_throttle_timeouts_total",
			Help: "Total number of queued requests that timed out waiting for a slot",
		},
	)

	ThrottleActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rosterd_throttle_active_requests",
			Help: "Number of requests currently holding a throttle slot",
		},
	)

	ThrottleQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rosterd_throttle_queued_requests",
			Help: "Number of requests currently waiting in the throttle queue",
		},
	)

	ThrottleWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rosterd_throttle_wait_duration_seconds",
			Help:    "Time requests spend waiting in the throttle queue in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Load balancer metrics
	LBRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosterd_lb_requests_total",
			Help: "Total number of load balanced requests, by service",
		},
		[]string{"service"},
	)

	LBRequestsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosterd_lb_requests_failed_total",
			Help: "Total number of load balanced requests that failed all attempts, by service",
		},
		[]string{"service"},
	)

	LBFailovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosterd_lb_failovers_total",
			Help: "Total number of failover attempts to an alternate instance, by service",
		},
		[]string{"service"},
	)

	LBHealthyInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rosterd_lb_healthy_instances",
			Help: "Number of healthy instances per service",
		},
		[]string{"service"},
	)

	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rosterd_probe_duration_seconds",
			Help:    "Health probe duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Job scheduler metrics
	JobRunsSucceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosterd_job_runs_succeeded_total",
			Help: "Total number of successful job executions, by job name",
		},
		[]string{"job"},
	)

	JobRunsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosterd_job_runs_failed_total",
			Help: "Total number of failed job executions, by job name",
		},
		[]string{"job"},
	)

	JobRunsMissed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosterd_job_runs_missed_total",
			Help: "Total number of job firings skipped past the misfire grace, by job name",
		},
		[]string{"job"},
	)

	JobRunsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosterd_job_runs_dropped_total",
			Help: "Total number of job firings dropped at the max-instances cap, by job name",
		},
		[]string{"job"},
	)

	JobsEnabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rosterd_jobs_enabled",
			Help: "Number of enabled scheduled jobs",
		},
	)

	// Solver metrics
	SolverIterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rosterd_solver_iteration_duration_seconds",
			Help:    "Solver search iteration duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)

	SolverRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosterd_solver_runs_total",
			Help: "Total number of solver runs, by terminal status",
		},
		[]string{"status"},
	)
)

// Register registers all metrics with Prometheus
func Register() {
	prometheus.MustRegister(
		RateLimitAllowed,
		RateLimitDenied,
		RateLimitStoreErrors,
		RateLimitCheckDuration,
		ThrottleAllowed,
		ThrottleQueued,
		ThrottleRejected,
		ThrottleTimeouts,
		ThrottleActive,
		ThrottleQueueDepth,
		ThrottleWaitDuration,
		LBRequestsTotal,
		LBRequestsFailed,
		LBFailovers,
		LBHealthyInstances,
		ProbeDuration,
		JobRunsSucceeded,
		JobRunsFailed,
		JobRunsMissed,
		JobRunsDropped,
		JobsEnabled,
		SolverIterationDuration,
		SolverRunsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
