package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	DecisionsTotal          *prometheus.CounterVec
	DecisionDuration        prometheus.Histogram
	CrossTenantDenialsTotal *prometheus.CounterVec
	GrantCacheHitsTotal     *prometheus.CounterVec
	GrantCacheMissesTotal   *prometheus.CounterVec
	GrantCacheInvalidations prometheus.Counter

	// Invitation metrics
	InvitationTransitionsTotal *prometheus.CounterVec

	// Audit metrics
	AuditEntriesTotal     *prometheus.CounterVec
	AuditWriteErrorsTotal prometheus.Counter

	// Job metrics
	JobRunsTotal *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "porter_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "porter_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "porter_authz_decisions_total",
				Help: "Total number of permission decisions",
			},
			[]string{"category", "action", "result"},
		),
		DecisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "porter_authz_decision_duration_seconds",
				Help:    "Permission decision latency in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),
		CrossTenantDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "porter_cross_tenant_denials_total",
				Help: "Total number of rejected cross-organization requests",
			},
			[]string{"actor_type"},
		),
		GrantCacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "porter_grant_cache_hits_total",
				Help: "Total number of grant cache hits",
			},
			[]string{"backend"},
		),
		GrantCacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "porter_grant_cache_misses_total",
				Help: "Total number of grant cache misses",
			},
			[]string{"backend"},
		),
		GrantCacheInvalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "porter_grant_cache_invalidations_total",
				Help: "Total number of grant cache invalidations",
			},
		),

		InvitationTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "porter_invitation_transitions_total",
				Help: "Total number of invitation status transitions",
			},
			[]string{"from", "to"},
		),

		AuditEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "porter_audit_entries_total",
				Help: "Total number of audit entries written",
			},
			[]string{"action", "success"},
		),
		AuditWriteErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "porter_audit_write_errors_total",
				Help: "Total number of failed audit writes",
			},
		),

		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "porter_job_runs_total",
				Help: "Total number of scheduled job runs",
			},
			[]string{"job", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "porter_job_duration_seconds",
				Help:    "Scheduled job duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
			},
			[]string{"job"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DecisionsTotal,
		m.DecisionDuration,
		m.CrossTenantDenialsTotal,
		m.GrantCacheHitsTotal,
		m.GrantCacheMissesTotal,
		m.GrantCacheInvalidations,
		m.InvitationTransitionsTotal,
		m.AuditEntriesTotal,
		m.AuditWriteErrorsTotal,
		m.JobRunsTotal,
		m.JobDuration,
	)

	return m
}

// ObserveDecision records a permission decision
func (m *Metrics) ObserveDecision(category, action string, allowed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.DecisionsTotal.WithLabelValues(category, action, result).Inc()
	m.DecisionDuration.Observe(elapsed.Seconds())
}

// ObserveCache records a grant cache lookup
func (m *Metrics) ObserveCache(backend string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.GrantCacheHitsTotal.WithLabelValues(backend).Inc()
		return
	}
	m.GrantCacheMissesTotal.WithLabelValues(backend).Inc()
}

// ObserveCacheInvalidation records a grant cache invalidation
func (m *Metrics) ObserveCacheInvalidation() {
	if m == nil {
		return
	}
	m.GrantCacheInvalidations.Inc()
}

// ObserveCrossTenantDenial records a rejected cross-organization request
func (m *Metrics) ObserveCrossTenantDenial(actorType string) {
	if m == nil {
		return
	}
	m.CrossTenantDenialsTotal.WithLabelValues(actorType).Inc()
}

// ObserveTransition records an invitation status change
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.InvitationTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveAudit records an audit write
func (m *Metrics) ObserveAudit(action string, success bool, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.AuditWriteErrorsTotal.Inc()
		return
	}
	m.AuditEntriesTotal.WithLabelValues(action, strconv.FormatBool(success)).Inc()
}

// ObserveJob records a scheduled job run
func (m *Metrics) ObserveJob(job string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics. Requests are
// labelled by route template so ids in paths do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(serveMux *http.ServeMux, registry *prometheus.Registry) {
	serveMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
