// Package metrics exposes Prometheus metrics for the HTTP layer and the
// deployment lifecycle.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "atlas"

var (
	httpBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

	// Deployments run from seconds to hours.
	deploymentBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200}
)

// =============================================================================
// Collector
// =============================================================================

// Collector owns a private registry and the metric vectors Atlas records.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	DeploymentsCreated   prometheus.Counter
	DeploymentsCompleted prometheus.Counter
	DeploymentDuration   prometheus.Histogram
	OperationErrors      *prometheus.CounterVec
}

// New creates a Collector with its own registry. Go runtime and process
// collectors are registered alongside the Atlas metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   httpBuckets,
		}, []string{"method", "route"}),
		DeploymentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployments",
			Name:      "created_total",
			Help:      "Number of deployment records created",
		}),
		DeploymentsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployments",
			Name:      "completed_total",
			Help:      "Number of deployment completions recorded",
		}),
		DeploymentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "deployments",
			Name:      "duration_seconds",
			Help:      "Derived duration of completed deployments",
			Buckets:   deploymentBuckets,
		}),
		OperationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deployments",
			Name:      "operation_errors_total",
			Help:      "Failed deployment operations by operation and error kind",
		}, []string{"operation", "kind"}),
	}

	reg.MustRegister(
		c.HTTPRequestsTotal,
		c.HTTPRequestDuration,
		c.DeploymentsCreated,
		c.DeploymentsCompleted,
		c.DeploymentDuration,
		c.OperationErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// =============================================================================
// Deployment Recorder
// =============================================================================

// DeploymentCreated counts a stored deployment.
func (c *Collector) DeploymentCreated() {
	c.DeploymentsCreated.Inc()
}

// DeploymentCompleted counts a completion and observes its duration when
// one was derived.
func (c *Collector) DeploymentCompleted(durationMilliseconds *int64) {
	c.DeploymentsCompleted.Inc()
	if durationMilliseconds != nil {
		c.DeploymentDuration.Observe(float64(*durationMilliseconds) / 1000)
	}
}

// OperationFailed counts a failed operation.
func (c *Collector) OperationFailed(operation, kind string) {
	c.OperationErrors.WithLabelValues(operation, kind).Inc()
}

// =============================================================================
// HTTP Middleware
// =============================================================================

// Middleware records request counts and latency labelled by the matched chi
// route pattern. Unmatched requests are labelled "unmatched".
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		c.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
