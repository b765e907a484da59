package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetricsOptions configures the HTTP metrics middleware.
type HTTPMetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
	Subsystem  string
	Buckets    []float64
}

// HTTPMetrics exposes Prometheus collectors for request instrumentation.
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTPMetrics constructs collectors for HTTP request metrics and registers them with the provided registerer.
func NewHTTPMetrics(opts HTTPMetricsOptions) (*HTTPMetrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "sso"
	}

	subsystem := opts.Subsystem
	if subsystem == "" {
		subsystem = "http"
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}
	}

	labels := []string{"method", "route", "status"}
	m := &HTTPMetrics{}
	var err error

	if m.Requests, err = registerCollector(reg, "requests", prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "requests_total",
		Help:      "Total number of HTTP requests partitioned by method, route, and status code.",
	}, labels)); err != nil {
		return nil, err
	}

	if m.Duration, err = registerCollector(reg, "duration", prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "request_duration_seconds",
		Help:      "Histogram of HTTP request latencies in seconds partitioned by method, route, and status code.",
		Buckets:   buckets,
	}, labels)); err != nil {
		return nil, err
	}

	if m.InFlight, err = registerCollector(reg, "inflight", prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "requests_in_flight",
		Help:      "Number of HTTP requests currently being served.",
	})); err != nil {
		return nil, err
	}

	return m, nil
}

func registerCollector[T prometheus.Collector](reg prometheus.Registerer, name string, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return collector, fmt.Errorf("register %s collector: %w", name, err)
	}
	existing, ok := already.ExistingCollector.(T)
	if !ok {
		return collector, fmt.Errorf("existing %s collector has unexpected type %T", name, already.ExistingCollector)
	}
	return existing, nil
}

// Handler returns a Gin middleware that records the HTTP metrics.
func (m *HTTPMetrics) Handler() gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		start := time.Now()
		m.InFlight.Inc()
		defer m.InFlight.Dec()

		c.Next()

		labels := prometheus.Labels{
			"method": c.Request.Method,
			"route":  routeLabel(c),
			"status": strconv.Itoa(c.Writer.Status()),
		}
		m.Requests.With(labels).Inc()
		m.Duration.With(labels).Observe(time.Since(start).Seconds())
	}
}
