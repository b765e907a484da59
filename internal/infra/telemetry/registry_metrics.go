package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/usecase"
)

// RegistryMetricsOptions controls construction of ticket registry collectors.
type RegistryMetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
	Buckets    []float64
}

// RegistryMetrics implements usecase.RegistryMetrics with Prometheus collectors.
type RegistryMetrics struct {
	operations      *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	replication     *prometheus.CounterVec
	cleanerRuns     *prometheus.CounterVec
	cleanerRemoved  prometheus.Counter
	cleanerDuration prometheus.Histogram
	lockAttempts    *prometheus.CounterVec
}

var _ usecase.RegistryMetrics = (*RegistryMetrics)(nil)

// NewRegistryMetrics constructs collectors and registers them with the supplied registerer.
// Collectors already registered under the same name are reused.
func NewRegistryMetrics(opts RegistryMetricsOptions) (*RegistryMetrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "sso"
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}
	}

	m := &RegistryMetrics{}
	var err error

	if m.operations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "operations_total",
		Help:      "Ticket registry operations partitioned by operation, ticket kind and result.",
	}, []string{"op", "kind", "result"})); err != nil {
		return nil, err
	}

	if m.latency, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "operation_duration_seconds",
		Help:      "Ticket registry operation latency in seconds partitioned by operation.",
		Buckets:   buckets,
	}, []string{"op"})); err != nil {
		return nil, err
	}

	if m.replication, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "commands_total",
		Help:      "Replication commands partitioned by direction, operation and result.",
	}, []string{"direction", "op", "result"})); err != nil {
		return nil, err
	}

	if m.cleanerRuns, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cleaner",
		Name:      "runs_total",
		Help:      "Expired ticket cleaner runs partitioned by result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}

	if m.cleanerRemoved, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cleaner",
		Name:      "tickets_removed_total",
		Help:      "Tickets removed by the expired ticket cleaner.",
	})); err != nil {
		return nil, err
	}

	if m.cleanerDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cleaner",
		Name:      "run_duration_seconds",
		Help:      "Expired ticket cleaner run duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})); err != nil {
		return nil, err
	}

	if m.lockAttempts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cleaner",
		Name:      "lock_attempts_total",
		Help:      "Cleaner lock acquisition attempts partitioned by result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *RegistryMetrics) ObserveOperation(op string, kind domain.Kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, kindLabel(kind), result).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *RegistryMetrics) IncReplication(direction string, op domain.CommandOp, result string) {
	if m == nil {
		return
	}
	m.replication.WithLabelValues(direction, string(op), result).Inc()
}

func (m *RegistryMetrics) ObserveCleanerRun(result string, removed int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.cleanerRuns.WithLabelValues(result).Inc()
	if removed > 0 {
		m.cleanerRemoved.Add(float64(removed))
	}
	m.cleanerDuration.Observe(elapsed.Seconds())
}

func (m *RegistryMetrics) IncLockAttempt(result string) {
	if m == nil {
		return
	}
	m.lockAttempts.WithLabelValues(result).Inc()
}

func kindLabel(kind domain.Kind) string {
	if !kind.Valid() {
		return "unknown"
	}
	return string(kind)
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return collector, fmt.Errorf("register collector: %w", err)
		}
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return existing, nil
	}
	return collector, nil
}
