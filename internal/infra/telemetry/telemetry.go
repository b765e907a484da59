package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/sso-ticket-registry/internal/infra/config"
)

// Provider represents a telemetry provider handle.
type Provider struct {
	registry *prometheus.Registry
	metrics  *RegistryMetrics
	tracing  *TracerProvider
}

// Attach configures telemetry exporters and returns a provider handle. Tracing is only
// enabled when an OTLP endpoint is configured.
func Attach(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics, err := NewRegistryMetrics(RegistryMetricsOptions{Registerer: registry})
	if err != nil {
		return nil, err
	}

	provider := &Provider{registry: registry, metrics: metrics}

	if cfg.Telemetry.OTLPEndpoint != "" {
		tracing, err := NewTracerProvider(ctx, cfg.Telemetry, cfg.App.NodeID, logger)
		if err != nil {
			return nil, err
		}
		provider.tracing = tracing
	}

	return provider, nil
}

// Registerer exposes the Prometheus registerer for additional collectors.
func (p *Provider) Registerer() prometheus.Registerer {
	return p.registry
}

// Gatherer exposes the Prometheus gatherer backing /metrics.
func (p *Provider) Gatherer() prometheus.Gatherer {
	return p.registry
}

// Tracer returns a tracer from the exporting provider, or the global one when tracing is off.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p == nil || p.tracing == nil {
		return otel.Tracer(name)
	}
	return p.tracing.Tracer(name)
}

// Metrics returns the ticket registry collectors.
func (p *Provider) Metrics() *RegistryMetrics {
	return p.metrics
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tracing == nil {
		return nil
	}
	return p.tracing.Shutdown(ctx)
}
