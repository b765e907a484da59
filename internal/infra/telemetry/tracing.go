package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/sso-ticket-registry/internal/infra/config"
)

const (
	defaultServiceName = "sso-ticket-registry"
	exportTimeout      = 10 * time.Second
)

// TracerProvider owns the OTLP span pipeline for one registry node.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	logger   *zap.Logger
}

// NewTracerProvider exports spans over OTLP/HTTP and installs the provider and W3C propagator globally.
func NewTracerProvider(ctx context.Context, cfg config.TelemetrySettings, nodeID string, logger *zap.Logger) (*TracerProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	exporter, err := otlptracehttp.New(ctx, exporterOptions(cfg.OTLPEndpoint)...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := nodeResource(ctx, cfg.ServiceName, nodeID)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("span export enabled",
		zap.String("otlp_endpoint", cfg.OTLPEndpoint),
		zap.Float64("sampling_rate", cfg.SamplingRate),
	)

	return &TracerProvider{provider: tp, logger: logger}, nil
}

func nodeResource(ctx context.Context, serviceName, nodeID string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceInstanceID(nodeID),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// sampler follows the caller's sampling decision and applies the ratio to root spans only.
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// exporterOptions accepts either a bare host:port or a full URL.
func exporterOptions(endpoint string) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(exportTimeout)}
	if strings.Contains(endpoint, "://") {
		return append(opts, otlptracehttp.WithEndpointURL(endpoint))
	}
	return append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
}

func (tp *TracerProvider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return tp.provider.Tracer(name, opts...)
}

// Shutdown flushes buffered spans and stops the exporter.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, exportTimeout)
	defer cancel()

	if err := tp.provider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	tp.logger.Debug("span exporter stopped")
	return nil
}
