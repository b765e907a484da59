package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestSamplerClampsRate(t *testing.T) {
	cases := []struct {
		rate float64
		want string
	}{
		{rate: 0, want: sdktrace.ParentBased(sdktrace.NeverSample()).Description()},
		{rate: 2, want: sdktrace.ParentBased(sdktrace.AlwaysSample()).Description()},
		{rate: 0.25, want: sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.25)).Description()},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, sampler(tc.rate).Description(), "rate %v", tc.rate)
	}
}

func TestNodeResourceCarriesInstanceID(t *testing.T) {
	res, err := nodeResource(context.Background(), "", "node-a")
	require.NoError(t, err)

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	require.Equal(t, "sso-ticket-registry", attrs[string(semconv.ServiceNameKey)])
	require.Equal(t, "node-a", attrs[string(semconv.ServiceInstanceIDKey)])
}

func TestExporterOptions(t *testing.T) {
	require.Len(t, exporterOptions("collector:4318"), 3)
	require.Len(t, exporterOptions("https://collector:4318/v1/traces"), 2)
}
