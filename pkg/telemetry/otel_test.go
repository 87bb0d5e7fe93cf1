package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestTelemetrySetup(t *testing.T) {
	tel, err := Setup(Options{ServiceName: "test-service"})
	require.NoError(t, err)

	assert.NotNil(t, otel.GetTracerProvider())
	assert.NotNil(t, otel.GetMeterProvider())
	assert.NotNil(t, GetTracer("test-tracer"))
	assert.NotNil(t, GetMeter("test-meter"))
	require.NotNil(t, tel.Registry())

	holder := GetGlobalMetrics()
	holder.SetPositionSize("F.US.MGC", 2)
	holder.SetUnrealizedPnL("F.US.MGC", 45)
	holder.SetPendingRequests(3)
	holder.RecordRealizedPnL(context.Background(), "F.US.MGC", 45)

	families, err := tel.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names[MetricPositionSize], "position gauge exported")
	assert.True(t, names[MetricPendingRequests], "pending gauge exported")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestMetricsHolder_ClearPosition(t *testing.T) {
	holder := GetGlobalMetrics()
	holder.SetPositionSize("F.US.EP", -1)
	holder.ClearPosition("F.US.EP")

	_, ok := holder.GetPositionSize()["F.US.EP"]
	assert.False(t, ok)
}
