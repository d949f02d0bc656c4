package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	a := NewMetrics(nil)
	b := NewMetrics(nil)

	a.Executions.WithLabelValues(OutcomeSuccess).Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Executions.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Executions.WithLabelValues(OutcomeSuccess)))
}

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.InFlight.Set(2)
	m.BreakerState.WithLabelValues("worker-a").Set(1)

	count, err := testutil.GatherAndCount(reg, "dragonflow_executions_in_flight", "dragonflow_breaker_state")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestInitStdoutTracing(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := InitStdoutTracing("dragonflow-test", &buf)
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "attempt")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name": "attempt"`)
}
