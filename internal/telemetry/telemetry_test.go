package telemetry

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/metalagman/anchor/internal/evalgate"
	"github.com/metalagman/anchor/internal/ladder"
	"github.com/metalagman/anchor/internal/router"
	"github.com/metalagman/anchor/internal/verifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "unexpected aggregation %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_Observe(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.ObserveRecord(ctx, evalgate.Record{Capability: "chat_general", Outcome: "answer", Latency: time.Second, Attempts: 2})
	m.ObserveRecord(ctx, evalgate.Record{Capability: "web_search_news", Outcome: "clarification", Latency: 2 * time.Second})
	m.ObserveTier(ctx, ladder.Tier{Strategy: ladder.StrategyPrimary, Outcome: ladder.OutcomeEmpty})
	m.ObserveTier(ctx, ladder.Tier{Strategy: ladder.StrategyClarification, Outcome: ladder.OutcomeAsked})
	m.ObserveVerification(ctx, "chat_general", verifier.Result{Passed: true})
	m.ObserveVerification(ctx, "web_search_news", verifier.Result{
		Violations: []verifier.Violation{verifier.TemporalIncoherence, verifier.MissingSourceAttribution},
	})
	m.ObserveRouting(ctx, router.Decision{Capability: "chat_general", Degraded: true, Reason: router.ReasonLowConfidence})

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, data["anchor.pipeline.runs"]))
	assert.Equal(t, int64(2), sumOf(t, data["anchor.ladder.tiers"]))
	assert.Equal(t, int64(3), sumOf(t, data["anchor.verifier.results"]))
	assert.Equal(t, int64(1), sumOf(t, data["anchor.router.decisions"]))

	latency, ok := data["anchor.pipeline.latency"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range latency.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)

	attempts, ok := data["anchor.guard.attempts"].(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, attempts.DataPoints, 1)
	assert.Equal(t, int64(2), attempts.DataPoints[0].Sum)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	ctx := context.Background()
	m.ObserveRecord(ctx, evalgate.Record{})
	m.ObserveTier(ctx, ladder.Tier{})
	m.ObserveVerification(ctx, "x", verifier.Result{})
	m.ObserveRouting(ctx, router.Decision{})
}

func TestSetup(t *testing.T) {
	m, shutdown, err := Setup(Config{Exporter: ExporterNone})
	require.NoError(t, err)
	require.NotNil(t, m)
	require.NoError(t, shutdown(context.Background()))

	var buf bytes.Buffer
	m, shutdown, err = Setup(Config{Exporter: ExporterStdout, Out: &buf, Interval: time.Hour})
	require.NoError(t, err)
	m.ObserveRecord(context.Background(), evalgate.Record{Capability: "chat_general", Outcome: "answer"})
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "anchor.pipeline.runs")

	_, _, err = Setup(Config{Exporter: "prometheus"})
	require.Error(t, err)
}
