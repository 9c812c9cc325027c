// Package telemetry exposes pipeline metrics through OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/metalagman/anchor/internal/evalgate"
	"github.com/metalagman/anchor/internal/ladder"
	"github.com/metalagman/anchor/internal/router"
	"github.com/metalagman/anchor/internal/verifier"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MeterName is the instrumentation scope of every instrument.
const MeterName = "github.com/metalagman/anchor"

// Metrics holds the pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	runs          metric.Int64Counter
	latency       metric.Float64Histogram
	attempts      metric.Int64Histogram
	tiers         metric.Int64Counter
	verifications metric.Int64Counter
	routing       metric.Int64Counter
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.runs, err = meter.Int64Counter("anchor.pipeline.runs",
		metric.WithDescription("Completed pipeline runs")); err != nil {
		return nil, fmt.Errorf("runs counter: %w", err)
	}
	if m.latency, err = meter.Float64Histogram("anchor.pipeline.latency",
		metric.WithDescription("End-to-end pipeline latency"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("latency histogram: %w", err)
	}
	if m.attempts, err = meter.Int64Histogram("anchor.guard.attempts",
		metric.WithDescription("Completion calls per guarded generation"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4)); err != nil {
		return nil, fmt.Errorf("attempts histogram: %w", err)
	}
	if m.tiers, err = meter.Int64Counter("anchor.ladder.tiers",
		metric.WithDescription("Fallback ladder tier attempts")); err != nil {
		return nil, fmt.Errorf("tiers counter: %w", err)
	}
	if m.verifications, err = meter.Int64Counter("anchor.verifier.results",
		metric.WithDescription("Response verification outcomes")); err != nil {
		return nil, fmt.Errorf("verifications counter: %w", err)
	}
	if m.routing, err = meter.Int64Counter("anchor.router.decisions",
		metric.WithDescription("Routing decisions")); err != nil {
		return nil, fmt.Errorf("routing counter: %w", err)
	}
	return &m, nil
}

// ObserveRecord implements evalgate.RecordObserver.
func (m *Metrics) ObserveRecord(ctx context.Context, r evalgate.Record) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("capability", r.Capability),
		attribute.String("outcome", r.Outcome),
	)
	m.runs.Add(ctx, 1, attrs)
	m.latency.Record(ctx, r.Latency.Seconds(), attrs)
	if r.Attempts > 0 {
		m.attempts.Record(ctx, int64(r.Attempts),
			metric.WithAttributes(
				attribute.String("capability", r.Capability),
				attribute.Bool("exhausted", r.RepairExhausted),
			))
	}
}

// ObserveTier implements ladder.Observer.
func (m *Metrics) ObserveTier(ctx context.Context, t ladder.Tier) {
	if m == nil {
		return
	}
	m.tiers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", string(t.Strategy)),
		attribute.String("outcome", string(t.Outcome)),
		attribute.Int("ordinal", t.Strategy.Ordinal()),
	))
}

// ObserveVerification counts a verification result per violation.
func (m *Metrics) ObserveVerification(ctx context.Context, capabilityID string, res verifier.Result) {
	if m == nil {
		return
	}
	if res.Passed {
		m.verifications.Add(ctx, 1, metric.WithAttributes(
			attribute.String("capability", capabilityID),
			attribute.String("violation", "none"),
		))
		return
	}
	for _, v := range res.Violations {
		m.verifications.Add(ctx, 1, metric.WithAttributes(
			attribute.String("capability", capabilityID),
			attribute.String("violation", string(v)),
		))
	}
}

// ObserveRouting counts a routing decision.
func (m *Metrics) ObserveRouting(ctx context.Context, d router.Decision) {
	if m == nil {
		return
	}
	reason := d.Reason
	if reason == "" {
		reason = "none"
	}
	m.routing.Add(ctx, 1, metric.WithAttributes(
		attribute.String("capability", d.Capability),
		attribute.String("degraded", strconv.FormatBool(d.Degraded)),
		attribute.String("reason", reason),
	))
}

// Exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Config selects the metric exporter.
type Config struct {
	Exporter string
	Interval time.Duration
	// Out receives stdout exports; defaults to os.Stderr.
	Out io.Writer
}

// ShutdownFunc flushes and stops the meter provider.
type ShutdownFunc func(context.Context) error

// Setup installs a global meter provider and returns the pipeline metrics on it.
func Setup(cfg Config) (*Metrics, ShutdownFunc, error) {
	switch cfg.Exporter {
	case "", ExporterNone:
		m, err := New(noop.NewMeterProvider().Meter(MeterName))
		if err != nil {
			return nil, nil, err
		}
		return m, func(context.Context) error { return nil }, nil
	case ExporterStdout:
	default:
		return nil, nil, fmt.Errorf("unknown metrics exporter: %s", cfg.Exporter)
	}

	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)

	m, err := New(mp.Meter(MeterName))
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, nil, err
	}
	return m, mp.Shutdown, nil
}
