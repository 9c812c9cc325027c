// Package evalgate records completed pipeline runs and reduces a window of
// them into SLO metrics and a release-readiness verdict.
package evalgate

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/metalagman/anchor/internal/logging"
	"github.com/rs/zerolog"
)

// Outcomes the gate reads from records.
const (
	OutcomeAnswer        = "answer"
	OutcomeClarification = "clarification"
	OutcomeSafeFallback  = "safe_fallback"
	OutcomeRefusal       = "refusal"
	OutcomeDigest        = "digest"
	OutcomeCancelled     = "cancelled"
)

// Record is the telemetry of one completed run. Records are never modified
// after they are appended.
type Record struct {
	RunID      string        `json:"run_id"`
	Capability string        `json:"capability"`
	StartedAt  time.Time     `json:"started_at"`
	Latency    time.Duration `json:"latency"`
	// Attempts counts JsonGuard completion calls, including the corrective pass.
	Attempts int `json:"attempts"`
	// TierReached is the ladder strategy the run ended on, empty without retrieval.
	TierReached        string `json:"tier_reached,omitempty"`
	Outcome            string `json:"outcome"`
	VerificationRan    bool   `json:"verification_ran"`
	VerificationPassed bool   `json:"verification_passed"`
	RepairExhausted    bool   `json:"repair_exhausted"`
	Degraded           bool   `json:"degraded"`
	// ToolRequested is set when the run targeted a non-chat capability.
	ToolRequested bool `json:"tool_requested"`
}

// ToolSucceeded reports whether a tool run ended with a usable answer.
func (r Record) ToolSucceeded() bool {
	return r.ToolRequested && (r.Outcome == OutcomeAnswer || r.Outcome == OutcomeDigest)
}

// Thresholds bound the gate metrics. A zero MaxP95Latency or MinObservedSpan
// disables that check.
type Thresholds struct {
	MaxRepairExhaustionRate    float64       `json:"max_repair_exhaustion_rate"`
	MaxVerificationFailureRate float64       `json:"max_verification_failure_rate"`
	MaxClarificationRate       float64       `json:"max_clarification_rate"`
	MaxP95Latency              time.Duration `json:"max_p95_latency"`
	MinToolSuccessRate         float64       `json:"min_tool_success_rate"`
	MinSamples                 int           `json:"min_samples"`
	MinObservedSpan            time.Duration `json:"min_observed_span"`
}

// DefaultThresholds returns the built-in release policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxRepairExhaustionRate:    0.05,
		MaxVerificationFailureRate: 0.10,
		MaxClarificationRate:       0.25,
		MaxP95Latency:              20 * time.Second,
		MinToolSuccessRate:         0.80,
		MinSamples:                 20,
	}
}

// Metrics are the aggregates of a record window.
type Metrics struct {
	Samples                 int            `json:"samples"`
	RepairExhaustionRate    float64        `json:"repair_exhaustion_rate"`
	VerificationFailureRate float64        `json:"verification_failure_rate"`
	ClarificationRate       float64        `json:"clarification_rate"`
	ToolSuccessRate         float64        `json:"tool_success_rate"`
	DegradedRate            float64        `json:"degraded_rate"`
	MeanAttempts            float64        `json:"mean_attempts"`
	P95Latency              time.Duration  `json:"p95_latency"`
	ObservedSpan            time.Duration  `json:"observed_span"`
	Tiers                   map[string]int `json:"tiers,omitempty"`
}

// Verdict is the gate decision.
type Verdict struct {
	Pass     bool     `json:"pass"`
	Violated []string `json:"violated,omitempty"`
	Metrics  Metrics  `json:"metrics"`
}

// Summarize reduces records into metrics. Verification failure rate counts
// only runs where verification ran; tool success rate is 1 without tool runs.
func Summarize(records []Record) Metrics {
	m := Metrics{Samples: len(records), ToolSuccessRate: 1}
	if len(records) == 0 {
		return m
	}
	var exhausted, clarified, degraded, attempts, verified, failed, tools, toolOK int
	latencies := make([]time.Duration, 0, len(records))
	first, last := records[0].StartedAt, records[0].StartedAt
	for _, r := range records {
		if r.RepairExhausted {
			exhausted++
		}
		if r.Outcome == OutcomeClarification {
			clarified++
		}
		if r.Degraded {
			degraded++
		}
		if r.VerificationRan {
			verified++
			if !r.VerificationPassed {
				failed++
			}
		}
		if r.ToolRequested {
			tools++
			if r.ToolSucceeded() {
				toolOK++
			}
		}
		if r.TierReached != "" {
			if m.Tiers == nil {
				m.Tiers = make(map[string]int)
			}
			m.Tiers[r.TierReached]++
		}
		attempts += r.Attempts
		latencies = append(latencies, r.Latency)
		if r.StartedAt.Before(first) {
			first = r.StartedAt
		}
		if r.StartedAt.After(last) {
			last = r.StartedAt
		}
	}
	n := float64(len(records))
	m.RepairExhaustionRate = float64(exhausted) / n
	m.ClarificationRate = float64(clarified) / n
	m.DegradedRate = float64(degraded) / n
	m.MeanAttempts = float64(attempts) / n
	if verified > 0 {
		m.VerificationFailureRate = float64(failed) / float64(verified)
	}
	if tools > 0 {
		m.ToolSuccessRate = float64(toolOK) / float64(tools)
	}
	m.P95Latency = percentile(latencies, 0.95)
	m.ObservedSpan = last.Sub(first)
	return m
}

// percentile uses the nearest-rank method.
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return sorted[rank]
}

// Evaluate compares the records against th. Too few samples block the gate.
func Evaluate(records []Record, th Thresholds) Verdict {
	m := Summarize(records)
	var violated []string
	if m.Samples < th.MinSamples {
		violated = append(violated, fmt.Sprintf("samples=%d < %d", m.Samples, th.MinSamples))
	}
	if m.RepairExhaustionRate > th.MaxRepairExhaustionRate {
		violated = append(violated, rateViolation("repair_exhaustion_rate", m.RepairExhaustionRate, ">", th.MaxRepairExhaustionRate))
	}
	if m.VerificationFailureRate > th.MaxVerificationFailureRate {
		violated = append(violated, rateViolation("verification_failure_rate", m.VerificationFailureRate, ">", th.MaxVerificationFailureRate))
	}
	if m.ClarificationRate > th.MaxClarificationRate {
		violated = append(violated, rateViolation("clarification_rate", m.ClarificationRate, ">", th.MaxClarificationRate))
	}
	if m.ToolSuccessRate < th.MinToolSuccessRate {
		violated = append(violated, rateViolation("tool_success_rate", m.ToolSuccessRate, "<", th.MinToolSuccessRate))
	}
	if th.MaxP95Latency > 0 && m.P95Latency > th.MaxP95Latency {
		violated = append(violated, fmt.Sprintf("p95_latency=%s > %s", m.P95Latency, th.MaxP95Latency))
	}
	if th.MinObservedSpan > 0 && m.ObservedSpan < th.MinObservedSpan {
		violated = append(violated, fmt.Sprintf("observed_span=%s < %s", m.ObservedSpan, th.MinObservedSpan))
	}
	return Verdict{Pass: len(violated) == 0, Violated: violated, Metrics: m}
}

func rateViolation(name string, got float64, op string, bound float64) string {
	return fmt.Sprintf("%s=%.2f%% %s %.2f%%", name, got*100, op, bound*100)
}

// Sink receives completed runs.
type Sink interface {
	OnComplete(ctx context.Context, r Record)
}

// Store persists records durably.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Window returns up to n most recent records, oldest first.
	Window(ctx context.Context, n int) ([]Record, error)
}

// RecordObserver is notified of every appended record.
type RecordObserver interface {
	ObserveRecord(ctx context.Context, r Record)
}

// DefaultCapacity is the in-memory ring size.
const DefaultCapacity = 1000

// Gate keeps an in-memory ring of recent records, optionally backed by a
// Store, and evaluates windows against its thresholds. It is safe for
// concurrent use.
type Gate struct {
	mu         sync.Mutex
	ring       []Record
	next       int
	full       bool
	thresholds Thresholds
	store      Store
	observer   RecordObserver
	logger     zerolog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithStore persists records to s and evaluates windows from it.
func WithStore(s Store) Option {
	return func(g *Gate) { g.store = s }
}

// WithObserver sets the record observer.
func WithObserver(o RecordObserver) Option {
	return func(g *Gate) { g.observer = o }
}

// WithCapacity sets the in-memory ring size.
func WithCapacity(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.ring = make([]Record, n)
		}
	}
}

// NewGate returns a Gate.
func NewGate(th Thresholds, opts ...Option) *Gate {
	g := &Gate{
		ring:       make([]Record, DefaultCapacity),
		thresholds: th,
		logger:     logging.Component("gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Thresholds returns the configured thresholds.
func (g *Gate) Thresholds() Thresholds { return g.thresholds }

// OnComplete implements Sink. Store failures are logged.
func (g *Gate) OnComplete(ctx context.Context, r Record) {
	if err := g.Record(ctx, r); err != nil {
		g.logger.Warn().Err(err).Str("run_id", r.RunID).Msg("record not persisted")
	}
}

// Record appends r. The in-memory window is updated even when the store fails.
func (g *Gate) Record(ctx context.Context, r Record) error {
	g.mu.Lock()
	g.ring[g.next] = r
	g.next = (g.next + 1) % len(g.ring)
	if g.next == 0 {
		g.full = true
	}
	g.mu.Unlock()

	if g.observer != nil {
		g.observer.ObserveRecord(ctx, r)
	}
	if g.store == nil {
		return nil
	}
	if err := g.store.Append(ctx, r); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Recent returns up to n most recent in-memory records, oldest first.
// n <= 0 returns all of them.
func (g *Gate) Recent(n int) []Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	var all []Record
	if g.full {
		all = append(all, g.ring[g.next:]...)
	}
	all = append(all, g.ring[:g.next]...)
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Evaluate runs the gate over the last window records, read from the store
// when one is configured.
func (g *Gate) Evaluate(ctx context.Context, window int) (Verdict, error) {
	records := g.Recent(window)
	if g.store != nil {
		var err error
		records, err = g.store.Window(ctx, window)
		if err != nil {
			return Verdict{}, fmt.Errorf("load window: %w", err)
		}
	}
	v := Evaluate(records, g.thresholds)
	g.logger.Info().
		Bool("pass", v.Pass).
		Int("samples", v.Metrics.Samples).
		Strs("violated", v.Violated).
		Msg("gate evaluated")
	return v, nil
}
