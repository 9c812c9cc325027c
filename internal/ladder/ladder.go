// Package ladder escalates retrieval through ordered tiers: primary,
// alternative, general and finally a clarification question.
package ladder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/metalagman/anchor/internal/logging"
	"github.com/metalagman/anchor/internal/search"
	"github.com/metalagman/anchor/internal/timepolicy"
	"github.com/rs/zerolog"
)

// Strategy names a tier.
type Strategy string

// Tiers in escalation order.
const (
	StrategyPrimary       Strategy = "primary"
	StrategyAlternative   Strategy = "alternative"
	StrategyGeneral       Strategy = "general"
	StrategyClarification Strategy = "clarification"
)

// Ordinal returns the 1-based tier position.
func (s Strategy) Ordinal() int {
	switch s {
	case StrategyPrimary:
		return 1
	case StrategyAlternative:
		return 2
	case StrategyGeneral:
		return 3
	case StrategyClarification:
		return 4
	}
	return 0
}

// Outcome is what a tier produced.
type Outcome string

// Tier outcomes.
const (
	OutcomeFound    Outcome = "found"
	OutcomeEmpty    Outcome = "empty"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeAsked    Outcome = "asked"
)

// QueryKind selects sources and acceptance rules.
type QueryKind string

// Query kinds.
const (
	KindGeneral QueryKind = "general"
	KindNews    QueryKind = "news"
)

// Query is a retrieval request.
type Query struct {
	Text string
	Kind QueryKind
}

// Tier records one attempted rung.
type Tier struct {
	Strategy Strategy
	Outcome  Outcome
	Query    string
	// Returned counts documents the source returned before acceptance.
	Returned  int
	Documents []search.Document
	Err       error
	Duration  time.Duration
}

// Result is the ladder outcome.
type Result struct {
	Query         Query
	Documents     []search.Document
	Tiers         []Tier
	Reached       Strategy
	Clarification string
}

// Exhausted reports whether every retrieval tier failed.
func (r Result) Exhausted() bool { return r.Reached == StrategyClarification }

// Err returns ErrLadderExhausted for an exhausted result.
func (r Result) Err() error {
	if r.Exhausted() {
		return ErrLadderExhausted
	}
	return nil
}

// ErrLadderExhausted marks a ladder that ended at the clarification tier.
var ErrLadderExhausted = errors.New("ladder exhausted")

// TierFailure describes a retrieval tier that produced nothing usable.
type TierFailure struct {
	Strategy Strategy
	Outcome  Outcome
	Err      error
}

func (e *TierFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s tier %s: %v", e.Strategy, e.Outcome, e.Err)
	}
	return fmt.Sprintf("%s tier %s", e.Strategy, e.Outcome)
}

func (e *TierFailure) Unwrap() error { return e.Err }

// Failure returns a *TierFailure for failed retrieval tiers and nil otherwise.
func (t Tier) Failure() error {
	switch t.Outcome {
	case OutcomeFound, OutcomeSkipped, OutcomeAsked:
		return nil
	}
	return &TierFailure{Strategy: t.Strategy, Outcome: t.Outcome, Err: t.Err}
}

// Sources are the searchers behind the retrieval tiers. A nil searcher skips its tier.
type Sources struct {
	Primary     search.Searcher
	Alternative search.Searcher
	General     search.Searcher
}

// Observer is notified of every attempted tier.
type Observer interface {
	ObserveTier(ctx context.Context, t Tier)
}

// Config tunes the ladder.
type Config struct {
	TierTimeout  time.Duration
	NewsRecency  time.Duration
	MaxDocuments int
	// Clarification is the question template; {query} is replaced.
	Clarification string
}

// DefaultClarification is the built-in clarification template.
const DefaultClarification = "No encontré resultados verificables para \"{query}\". " +
	"¿Puedes darme un término más específico, un país o una fecha?"

const futureSkew = time.Hour

// Ladder runs tiers in strict order.
type Ladder struct {
	cfg      Config
	sources  map[QueryKind]Sources
	observer Observer
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures a Ladder.
type Option func(*Ladder)

// WithObserver sets the tier observer.
func WithObserver(o Observer) Option {
	return func(l *Ladder) { l.observer = o }
}

// WithClock overrides the clock used for recency checks.
func WithClock(now func() time.Time) Option {
	return func(l *Ladder) { l.now = now }
}

// New returns a Ladder. Query kinds without sources use the general sources.
func New(cfg Config, sources map[QueryKind]Sources, opts ...Option) *Ladder {
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = 5
	}
	if cfg.NewsRecency <= 0 {
		cfg.NewsRecency = 72 * time.Hour
	}
	if strings.TrimSpace(cfg.Clarification) == "" {
		cfg.Clarification = DefaultClarification
	}
	l := &Ladder{
		cfg:     cfg,
		sources: sources,
		now:     time.Now,
		logger:  logging.Component("ladder"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type rung struct {
	strategy Strategy
	searcher search.Searcher
	query    string
}

// Run escalates through the tiers until one yields usable documents. It
// returns an error only when ctx ends; the partial result is still returned.
func (l *Ladder) Run(ctx context.Context, q Query) (Result, error) {
	if q.Kind == "" {
		q.Kind = KindGeneral
	}
	src, ok := l.sources[q.Kind]
	if !ok {
		src = l.sources[KindGeneral]
	}
	broad := timepolicy.StripTemporal(q.Text)
	if broad == "" {
		broad = q.Text
	}
	rungs := []rung{
		{StrategyPrimary, src.Primary, q.Text},
		{StrategyAlternative, src.Alternative, q.Text},
		{StrategyGeneral, src.General, broad},
	}

	res := Result{Query: q}
	for _, r := range rungs {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("ladder cancelled before %s: %w", r.strategy, err)
		}
		tier := l.attempt(ctx, q, r)
		res.Tiers = append(res.Tiers, tier)
		res.Reached = r.strategy
		if tier.Outcome != OutcomeSkipped && l.observer != nil {
			l.observer.ObserveTier(ctx, tier)
		}
		l.logger.Debug().
			Str("strategy", string(tier.Strategy)).
			Str("outcome", string(tier.Outcome)).
			Int("returned", tier.Returned).
			Int("accepted", len(tier.Documents)).
			Msg("ladder tier")
		if tier.Outcome == OutcomeFound {
			res.Documents = tier.Documents
			return res, nil
		}
		if f := tier.Failure(); f != nil {
			l.logger.Debug().Err(f).Msg("escalating")
		}
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("ladder cancelled during %s: %w", r.strategy, err)
		}
	}

	clar := Tier{
		Strategy: StrategyClarification,
		Outcome:  OutcomeAsked,
		Query:    q.Text,
	}
	res.Tiers = append(res.Tiers, clar)
	res.Reached = StrategyClarification
	res.Clarification = strings.ReplaceAll(l.cfg.Clarification, "{query}", q.Text)
	if l.observer != nil {
		l.observer.ObserveTier(ctx, clar)
	}
	l.logger.Info().Str("query", q.Text).Msg("ladder exhausted, asking for clarification")
	return res, nil
}

func (l *Ladder) attempt(ctx context.Context, q Query, r rung) Tier {
	tier := Tier{Strategy: r.strategy, Query: r.query}
	if r.searcher == nil {
		tier.Outcome = OutcomeSkipped
		return tier
	}
	callCtx := ctx
	if l.cfg.TierTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.cfg.TierTimeout)
		defer cancel()
	}
	started := time.Now()
	docs, err := r.searcher.Search(callCtx, r.query)
	tier.Duration = time.Since(started)
	tier.Returned = len(docs)
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		tier.Outcome = OutcomeTimeout
		tier.Err = err
		return tier
	case err != nil:
		tier.Outcome = OutcomeError
		tier.Err = err
		return tier
	case len(docs) == 0:
		tier.Outcome = OutcomeEmpty
		return tier
	}
	tier.Documents = l.accept(q, r.strategy, docs)
	if len(tier.Documents) == 0 {
		tier.Outcome = OutcomeRejected
		return tier
	}
	tier.Outcome = OutcomeFound
	return tier
}

// accept keeps documents that carry a URL and text and, for news queries,
// fall inside the recency window. Undated news documents are only accepted
// from the general tier.
func (l *Ladder) accept(q Query, s Strategy, docs []search.Document) []search.Document {
	now := l.now()
	seen := make(map[string]bool, len(docs))
	var out []search.Document
	for _, d := range docs {
		if search.HostOf(d.URL) == "" {
			continue
		}
		if strings.TrimSpace(d.Title) == "" && strings.TrimSpace(d.Snippet) == "" {
			continue
		}
		if seen[d.URL] {
			continue
		}
		if q.Kind == KindNews {
			if d.PublishedAt == nil {
				if s != StrategyGeneral {
					continue
				}
			} else {
				age := now.Sub(*d.PublishedAt)
				if age > l.cfg.NewsRecency || age < -futureSkew {
					continue
				}
			}
		}
		seen[d.URL] = true
		out = append(out, d)
		if len(out) == l.cfg.MaxDocuments {
			break
		}
	}
	return out
}
