// Package app wires anchor components with fx.
package app

import (
	"context"
	"fmt"

	"github.com/metalagman/anchor/internal/capability"
	"github.com/metalagman/anchor/internal/config"
	"github.com/metalagman/anchor/internal/db"
	"github.com/metalagman/anchor/internal/evalgate"
	"github.com/metalagman/anchor/internal/jsonguard"
	"github.com/metalagman/anchor/internal/ladder"
	"github.com/metalagman/anchor/internal/llm"
	"github.com/metalagman/anchor/internal/llm/execagent"
	"github.com/metalagman/anchor/internal/llm/gemini"
	"github.com/metalagman/anchor/internal/llm/openaiapi"
	"github.com/metalagman/anchor/internal/memory"
	"github.com/metalagman/anchor/internal/pipeline"
	"github.com/metalagman/anchor/internal/router"
	"github.com/metalagman/anchor/internal/telemetry"
	"github.com/metalagman/anchor/internal/timepolicy"
	"go.uber.org/fx"
)

// Module provides every pipeline component from a config.Config.
var Module = fx.Module("anchor",
	fx.Provide(
		NewRegistry,
		NewCompleter,
		NewRouter,
		NewGuard,
		NewPolicy,
		NewMetrics,
		NewStore,
		NewGate,
		NewLadder,
		NewMemory,
		NewPipeline,
	),
)

// New builds the application. Targets are filled with fx.Populate.
func New(cfg config.Config, targets ...any) *fx.App {
	return fx.New(
		fx.Supply(cfg),
		Module,
		fx.WithLogger(newEventLogger),
		fx.Populate(targets...),
	)
}

// NewRegistry loads the configured capability file or the built-in one and
// restricts it to the configured scope.
func NewRegistry(cfg config.Config) (*capability.Registry, error) {
	var (
		reg *capability.Registry
		err error
	)
	if cfg.CapabilitiesFile != "" {
		reg, err = capability.LoadFile(cfg.CapabilitiesFile)
	} else {
		reg, err = capability.Default()
	}
	if err != nil {
		return nil, err
	}
	scoped, err := reg.WithScope(cfg.CapabilitiesScope)
	if err != nil {
		return nil, fmt.Errorf("apply capabilities scope: %w", err)
	}
	return scoped, nil
}

// NewCompleter builds the configured provider wrapped with transient retries.
func NewCompleter(cfg config.Config) (llm.Completer, error) {
	c := cfg.LLM
	var (
		base llm.Completer
		err  error
	)
	switch c.Type {
	case "openai":
		base, err = openaiapi.NewClient(openaiapi.Config{
			Model:     c.Model,
			BaseURL:   c.BaseURL,
			APIKeyEnv: c.APIKeyEnv,
			Timeout:   c.Timeout,
		}, nil)
	case "gemini":
		base, err = gemini.NewClient(context.Background(), gemini.Config{
			Model:     c.Model,
			BaseURL:   c.BaseURL,
			APIKeyEnv: c.APIKeyEnv,
			Timeout:   c.Timeout,
		}, nil)
	default:
		agentType := c.Type
		if agentType == "gemini_cli" {
			agentType = "gemini"
		}
		base, err = execagent.New(execagent.Config{
			Type:   agentType,
			Cmd:    c.Cmd,
			Model:  c.Model,
			UseTTY: c.UseTTY,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("init %s completer: %w", c.Type, err)
	}
	return llm.WithRetry(base, llm.RetryPolicy{
		MaxRetries: c.Retry.MaxRetries,
		Base:       c.Retry.Base,
		MaxDelay:   c.Retry.MaxDelay,
	}), nil
}

// NewRouter builds the intent router.
func NewRouter(c llm.Completer, reg *capability.Registry, cfg config.Config) (*router.Router, error) {
	return router.New(c, reg, router.Config{
		Threshold:         cfg.Router.Threshold,
		DefaultCapability: cfg.Router.DefaultCapability,
		Timeout:           cfg.Router.Timeout,
	})
}

// NewGuard builds the JSON guard.
func NewGuard(c llm.Completer, cfg config.Config) *jsonguard.Guard {
	return jsonguard.New(c, jsonguard.Config{
		MaxRepairs:  cfg.Guard.MaxRepairs,
		CallTimeout: cfg.Guard.CallTimeout,
	})
}

// NewPolicy builds the time policy for the configured zone.
func NewPolicy(reg *capability.Registry, cfg config.Config) (*timepolicy.Policy, error) {
	loc, err := cfg.Time.Location()
	if err != nil {
		return nil, fmt.Errorf("load time zone: %w", err)
	}
	return timepolicy.New(reg, loc, cfg.Time.Locale), nil
}

// NewMetrics installs the meter provider and flushes it on stop.
func NewMetrics(lc fx.Lifecycle, cfg config.Config) (*telemetry.Metrics, error) {
	m, shutdown, err := telemetry.Setup(telemetry.Config{
		Exporter: cfg.Metrics.Exporter,
		Interval: cfg.Metrics.Interval,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: shutdown})
	return m, nil
}

// NewStore opens the SQLite store and closes it on stop.
func NewStore(lc fx.Lifecycle, cfg config.Config) (*db.Store, error) {
	conn, err := db.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return conn.Close() }})
	return db.NewStore(conn), nil
}

// NewGate builds the quality gate backed by the store.
func NewGate(cfg config.Config, store *db.Store, metrics *telemetry.Metrics) *evalgate.Gate {
	g := cfg.Gate
	return evalgate.NewGate(evalgate.Thresholds{
		MaxRepairExhaustionRate:    g.MaxRepairExhaustionRate,
		MaxVerificationFailureRate: g.MaxVerificationFailureRate,
		MaxClarificationRate:       g.MaxClarificationRate,
		MaxP95Latency:              g.MaxP95Latency,
		MinToolSuccessRate:         g.MinToolSuccessRate,
		MinSamples:                 g.MinSamples,
		MinObservedSpan:            g.MinObservedSpan,
	}, evalgate.WithStore(store), evalgate.WithObserver(metrics), evalgate.WithCapacity(g.Window))
}

// NewLadder builds the retrieval ladder from the configured providers.
func NewLadder(cfg config.Config, metrics *telemetry.Metrics) (*ladder.Ladder, error) {
	sources, err := Sources(cfg.Ladder)
	if err != nil {
		return nil, err
	}
	return ladder.New(ladder.Config{
		TierTimeout:   cfg.Ladder.TierTimeout,
		NewsRecency:   cfg.Ladder.NewsRecency,
		MaxDocuments:  cfg.Ladder.MaxDocuments,
		Clarification: cfg.Ladder.Clarification,
	}, sources, ladder.WithObserver(metrics)), nil
}

// NewMemory selects the long-term memory backend.
func NewMemory(lc fx.Lifecycle, cfg config.Config, store *db.Store) (memory.Retriever, error) {
	m := cfg.Memory
	switch m.Backend {
	case config.MemorySQLite:
		return memory.NewSQLite(store), nil
	case config.MemoryQdrant:
		embedder := memory.NewOllama(memory.OllamaConfig{
			BaseURL: m.Embedder.BaseURL,
			Model:   m.Embedder.Model,
			Timeout: m.Embedder.Timeout,
		})
		q, err := memory.NewQdrant(memory.QdrantConfig{
			Addr:           m.Qdrant.Addr,
			Collection:     m.Qdrant.Collection,
			ScoreThreshold: m.Qdrant.ScoreThreshold,
		}, embedder)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return q.Close() }})
		return q, nil
	default:
		return memory.Noop{}, nil
	}
}

// PipelineParams are the pipeline collaborators.
type PipelineParams struct {
	fx.In

	Config   config.Config
	Registry *capability.Registry
	Router   *router.Router
	Guard    *jsonguard.Guard
	Policy   *timepolicy.Policy
	Ladder   *ladder.Ladder
	Memory   memory.Retriever
	Gate     *evalgate.Gate
	Metrics  *telemetry.Metrics
}

// NewPipeline assembles the request pipeline.
func NewPipeline(p PipelineParams) (*pipeline.Pipeline, error) {
	return pipeline.New(pipeline.Config{
		SafeFallback:  p.Config.Verifier.SafeFallback,
		Refusal:       p.Config.Verifier.Refusal,
		TimeStaleness: p.Config.Verifier.TimeStaleness,
		MemoryTimeout: p.Config.Memory.Timeout,
		MemoryLimit:   p.Config.Memory.Limit,
	}, pipeline.Deps{
		Registry: p.Registry,
		Router:   p.Router,
		Guard:    p.Guard,
		Policy:   p.Policy,
		Ladder:   p.Ladder,
		Memory:   p.Memory,
		Sink:     p.Gate,
		Metrics:  p.Metrics,
	})
}
