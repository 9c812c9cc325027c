package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/metalagman/anchor/internal/capability"
	"github.com/metalagman/anchor/internal/evalgate"
	"github.com/metalagman/anchor/internal/jsonguard"
	"github.com/metalagman/anchor/internal/ladder"
	"github.com/metalagman/anchor/internal/llm"
	"github.com/metalagman/anchor/internal/llm/llmtest"
	"github.com/metalagman/anchor/internal/memory"
	"github.com/metalagman/anchor/internal/router"
	"github.com/metalagman/anchor/internal/search"
	"github.com/metalagman/anchor/internal/search/searchtest"
	"github.com/metalagman/anchor/internal/telemetry"
	"github.com/metalagman/anchor/internal/timepolicy"
	"github.com/metalagman/anchor/internal/verifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Thursday.
var now = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

type harness struct {
	llm      *llmtest.Scripted
	gate     *evalgate.Gate
	registry *capability.Registry
	news     *searchtest.Stub
	newsAlt  *searchtest.Stub
	web      *searchtest.Stub
	webAlt   *searchtest.Stub
	general  *searchtest.Stub
	pipeline *Pipeline
}

type option func(*Deps)

func newHarness(t *testing.T, replies []string, opts ...option) *harness {
	t.Helper()

	registry, err := capability.Default()
	require.NoError(t, err)

	h := &harness{
		llm:      llmtest.New(replies...),
		gate:     evalgate.NewGate(evalgate.DefaultThresholds()),
		registry: registry,
		news:     &searchtest.Stub{},
		newsAlt:  &searchtest.Stub{},
		web:      &searchtest.Stub{},
		webAlt:   &searchtest.Stub{},
		general:  &searchtest.Stub{},
	}

	rt, err := router.New(h.llm, registry, router.Config{Threshold: 0.6, DefaultCapability: "chat_general"})
	require.NoError(t, err)
	clock := func() time.Time { return now }
	deps := Deps{
		Registry: registry,
		Router:   rt,
		Guard:    jsonguard.New(h.llm, jsonguard.Config{MaxRepairs: 2}),
		Policy:   timepolicy.New(registry, time.UTC, "es"),
		Ladder: ladder.New(ladder.Config{TierTimeout: time.Second}, map[ladder.QueryKind]ladder.Sources{
			ladder.KindNews:    {Primary: h.news, Alternative: h.newsAlt, General: h.general},
			ladder.KindGeneral: {Primary: h.web, Alternative: h.webAlt, General: h.general},
		}, ladder.WithClock(clock)),
		Sink: h.gate,
		Now:  clock,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.pipeline, err = New(Config{}, deps)
	require.NoError(t, err)
	return h
}

func (h *harness) lastRecord(t *testing.T) evalgate.Record {
	t.Helper()
	recent := h.gate.Recent(1)
	require.Len(t, recent, 1)
	return recent[0]
}

func TestHandle_CurrentDate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{
		`{"capability":"get_current_datetime","confidence":0.97}`,
		`{"date":"2026-10-15","weekday":"jueves","time":"09:30"}`,
	})

	resp := h.pipeline.Handle(context.Background(), "¿qué día es hoy?", UserContext{UserID: "u1"})

	assert.Equal(t, KindAnswer, resp.Kind)
	assert.Equal(t, "get_current_datetime", resp.Capability)
	assert.True(t, resp.VerificationPassed)
	assert.Contains(t, resp.Text, "Hoy es jueves 15 de octubre de 2026, son las 09:30.")
	assert.Contains(t, resp.Text, "Fecha de referencia usada: 2026-10-15.")
	assert.NotEmpty(t, resp.RunID)

	reqs := h.llm.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1].System, "Mandatory time context")
	assert.Contains(t, reqs[1].System, "2026-10-15T09:30:00Z")
	assert.Contains(t, reqs[1].System, "jueves")

	rec := h.lastRecord(t)
	assert.Equal(t, resp.RunID, rec.RunID)
	assert.Equal(t, evalgate.OutcomeAnswer, rec.Outcome)
	assert.Equal(t, 1, rec.Attempts)
	assert.True(t, rec.ToolRequested)
	assert.True(t, rec.VerificationRan)
	assert.True(t, rec.VerificationPassed)
}

func TestHandle_ReminderRepairedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{
		`{"capability":"reminder_create","confidence":0.9,"slots":{"task":"llamar a mamá","due_at":"mañana a las 10"}}`,
		"```json\n{\"task\": \"llamar a mamá\", \"due_at\": \"mañana a las 10\"}\n```",
		`{"task":"llamar a mamá","due_at":"2026-10-16T10:00"}`,
	})

	resp := h.pipeline.Handle(context.Background(), "recuérdame mañana a las 10 llamar a mamá", UserContext{})

	assert.Equal(t, KindAnswer, resp.Kind)
	assert.Equal(t, "reminder_create", resp.Capability)
	assert.True(t, resp.VerificationPassed)
	assert.Equal(t, "Listo, te recordaré «llamar a mamá» el viernes 16 de octubre de 2026 a las 10:00.", resp.Text)
	assert.JSONEq(t, `{"task":"llamar a mamá","due_at":"2026-10-16T10:00"}`, string(resp.Payload))

	reqs := h.llm.Requests()
	require.Len(t, reqs, 3)
	assert.Contains(t, reqs[1].Prompt, "- due_at: mañana a las 10")
	assert.Contains(t, reqs[2].Prompt, "mañana a las 10")
	assert.Contains(t, reqs[2].Prompt, "rejected")

	rec := h.lastRecord(t)
	assert.Equal(t, 2, rec.Attempts)
	assert.False(t, rec.RepairExhausted)
}

func TestHandle_NewsLadderExhausted(t *testing.T) {
	t.Parallel()

	stale := now.Add(-10 * 24 * time.Hour)
	h := newHarness(t, []string{
		`{"capability":"web_search_news","confidence":0.92,"slots":{"query":"elecciones hoy"}}`,
	})
	h.newsAlt.Docs = []search.Document{{Title: "Elecciones 2016", URL: "https://example.com/old", PublishedAt: &stale}}
	h.general.Err = errors.New("rate limited")

	resp := h.pipeline.Handle(context.Background(), "¿qué pasó hoy en las elecciones?", UserContext{})

	assert.Equal(t, KindClarification, resp.Kind)
	assert.Equal(t, "web_search_news", resp.Capability)
	assert.Contains(t, resp.Text, "elecciones")
	assert.Empty(t, resp.Sources)
	assert.False(t, resp.VerificationPassed)
	assert.Equal(t, 1, h.llm.Calls(), "generation must not run without usable documents")

	assert.Equal(t, 1, h.news.Calls())
	assert.Equal(t, 1, h.newsAlt.Calls())
	assert.Equal(t, []string{"elecciones"}, h.general.Queries())

	rec := h.lastRecord(t)
	assert.Equal(t, string(ladder.StrategyClarification), rec.TierReached)
	assert.Equal(t, evalgate.OutcomeClarification, rec.Outcome)
	assert.False(t, rec.VerificationRan)
}

func TestHandle_RepairExhaustedReleasesSafeFallback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{
		`{"capability":"reminder_create","confidence":0.9}`,
		"no sé",
		`{}`,
		`{"task":""}`,
	})

	resp := h.pipeline.Handle(context.Background(), "recuérdame algo", UserContext{})

	assert.Equal(t, KindSafeFallback, resp.Kind)
	assert.Equal(t, DefaultSafeFallback, resp.Text)
	assert.False(t, resp.VerificationPassed)
	assert.Equal(t, 4, h.llm.Calls(), "one routing call plus at most three generation calls")

	rec := h.lastRecord(t)
	assert.True(t, rec.RepairExhausted)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, evalgate.OutcomeSafeFallback, rec.Outcome)
}

func TestHandle_SearchAnswerCarriesSources(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{
		`{"capability":"web_search_general","confidence":0.88,"slots":{"query":"precio bitcoin"}}`,
		`{"answer":"El bitcoin cotiza cerca de 60.000 dólares según CoinDesk.","sources":["https://www.coindesk.com/price/bitcoin"]}`,
	})
	h.web.Docs = []search.Document{{
		Title:   "Bitcoin price",
		URL:     "https://www.coindesk.com/price/bitcoin",
		Snippet: "BTC trades near 60,000 USD.",
	}}

	resp := h.pipeline.Handle(context.Background(), "¿a cuánto está el bitcoin?", UserContext{})

	assert.Equal(t, KindAnswer, resp.Kind)
	require.Len(t, resp.Sources, 1)
	assert.Contains(t, resp.Text, "Fuentes:\n- https://www.coindesk.com/price/bitcoin")

	reqs := h.llm.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1].System, "Retrieved documents:")
	assert.Contains(t, reqs[1].System, "BTC trades near 60,000 USD.")
	assert.NotContains(t, reqs[1].System, "Mandatory time context")
	assert.Equal(t, string(ladder.StrategyPrimary), h.lastRecord(t).TierReached)
}

func TestHandle_SearchExhaustionReleasesDigest(t *testing.T) {
	t.Parallel()

	fresh := now.Add(-time.Hour)
	h := newHarness(t, []string{
		`{"capability":"web_search_news","confidence":0.9,"slots":{"query":"huelga metro"}}`,
		`{"answer":"x"}`,
		`{"answer":"x"}`,
		`{"answer":"x"}`,
	})
	h.news.Docs = []search.Document{{Title: "Huelga de metro", URL: "https://news.example.com/huelga", PublishedAt: &fresh}}

	resp := h.pipeline.Handle(context.Background(), "últimas noticias de la huelga de metro", UserContext{})

	assert.Equal(t, KindDigest, resp.Kind)
	assert.True(t, resp.VerificationPassed)
	assert.Contains(t, resp.Text, "- Huelga de metro (https://news.example.com/huelga)")

	rec := h.lastRecord(t)
	assert.True(t, rec.RepairExhausted)
	assert.True(t, rec.ToolSucceeded())
}

func TestHandle_CorrectiveRegeneration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{
		`{"capability":"get_current_datetime","confidence":0.95}`,
		`{"date":"2026-10-14","weekday":"miércoles"}`,
		`{"date":"2026-10-15","weekday":"jueves"}`,
	})

	resp := h.pipeline.Handle(context.Background(), "¿qué día es hoy?", UserContext{})

	assert.Equal(t, KindAnswer, resp.Kind)
	assert.True(t, resp.VerificationPassed)
	assert.Contains(t, resp.Text, "jueves 15 de octubre")

	reqs := h.llm.Requests()
	require.Len(t, reqs, 3)
	assert.Contains(t, reqs[2].System, "failed verification")
	assert.True(t, reqs[2].Deterministic)
	assert.Equal(t, 2, h.lastRecord(t).Attempts)
}

func TestHandle_VerificationFailsTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{
		`{"capability":"get_current_datetime","confidence":0.95}`,
		`{"date":"2026-10-14"}`,
		`{"date":"2026-10-13"}`,
	})

	resp := h.pipeline.Handle(context.Background(), "¿qué día es hoy?", UserContext{})

	assert.Equal(t, KindSafeFallback, resp.Kind)
	assert.False(t, resp.VerificationPassed)
	assert.Contains(t, resp.Violations, verifier.TemporalIncoherence)
	assert.Equal(t, 3, h.llm.Calls())

	rec := h.lastRecord(t)
	assert.True(t, rec.VerificationRan)
	assert.False(t, rec.VerificationPassed)
}

func TestHandle_CorrectivePassIsSingleShot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{
		`{"capability":"get_current_datetime","confidence":0.95}`,
		`{"date":"2026-10-14"}`,
		`not json`,
		`{"date":"2026-10-15"}`,
	})

	resp := h.pipeline.Handle(context.Background(), "¿qué día es hoy?", UserContext{})

	assert.Equal(t, KindSafeFallback, resp.Kind)
	assert.Equal(t, 3, h.llm.Calls())
}

func TestHandle_LowConfidenceFallsBackToChat(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{
		`{"capability":"web_search_general","confidence":0.3}`,
		`{"response":"¡Hola! ¿En qué te ayudo?"}`,
	})

	resp := h.pipeline.Handle(context.Background(), "hola", UserContext{})

	assert.Equal(t, KindAnswer, resp.Kind)
	assert.Equal(t, "chat_general", resp.Capability)
	assert.Equal(t, "¡Hola! ¿En qué te ayudo?", resp.Text)
	assert.Zero(t, h.web.Calls())

	rec := h.lastRecord(t)
	assert.True(t, rec.Degraded)
	assert.False(t, rec.ToolRequested)
}

type fixedRoute string

func (f fixedRoute) Classify(context.Context, string, []capability.Descriptor) router.Decision {
	return router.Decision{Capability: string(f), Confidence: 1}
}

func TestHandle_UnregisteredCapabilityIsRefused(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, func(d *Deps) { d.Router = fixedRoute("send_email") })

	resp := h.pipeline.Handle(context.Background(), "manda un correo a Ana", UserContext{})

	assert.Equal(t, KindRefusal, resp.Kind)
	assert.Equal(t, DefaultRefusal, resp.Text)
	assert.Equal(t, "send_email", resp.Capability)
	assert.Zero(t, h.llm.Calls())
	assert.Equal(t, evalgate.OutcomeRefusal, h.lastRecord(t).Outcome)
}

func TestHandle_CancelledDuringGeneration(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, []string{`{"capability":"chat_general","confidence":0.9}`})
	h.llm.Then(llmtest.Step{Func: func(ctx context.Context, _ llm.Request) (string, error) {
		cancel()
		return "", ctx.Err()
	}})
	h.llm.Reply(`{"response":"demasiado tarde"}`)

	resp := h.pipeline.Handle(ctx, "cuéntame un chiste", UserContext{})

	assert.Equal(t, KindCancelled, resp.Kind)
	assert.Empty(t, resp.Text)
	assert.Equal(t, 2, h.llm.Calls(), "no repair after cancellation")
	assert.Equal(t, evalgate.OutcomeCancelled, h.lastRecord(t).Outcome)
}

func TestHandle_MemoryFacts(t *testing.T) {
	t.Parallel()

	var got memory.Query
	h := newHarness(t, []string{
		`{"capability":"memory_recall_profile","confidence":0.9}`,
		`{"response":"Tienes un perro llamado Toby."}`,
	}, func(d *Deps) {
		d.Memory = memory.RetrieverFunc(func(_ context.Context, q memory.Query) ([]memory.Fact, error) {
			got = q
			return []memory.Fact{{Text: "Tiene un perro llamado Toby"}}, nil
		})
	})

	resp := h.pipeline.Handle(context.Background(), "¿cómo se llama mi perro?", UserContext{UserID: "u7"})

	assert.Equal(t, KindAnswer, resp.Kind)
	assert.Equal(t, "u7", got.UserID)
	reqs := h.llm.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1].System, "Known facts about the user")
	assert.Contains(t, reqs[1].System, "Tiene un perro llamado Toby")
}

func TestHandle_MemoryFailureIsIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{
		`{"capability":"chat_general","confidence":0.9}`,
		`{"response":"Claro."}`,
	}, func(d *Deps) {
		d.Memory = memory.RetrieverFunc(func(context.Context, memory.Query) ([]memory.Fact, error) {
			return nil, errors.New("qdrant unavailable")
		})
	})

	resp := h.pipeline.Handle(context.Background(), "¿me ayudas?", UserContext{})

	assert.Equal(t, KindAnswer, resp.Kind)
	assert.NotContains(t, h.llm.Requests()[1].System, "Known facts")
}

func TestHandle_RunOptionsReachGeneration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{
		`{"capability":"chat_general","confidence":0.9}`,
		`{"response":"Vale."}`,
	})
	temp := 0.2

	h.pipeline.Handle(context.Background(), "hola", UserContext{Options: RunOptions{
		Model:       "gpt-5-mini",
		ThinkMode:   "high",
		Temperature: &temp,
	}})

	reqs := h.llm.Requests()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].Model, "routing keeps the default model")
	assert.True(t, reqs[0].Deterministic)
	assert.Equal(t, "gpt-5-mini", reqs[1].Model)
	assert.Equal(t, "high", reqs[1].ThinkMode)
	require.NotNil(t, reqs[1].Temperature)
	assert.InDelta(t, 0.2, *reqs[1].Temperature, 1e-9)
}

// manualClock starts at now and moves only when advanced.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock() *manualClock { return &manualClock{t: now} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestHandle_TimeContextIsFreshAtFirstGeneration(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	h := newHarness(t, []string{
		`{"capability":"reminder_create","confidence":0.95,"slots":{"task":"llamar a mamá","due_at":"mañana a las 10"}}`,
		`{"task":"llamar a mamá","due_at":"2026-10-16T10:00"}`,
	}, func(d *Deps) {
		d.Now = clock.Now
		d.Memory = memory.RetrieverFunc(func(context.Context, memory.Query) ([]memory.Fact, error) {
			clock.Advance(5 * time.Minute)
			return nil, nil
		})
	})

	resp := h.pipeline.Handle(context.Background(), "recuérdame mañana a las 10 llamar a mamá", UserContext{})

	assert.Equal(t, KindAnswer, resp.Kind)
	reqs := h.llm.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1].System, "2026-10-15T09:35:00Z")
	assert.NotContains(t, reqs[1].System, "2026-10-15T09:30:00Z")
}

func TestHandle_CorrectivePassRefreshesStaleTimeContext(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	h := newHarness(t, []string{`{"capability":"chat_general","confidence":0.9}`}, func(d *Deps) {
		d.Now = clock.Now
	})
	h.llm.Then(llmtest.Step{Func: func(context.Context, llm.Request) (string, error) {
		clock.Advance(3 * time.Minute)
		return `{"response":"Hoy es 2026-10-14."}`, nil
	}})
	h.llm.Reply(`{"response":"Hoy es jueves."}`)

	resp := h.pipeline.Handle(context.Background(), "¿qué tal hoy?", UserContext{})

	assert.Equal(t, KindAnswer, resp.Kind)
	reqs := h.llm.Requests()
	require.Len(t, reqs, 3)
	assert.Contains(t, reqs[1].System, "2026-10-15T09:30:00Z")
	assert.Contains(t, reqs[2].System, "2026-10-15T09:33:00Z")
	assert.NotContains(t, reqs[2].System, "2026-10-15T09:30:00Z")
	assert.Contains(t, reqs[2].System, "failed verification")
}

func TestHandle_RecordsEachRunOnce(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := telemetry.New(provider.Meter("test"))
	require.NoError(t, err)
	gate := evalgate.NewGate(evalgate.DefaultThresholds(), evalgate.WithObserver(metrics))

	h := newHarness(t, []string{
		`{"capability":"chat_general","confidence":0.9}`,
		`{"response":"Hola."}`,
	}, func(d *Deps) {
		d.Sink = gate
		d.Metrics = metrics
	})

	h.pipeline.Handle(context.Background(), "hola", UserContext{})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var runs int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "anchor.pipeline.runs" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				runs += dp.Value
			}
		}
	}
	assert.Equal(t, int64(1), runs)
	assert.Len(t, gate.Recent(0), 1)
}

func TestHandle_ReminderPromptCarriesInputSchema(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{
		`{"capability":"reminder_create","confidence":0.9,"slots":{"task":"regar las plantas","due_at":"2026-10-16T08:00"}}`,
		`{"task":"regar las plantas","due_at":"2026-10-16T08:00"}`,
	})

	resp := h.pipeline.Handle(context.Background(), "recuérdame regar las plantas el viernes a las 8", UserContext{})

	assert.Equal(t, KindAnswer, resp.Kind)
	reqs := h.llm.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1].Prompt, "Input schema for reminder_create:")
	assert.Contains(t, reqs[1].Prompt, `"required":["task"]`)
	assert.Contains(t, reqs[1].Prompt, "- task: regar las plantas")
}

func TestSlotErrors(t *testing.T) {
	t.Parallel()

	registry, err := capability.Default()
	require.NoError(t, err)
	reminder, err := registry.Resolve("reminder_create")
	require.NoError(t, err)
	chat, err := registry.Resolve("chat_general")
	require.NoError(t, err)

	assert.Empty(t, slotErrors(reminder, map[string]string{
		"task": "llamar a mamá", "due_at": "mañana", "temporal_reference": "true",
	}))
	missing := slotErrors(reminder, map[string]string{"due_at": "mañana"})
	require.NotEmpty(t, missing)
	assert.Contains(t, missing[0], "task")
	assert.NotEmpty(t, slotErrors(reminder, map[string]string{"task": "x", "query": "y"}))
	assert.Empty(t, slotErrors(chat, map[string]string{"query": "y"}))
}

func TestHandle_SearchWithoutRetrievalFollowsFallbackChain(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []string{
		`{"capability":"web_search_news","confidence":0.9,"slots":{"query":"elecciones"}}`,
		`{"response":"Ahora mismo no puedo consultar noticias."}`,
	}, func(d *Deps) { d.Ladder = nil })

	resp := h.pipeline.Handle(context.Background(), "noticias de las elecciones", UserContext{})

	assert.Equal(t, KindAnswer, resp.Kind)
	assert.Equal(t, "chat_general", resp.Capability)
	assert.Equal(t, "Ahora mismo no puedo consultar noticias.", resp.Text)
	assert.Equal(t, "chat_general", h.lastRecord(t).Capability)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
