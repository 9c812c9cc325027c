// Package pipeline turns one utterance into a verified user-facing response.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/metalagman/anchor/internal/capability"
	"github.com/metalagman/anchor/internal/evalgate"
	"github.com/metalagman/anchor/internal/jsonguard"
	"github.com/metalagman/anchor/internal/ladder"
	"github.com/metalagman/anchor/internal/logging"
	"github.com/metalagman/anchor/internal/memory"
	"github.com/metalagman/anchor/internal/router"
	"github.com/metalagman/anchor/internal/search"
	"github.com/metalagman/anchor/internal/telemetry"
	"github.com/metalagman/anchor/internal/timepolicy"
	"github.com/metalagman/anchor/internal/verifier"
	"github.com/rs/zerolog"
)

// Kind classifies the released response.
type Kind string

// Response kinds.
const (
	KindAnswer        Kind = evalgate.OutcomeAnswer
	KindClarification Kind = evalgate.OutcomeClarification
	KindSafeFallback  Kind = evalgate.OutcomeSafeFallback
	KindRefusal       Kind = evalgate.OutcomeRefusal
	KindDigest        Kind = evalgate.OutcomeDigest
	KindCancelled     Kind = evalgate.OutcomeCancelled
)

// Default user-facing texts.
const (
	DefaultSafeFallback = "No puedo darte una respuesta fiable en este momento. " +
		"Prefiero no inventar: ¿puedes reformular la pregunta o darme algún detalle más?"
	DefaultRefusal = "Esa acción no está disponible en este asistente."
)

// RunOptions carries per-request model settings.
type RunOptions struct {
	Model       string   `json:"model,omitempty"`
	ThinkMode   string   `json:"think_mode,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// UserContext identifies the caller of one run.
type UserContext struct {
	UserID  string     `json:"user_id,omitempty"`
	Options RunOptions `json:"options"`
}

// Response is what the user sees.
type Response struct {
	RunID              string               `json:"run_id"`
	Text               string               `json:"text"`
	Capability         string               `json:"capability"`
	Kind               Kind                 `json:"kind"`
	Sources            []search.Document    `json:"sources,omitempty"`
	VerificationPassed bool                 `json:"verification_passed"`
	Violations         []verifier.Violation `json:"violations,omitempty"`
	Payload            json.RawMessage      `json:"payload,omitempty"`
}

// Classifier picks a capability for an utterance.
type Classifier interface {
	Classify(ctx context.Context, utterance string, candidates []capability.Descriptor) router.Decision
}

// Generator produces schema-valid structured output.
type Generator interface {
	Run(ctx context.Context, task jsonguard.Task) (jsonguard.Validated, error)
}

// Retriever walks the fallback ladder for search capabilities.
type Retriever interface {
	Run(ctx context.Context, q ladder.Query) (ladder.Result, error)
}

// Registry is the capability lookup the pipeline needs.
type Registry interface {
	Resolve(id string) (capability.Descriptor, error)
	ResolveChain(id string) ([]string, error)
	List() []capability.Descriptor
}

// Config tunes a pipeline.
type Config struct {
	// SafeFallback is released when no verified answer exists.
	SafeFallback string
	Refusal      string
	// Persona opens every generation system prompt.
	Persona string
	// TimeStaleness bounds the age of the time context at generation start.
	TimeStaleness time.Duration
	MemoryTimeout time.Duration
	MemoryLimit   int
}

// Deps are the collaborators of a pipeline. Router, Guard, Registry and
// Policy are required.
type Deps struct {
	Registry Registry
	Router   Classifier
	Guard    Generator
	Policy   *timepolicy.Policy
	Ladder   Retriever
	Memory   memory.Retriever
	// Sink receives the record of every run. Run-level metrics are the
	// sink's concern; Metrics covers routing and verification.
	Sink    evalgate.Sink
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// Pipeline handles requests. It is safe for concurrent use; all run state
// is local to Handle.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
}

// New validates deps and applies config defaults.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("pipeline: registry is required")
	case deps.Router == nil:
		return nil, errors.New("pipeline: router is required")
	case deps.Guard == nil:
		return nil, errors.New("pipeline: guard is required")
	case deps.Policy == nil:
		return nil, errors.New("pipeline: time policy is required")
	}
	if cfg.SafeFallback == "" {
		cfg.SafeFallback = DefaultSafeFallback
	}
	if cfg.Refusal == "" {
		cfg.Refusal = DefaultRefusal
	}
	if cfg.Persona == "" {
		cfg.Persona = defaultPersona
	}
	if cfg.TimeStaleness <= 0 {
		cfg.TimeStaleness = time.Minute
	}
	if cfg.MemoryTimeout <= 0 {
		cfg.MemoryTimeout = 2 * time.Second
	}
	if deps.Memory == nil {
		deps.Memory = memory.Noop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logging.Component("pipeline")}, nil
}

// run is the state of a single Handle call.
type run struct {
	id        string
	utterance string
	user      UserContext
	started   time.Time
	decision  router.Decision
	desc      capability.Descriptor
	tc        timepolicy.Context
	inject    bool
	sources   []search.Document
	facts     []memory.Fact
	record    evalgate.Record
}

// Handle runs one request end to end. It always returns a response; failures
// resolve to a clarification, safe fallback, refusal or cancelled response.
func (p *Pipeline) Handle(ctx context.Context, utterance string, uc UserContext) Response {
	r := &run{
		id:        uuid.NewString(),
		utterance: utterance,
		user:      uc,
		started:   p.deps.Now(),
	}
	r.record = evalgate.Record{RunID: r.id, StartedAt: r.started}

	resp := p.handle(ctx, r)
	resp.RunID = r.id
	if resp.Capability == "" {
		resp.Capability = r.decision.Capability
	}
	p.finish(ctx, r, resp)
	return resp
}

func (p *Pipeline) handle(ctx context.Context, r *run) Response {
	r.decision = p.deps.Router.Classify(ctx, r.utterance, p.deps.Registry.List())
	p.deps.Metrics.ObserveRouting(ctx, r.decision)
	r.record.Degraded = r.decision.Degraded
	if ctx.Err() != nil {
		return Response{Kind: KindCancelled}
	}

	desc, err := p.deps.Registry.Resolve(r.decision.Capability)
	if err != nil {
		p.logger.Warn().Err(err).Str("run_id", r.id).Msg("routed capability is not registered")
		return Response{Kind: KindRefusal, Text: p.cfg.Refusal, Capability: r.decision.Capability}
	}
	if !p.serviceable(desc) {
		desc = p.substitute(r, desc)
	}
	r.desc = desc
	if errs := slotErrors(desc, r.decision.Slots); len(errs) > 0 {
		p.logger.Debug().
			Str("run_id", r.id).
			Str("capability", desc.ID).
			Strs("errors", errs).
			Msg("router slots do not match the input schema")
	}
	r.record.ToolRequested = desc.Class != capability.ClassChat
	r.inject = p.deps.Policy.RequiresTime(desc.ID) ||
		r.decision.Slots["temporal_reference"] == "true" ||
		timepolicy.HasTemporalReference(r.utterance)

	if desc.Class == capability.ClassSearch {
		res, err := p.retrieve(ctx, r)
		if err != nil {
			return Response{Kind: KindCancelled, Capability: desc.ID}
		}
		r.record.TierReached = string(res.Reached)
		if res.Exhausted() {
			p.logger.Info().Str("run_id", r.id).Err(res.Err()).Msg("retrieval exhausted, asking for clarification")
			return Response{Kind: KindClarification, Text: res.Clarification, Capability: desc.ID}
		}
		r.sources = res.Documents
	}

	r.facts = p.recall(ctx, r)
	if ctx.Err() != nil {
		return Response{Kind: KindCancelled, Capability: desc.ID}
	}
	return p.generate(ctx, r)
}

// serviceable reports whether the pipeline has what d needs to run.
func (p *Pipeline) serviceable(d capability.Descriptor) bool {
	return d.Class != capability.ClassSearch || p.deps.Ladder != nil
}

// substitute follows the fallback chain of d to the first capability the
// pipeline can serve, or returns d when there is none.
func (p *Pipeline) substitute(r *run, d capability.Descriptor) capability.Descriptor {
	chain, err := p.deps.Registry.ResolveChain(d.ID)
	if err != nil {
		return d
	}
	for _, id := range chain[1:] {
		next, err := p.deps.Registry.Resolve(id)
		if err != nil || !p.serviceable(next) {
			continue
		}
		p.logger.Info().
			Str("run_id", r.id).
			Str("capability", d.ID).
			Str("fallback", next.ID).
			Msg("capability unavailable, using fallback")
		return next
	}
	return d
}

func (p *Pipeline) retrieve(ctx context.Context, r *run) (ladder.Result, error) {
	text := r.decision.Slots["query"]
	if text == "" {
		text = r.utterance
	}
	q := ladder.Query{Text: text, Kind: ladder.KindGeneral}
	if r.desc.Retrieval == capability.RetrievalNews {
		q.Kind = ladder.KindNews
	}
	if p.deps.Ladder == nil {
		p.logger.Warn().Str("run_id", r.id).Msg("no retrieval configured")
		return ladder.Result{
			Query:         q,
			Reached:       ladder.StrategyClarification,
			Clarification: strings.ReplaceAll(ladder.DefaultClarification, "{query}", q.Text),
		}, nil
	}
	return p.deps.Ladder.Run(ctx, q)
}

func (p *Pipeline) recall(ctx context.Context, r *run) []memory.Fact {
	mctx, cancel := context.WithTimeout(ctx, p.cfg.MemoryTimeout)
	defer cancel()
	facts, err := p.deps.Memory.Retrieve(mctx, memory.Query{
		UserID: r.user.UserID,
		Text:   r.utterance,
		Limit:  p.cfg.MemoryLimit,
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("run_id", r.id).Msg("memory retrieval failed, continuing without facts")
		return nil
	}
	return facts
}

func (p *Pipeline) generate(ctx context.Context, r *run) Response {
	p.refreshTime(r)
	req := p.request(r)
	validated, err := p.deps.Guard.Run(ctx, jsonguard.Task{Capability: r.desc, Request: req})
	r.record.Attempts += attemptsOf(validated, err)
	if resp, done := p.guardFailure(ctx, r, err); done {
		return resp
	}

	text := render(r.desc, validated.Payload, r.tc)
	vr := p.verify(ctx, r, text, validated.JSON)
	if !vr.Passed {
		p.logger.Info().
			Str("run_id", r.id).
			Strs("details", vr.Details).
			Msg("verification failed, regenerating once")
		if ctx.Err() != nil {
			return Response{Kind: KindCancelled, Capability: r.desc.ID}
		}
		p.refreshTime(r)
		corrective := p.request(r)
		corrective.System += "\n\n" + vr.Feedback()
		corrective.Deterministic = true
		validated, err = p.deps.Guard.Run(ctx, jsonguard.Task{Capability: r.desc, Request: corrective, SingleShot: true})
		r.record.Attempts += attemptsOf(validated, err)
		if errors.As(err, new(*jsonguard.Cancelled)) || ctx.Err() != nil {
			return Response{Kind: KindCancelled, Capability: r.desc.ID}
		}
		if err == nil {
			text = render(r.desc, validated.Payload, r.tc)
			vr = p.verify(ctx, r, text, validated.JSON)
		}
		if err != nil || !vr.Passed {
			r.record.VerificationRan = true
			p.logger.Warn().Str("run_id", r.id).Err(err).Msg("corrective regeneration failed, releasing safe fallback")
			return Response{
				Kind:       KindSafeFallback,
				Text:       p.cfg.SafeFallback,
				Capability: r.desc.ID,
				Violations: vr.Violations,
			}
		}
	}

	r.record.VerificationRan = true
	r.record.VerificationPassed = true
	return Response{
		Kind:               KindAnswer,
		Text:               verifier.Finalize(text, r.finalizeContext(), r.sources),
		Capability:         r.desc.ID,
		Sources:            r.sources,
		VerificationPassed: true,
		Payload:            validated.JSON,
	}
}

// refreshTime rebuilds the time context when it is missing or older than
// the staleness bound. The context is always built for verification; it is
// injected into the prompt only when the request is temporal.
func (p *Pipeline) refreshTime(r *run) {
	if now := p.deps.Now(); r.tc.Stale(now, p.cfg.TimeStaleness) {
		r.tc = p.deps.Policy.BuildContext(now)
	}
}

// guardFailure maps a guard error to a released response.
func (p *Pipeline) guardFailure(ctx context.Context, r *run, err error) (Response, bool) {
	if err == nil {
		return Response{}, false
	}
	var cancelled *jsonguard.Cancelled
	if errors.As(err, &cancelled) || ctx.Err() != nil {
		return Response{Kind: KindCancelled, Capability: r.desc.ID}, true
	}
	var exhausted *jsonguard.RepairExhaustedError
	if errors.As(err, &exhausted) {
		r.record.RepairExhausted = true
		if r.desc.Class == capability.ClassSearch && len(r.sources) > 0 {
			text := digest(r.sources)
			vr := verifier.Verify(verifier.Candidate{Text: text, Class: r.desc.Class}, r.tc, r.sources)
			p.deps.Metrics.ObserveVerification(ctx, r.desc.ID, vr)
			r.record.VerificationRan = true
			if vr.Passed {
				p.logger.Warn().Str("run_id", r.id).Msg("repair exhausted, releasing source digest")
				r.record.VerificationPassed = true
				return Response{
					Kind:               KindDigest,
					Text:               text,
					Capability:         r.desc.ID,
					Sources:            r.sources,
					VerificationPassed: true,
				}, true
			}
		}
	}
	p.logger.Warn().Err(err).Str("run_id", r.id).Msg("generation failed, releasing safe fallback")
	return Response{Kind: KindSafeFallback, Text: p.cfg.SafeFallback, Capability: r.desc.ID}, true
}

func (p *Pipeline) verify(ctx context.Context, r *run, text string, payload json.RawMessage) verifier.Result {
	vr := verifier.Verify(verifier.Candidate{
		Text:    text,
		Payload: payload,
		Schema:  r.desc.Output(),
		Class:   r.desc.Class,
	}, r.tc, r.sources)
	p.deps.Metrics.ObserveVerification(ctx, r.desc.ID, vr)
	return vr
}

// finalizeContext returns the time context for final rewrites: only runs
// that were temporal get a reference date appended.
func (r *run) finalizeContext() timepolicy.Context {
	if r.inject {
		return r.tc
	}
	return timepolicy.Context{}
}

func (p *Pipeline) finish(ctx context.Context, r *run, resp Response) {
	r.record.Capability = resp.Capability
	r.record.Outcome = string(resp.Kind)
	r.record.Latency = p.deps.Now().Sub(r.started)

	// Recording outlives the caller's cancellation.
	if p.deps.Sink != nil {
		p.deps.Sink.OnComplete(context.WithoutCancel(ctx), r.record)
	}
	p.logger.Info().
		Str("run_id", r.id).
		Str("capability", resp.Capability).
		Str("kind", string(resp.Kind)).
		Int("attempts", r.record.Attempts).
		Str("tier", r.record.TierReached).
		Bool("verified", resp.VerificationPassed).
		Dur("duration", r.record.Latency).
		Msg("pipeline run finished")
}

func attemptsOf(v jsonguard.Validated, err error) int {
	var exhausted *jsonguard.RepairExhaustedError
	var cancelled *jsonguard.Cancelled
	switch {
	case err == nil:
		return len(v.Attempts)
	case errors.As(err, &exhausted):
		return len(exhausted.Attempts)
	case errors.As(err, &cancelled):
		return len(cancelled.Attempts)
	}
	return 0
}
