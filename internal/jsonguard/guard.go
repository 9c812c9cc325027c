// Package jsonguard turns free-form model output into schema-valid JSON with
// a bounded generate, validate and repair loop.
package jsonguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/looplab/fsm"
	"github.com/metalagman/anchor/internal/capability"
	"github.com/metalagman/anchor/internal/llm"
	"github.com/metalagman/anchor/internal/logging"
	"github.com/metalagman/anchor/internal/schema"
	"github.com/rs/zerolog"
)

// MaxRepairs is the hard cap on repair calls per run: one generation plus
// at most two repairs.
const MaxRepairs = 2

// Attempt kinds.
const (
	KindGenerate = "generate"
	KindRepair   = "repair"
)

// Config tunes the guard.
type Config struct {
	// MaxRepairs is clamped to [0, MaxRepairs].
	MaxRepairs  int
	CallTimeout time.Duration
}

// Task is one structured generation.
type Task struct {
	Capability capability.Descriptor
	// Request carries system prompt, user prompt and run options.
	Request llm.Request
	// SingleShot disables repairs: the first invalid output exhausts the run.
	SingleShot bool
}

// Attempt records one model call.
type Attempt struct {
	Index    int
	Kind     string
	Raw      string
	Errors   []string
	Err      error
	Duration time.Duration
}

// Validated is an accepted payload.
type Validated struct {
	Capability string
	Payload    map[string]any
	JSON       json.RawMessage
	Attempts   []Attempt
}

// RepairExhaustedError is returned when no attempt produced valid output.
type RepairExhaustedError struct {
	Capability string
	LastRaw    string
	Errors     []string
	Attempts   []Attempt
}

func (e *RepairExhaustedError) Error() string {
	return fmt.Sprintf("json guard: %s invalid after %d attempt(s): %s",
		e.Capability, len(e.Attempts), strings.Join(e.Errors, "; "))
}

// Cancelled wraps the context error of a run that stopped early.
type Cancelled struct {
	State    string
	Attempts []Attempt
	Err      error
}

func (e *Cancelled) Error() string {
	return fmt.Sprintf("json guard cancelled in %s: %v", e.State, e.Err)
}

func (e *Cancelled) Unwrap() error { return e.Err }

// Guard runs the generate, validate, repair machine.
type Guard struct {
	llm    llm.Completer
	cfg    Config
	logger zerolog.Logger
}

// New returns a Guard.
func New(c llm.Completer, cfg Config) *Guard {
	if cfg.MaxRepairs < 0 {
		cfg.MaxRepairs = 0
	}
	if cfg.MaxRepairs > MaxRepairs {
		cfg.MaxRepairs = MaxRepairs
	}
	return &Guard{llm: c, cfg: cfg, logger: logging.Component("jsonguard")}
}

// Run generates output for task and returns it once it validates against
// the capability output schema. It makes at most 1+MaxRepairs calls.
func (g *Guard) Run(ctx context.Context, task Task) (Validated, error) {
	out := task.Capability.Output()
	if out == nil {
		return Validated{}, fmt.Errorf("json guard: capability %q has no output schema", task.Capability.ID)
	}
	logger := g.logger.With().Str("capability", task.Capability.ID).Logger()
	machine := newMachine(logger)
	// Transitions are bookkeeping only; cancellation is checked explicitly.
	mctx := context.WithoutCancel(ctx)

	base := task.Request
	base.JSON = true
	base.Schema = out.JSON()
	base.System = withSchemaInstructions(base.System, base.Schema)

	req := base
	var attempts []Attempt
	repairs := g.cfg.MaxRepairs
	if task.SingleShot {
		repairs = 0
	}

	for {
		switch machine.Current() {
		case StateGenerating, StateRepairing:
			if err := ctx.Err(); err != nil {
				return Validated{}, g.cancel(mctx, machine, attempts, err)
			}
			kind, event := KindGenerate, EventGenerated
			if machine.Current() == StateRepairing {
				kind, event = KindRepair, EventRepaired
			}
			attempts = append(attempts, g.call(ctx, req, len(attempts), kind))
			if err := machine.Event(mctx, event); err != nil {
				return Validated{}, fmt.Errorf("json guard transition %s: %w", event, err)
			}

		case StateValidating:
			if err := ctx.Err(); err != nil {
				return Validated{}, g.cancel(mctx, machine, attempts, err)
			}
			last := &attempts[len(attempts)-1]
			if last.Err == nil {
				raw, payload, errs := Validate(out, last.Raw)
				last.Errors = errs
				if len(errs) == 0 {
					if err := machine.Event(mctx, EventAccept); err != nil {
						return Validated{}, fmt.Errorf("json guard transition %s: %w", EventAccept, err)
					}
					logger.Debug().Int("attempts", len(attempts)).Msg("json guard accepted")
					return Validated{
						Capability: task.Capability.ID,
						Payload:    payload,
						JSON:       raw,
						Attempts:   attempts,
					}, nil
				}
			}
			logger.Debug().
				Int("attempt", last.Index).
				Strs("errors", last.Errors).
				Msg("json guard rejected output")

			if last.Index >= repairs {
				if err := machine.Event(mctx, EventExhaust); err != nil {
					return Validated{}, fmt.Errorf("json guard transition %s: %w", EventExhaust, err)
				}
				logger.Warn().Int("attempts", len(attempts)).Msg("json guard exhausted repairs")
				return Validated{}, &RepairExhaustedError{
					Capability: task.Capability.ID,
					LastRaw:    last.Raw,
					Errors:     last.Errors,
					Attempts:   attempts,
				}
			}
			if err := machine.Event(mctx, EventReject); err != nil {
				return Validated{}, fmt.Errorf("json guard transition %s: %w", EventReject, err)
			}
			req = repairRequest(base, task.Request.Prompt, *last)

		default:
			return Validated{}, fmt.Errorf("json guard: unexpected state %q", machine.Current())
		}
	}
}

func (g *Guard) call(ctx context.Context, req llm.Request, index int, kind string) Attempt {
	callCtx := ctx
	if g.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
	}
	started := time.Now()
	raw, err := g.llm.Complete(callCtx, req)
	a := Attempt{Index: index, Kind: kind, Raw: raw, Duration: time.Since(started)}
	if err != nil {
		a.Err = err
		a.Errors = []string{describeCallError(ctx, err, g.cfg.CallTimeout)}
	}
	return a
}

func (g *Guard) cancel(ctx context.Context, machine *fsm.FSM, attempts []Attempt, cause error) error {
	state := machine.Current()
	_ = machine.Event(ctx, EventCancel)
	g.logger.Debug().Str("state", state).Err(cause).Msg("json guard cancelled")
	return &Cancelled{State: state, Attempts: attempts, Err: cause}
}

func describeCallError(ctx context.Context, err error, timeout time.Duration) string {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Sprintf("(call): timed out after %s", timeout)
	}
	return fmt.Sprintf("(call): %v", err)
}

// Validate normalizes raw model output and checks it against s. It makes no
// model calls and is idempotent.
func Validate(s *schema.Schema, raw string) (json.RawMessage, map[string]any, []string) {
	normalized := schema.Normalize(raw)
	if normalized == "" {
		return nil, nil, []string{"(root): empty output"}
	}
	if errs := s.Validate([]byte(normalized)); len(errs) > 0 {
		return nil, nil, errs
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(normalized), &payload); err != nil {
		return nil, nil, []string{"(root): expected a JSON object"}
	}
	return json.RawMessage(normalized), payload, nil
}

func withSchemaInstructions(system string, schemaJSON []byte) string {
	var b strings.Builder
	if s := strings.TrimSpace(system); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	b.WriteString("Respond with ONLY one JSON object that matches this JSON schema. ")
	b.WriteString("No markdown fences, no commentary, no extra fields.\n")
	b.WriteString("Schema:\n")
	b.Write(schemaJSON)
	return b.String()
}

func repairRequest(base llm.Request, originalPrompt string, last Attempt) llm.Request {
	var b strings.Builder
	b.WriteString("Original request:\n")
	b.WriteString(originalPrompt)
	b.WriteString("\n\nYour previous output:\n")
	if strings.TrimSpace(last.Raw) == "" {
		b.WriteString("(empty)")
	} else {
		b.WriteString(last.Raw)
	}
	b.WriteString("\n\nIt was rejected for these reasons:\n")
	for _, e := range last.Errors {
		b.WriteString("- ")
		b.WriteString(e)
		b.WriteString("\n")
	}
	b.WriteString("\nReturn the corrected JSON object only. Fix exactly these problems and keep everything else.")

	req := base
	req.Prompt = b.String()
	req.Deterministic = true
	return req
}
