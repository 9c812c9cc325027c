// Package router classifies an utterance into exactly one registered capability.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/metalagman/anchor/internal/capability"
	"github.com/metalagman/anchor/internal/llm"
	"github.com/metalagman/anchor/internal/logging"
	"github.com/metalagman/anchor/internal/schema"
	"github.com/metalagman/anchor/internal/timepolicy"
	"github.com/rs/zerolog"
)

// Degrade reasons.
const (
	ReasonEmptyUtterance    = "empty_utterance"
	ReasonCallFailed        = "call_failed"
	ReasonTimeout           = "timeout"
	ReasonCancelled         = "cancelled"
	ReasonInvalidOutput     = "invalid_output"
	ReasonUnknownCapability = "unknown_capability"
	ReasonLowConfidence     = "low_confidence"
)

// Decision is the routing outcome.
type Decision struct {
	Capability string            `json:"capability"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots,omitempty"`
	// Raw is the classifier output as received, kept for audit.
	Raw string `json:"raw,omitempty"`
	// Degraded is set when the decision fell back to the default capability.
	Degraded bool   `json:"degraded,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type classifierOutput struct {
	Capability string         `json:"capability" jsonschema:"minLength=1"`
	Confidence float64        `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Slots      map[string]any `json:"slots,omitempty"`
}

// Config tunes classification.
type Config struct {
	// Threshold is the minimum accepted confidence.
	Threshold         float64
	DefaultCapability string
	Timeout           time.Duration
}

// Registry is the capability lookup the router needs.
type Registry interface {
	Resolve(id string) (capability.Descriptor, error)
	List() []capability.Descriptor
}

// Router is a semantic capability classifier.
type Router struct {
	llm      llm.Completer
	registry Registry
	cfg      Config
	schema   *schema.Schema
	logger   zerolog.Logger
}

// New returns a Router. The default capability must be registered.
func New(c llm.Completer, registry Registry, cfg Config) (*Router, error) {
	if cfg.DefaultCapability == "" {
		return nil, errors.New("router: default capability is required")
	}
	if _, err := registry.Resolve(cfg.DefaultCapability); err != nil {
		return nil, fmt.Errorf("router: default capability: %w", err)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("router: threshold %v out of [0,1]", cfg.Threshold)
	}
	s, err := OutputSchema()
	if err != nil {
		return nil, err
	}
	return &Router{
		llm:      c,
		registry: registry,
		cfg:      cfg,
		schema:   s,
		logger:   logging.Component("router"),
	}, nil
}

// OutputSchema returns the compiled classifier output schema.
func OutputSchema() (*schema.Schema, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	reflected := r.Reflect(&classifierOutput{})
	reflected.Version = ""
	reflected.ID = ""
	raw, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("router: encode output schema: %w", err)
	}
	s, err := schema.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("router: output schema: %w", err)
	}
	return s, nil
}

// Classify picks one capability from candidates. It never fails: any
// problem degrades to the default capability with a reason.
// An empty candidates list means every registered capability.
func (r *Router) Classify(ctx context.Context, utterance string, candidates []capability.Descriptor) Decision {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return r.degrade(ReasonEmptyUtterance, "", 0, nil)
	}
	if len(candidates) == 0 {
		candidates = r.registry.List()
	}

	callCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	raw, err := r.llm.Complete(callCtx, llm.Request{
		System:        systemPrompt,
		Prompt:        buildPrompt(utterance, candidates, r.schema.JSON()),
		Deterministic: true,
		JSON:          true,
		Schema:        r.schema.JSON(),
	})
	if err != nil {
		reason := ReasonCallFailed
		switch {
		case ctx.Err() != nil:
			reason = ReasonCancelled
		case errors.Is(err, context.DeadlineExceeded):
			reason = ReasonTimeout
		}
		r.logger.Warn().Err(err).Str("reason", reason).Msg("classification failed")
		return r.degrade(reason, "", 0, nil)
	}

	normalized := schema.Normalize(raw)
	if errs := r.schema.Validate([]byte(normalized)); len(errs) > 0 {
		r.logger.Warn().Strs("errors", errs).Msg("classifier output rejected")
		return r.degrade(ReasonInvalidOutput, raw, 0, nil)
	}
	var out classifierOutput
	if err := json.Unmarshal([]byte(normalized), &out); err != nil {
		return r.degrade(ReasonInvalidOutput, raw, 0, nil)
	}
	slots := stringSlots(out.Slots)
	if timepolicy.HasTemporalReference(utterance) {
		if slots == nil {
			slots = map[string]string{}
		}
		if _, ok := slots["temporal_reference"]; !ok {
			slots["temporal_reference"] = "true"
		}
	}

	if !contains(candidates, out.Capability) {
		r.logger.Warn().Str("capability", out.Capability).Msg("classifier returned capability outside candidates")
		return r.degrade(ReasonUnknownCapability, raw, out.Confidence, slots)
	}
	if _, err := r.registry.Resolve(out.Capability); err != nil {
		return r.degrade(ReasonUnknownCapability, raw, out.Confidence, slots)
	}
	if out.Confidence < r.cfg.Threshold {
		r.logger.Debug().
			Str("capability", out.Capability).
			Float64("confidence", out.Confidence).
			Msg("confidence below threshold")
		return r.degrade(ReasonLowConfidence, raw, out.Confidence, slots)
	}

	d := Decision{Capability: out.Capability, Confidence: out.Confidence, Slots: slots, Raw: raw}
	r.logger.Debug().Str("capability", d.Capability).Float64("confidence", d.Confidence).Msg("classified")
	return d
}

func (r *Router) degrade(reason, raw string, confidence float64, slots map[string]string) Decision {
	return Decision{
		Capability: r.cfg.DefaultCapability,
		Confidence: confidence,
		Slots:      slots,
		Raw:        raw,
		Degraded:   true,
		Reason:     reason,
	}
}

func contains(candidates []capability.Descriptor, id string) bool {
	for _, c := range candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}

func stringSlots(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		default:
			b, err := json.Marshal(val)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
