// Package llm defines the completion contract shared by router, guard and
// providers, plus provider-independent decorators.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

// Request is a single completion call.
type Request struct {
	System string
	Prompt string
	// Model overrides the provider default when set.
	Model string
	// ThinkMode is a provider hint: low, medium or high.
	ThinkMode string
	// Temperature is used when Deterministic is false.
	Temperature *float64
	// Deterministic asks for temperature 0, used for classification and repair.
	Deterministic bool
	// JSON asks the provider for a JSON object response when it supports it.
	JSON bool
	// Schema is the expected output schema, for providers that accept one.
	Schema []byte
}

// EffectiveTemperature returns the temperature to send, if any.
func (r Request) EffectiveTemperature() (float64, bool) {
	if r.Deterministic {
		return 0, true
	}
	if r.Temperature != nil {
		return *r.Temperature, true
	}
	return 0, false
}

// Completer produces a completion for a request.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// TransientError marks a provider failure worth retrying: rate limits,
// 5xx responses, dropped connections.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// RetryPolicy configures WithRetry.
type RetryPolicy struct {
	MaxRetries uint64
	Base       time.Duration
	MaxDelay   time.Duration
}

type retrying struct {
	next   Completer
	policy RetryPolicy
}

// WithRetry retries transient provider failures with exponential backoff.
// It sits below the JSON guard, so its retries never count as guard attempts.
func WithRetry(next Completer, policy RetryPolicy) Completer {
	if policy.MaxRetries == 0 {
		return next
	}
	if policy.Base <= 0 {
		policy.Base = 200 * time.Millisecond
	}
	return &retrying{next: next, policy: policy}
}

func (r *retrying) Complete(ctx context.Context, req Request) (string, error) {
	backoff := retry.NewExponential(r.policy.Base)
	if r.policy.MaxDelay > 0 {
		backoff = retry.WithCappedDuration(r.policy.MaxDelay, backoff)
	}
	backoff = retry.WithMaxRetries(r.policy.MaxRetries, backoff)

	var out string
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		text, err := r.next.Complete(ctx, req)
		if err != nil {
			if IsTransient(err) {
				log.Debug().Err(err).Int("attempt", attempt).Msg("llm: transient failure, retrying")
				return retry.RetryableError(err)
			}
			return err
		}
		out = text
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("complete after %d attempt(s): %w", attempt, err)
	}
	return out, nil
}
