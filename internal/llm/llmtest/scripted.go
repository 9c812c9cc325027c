// Package llmtest provides scripted completers for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/metalagman/anchor/internal/llm"
)

// ErrExhausted is returned when the script has no more steps.
var ErrExhausted = errors.New("scripted completer: no more responses")

// Step is one scripted reply. Func takes precedence over Text and Err.
type Step struct {
	Text string
	Err  error
	Func func(ctx context.Context, req llm.Request) (string, error)
}

// Scripted replays steps in order and records every request.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	requests []llm.Request
}

// New returns a completer that replies with texts in order.
func New(texts ...string) *Scripted {
	s := &Scripted{}
	for _, t := range texts {
		s.steps = append(s.steps, Step{Text: t})
	}
	return s
}

// Then appends a step.
func (s *Scripted) Then(step Step) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
	return s
}

// Reply appends a text step.
func (s *Scripted) Reply(text string) *Scripted {
	return s.Then(Step{Text: text})
}

// Fail appends an error step.
func (s *Scripted) Fail(err error) *Scripted {
	return s.Then(Step{Err: err})
}

// Complete pops the next step.
func (s *Scripted) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return "", ErrExhausted
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	if step.Func != nil {
		return step.Func(ctx, req)
	}
	if step.Err != nil {
		return "", step.Err
	}
	return step.Text, nil
}

// Calls returns how many times Complete was invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of the recorded requests.
func (s *Scripted) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Remaining returns the number of unused steps.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Blocking returns a step that waits for ctx to end and returns its error.
func Blocking() Step {
	return Step{Func: func(ctx context.Context, _ llm.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
}
