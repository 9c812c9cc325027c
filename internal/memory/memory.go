// Package memory retrieves long-term user facts that enrich generation input.
// Storage semantics live behind the adapters.
package memory

import (
	"context"
	"fmt"
	"strings"
)

// Fact is one remembered statement about the user.
type Fact struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source,omitempty"`
}

// Query selects facts relevant to an utterance.
type Query struct {
	UserID string
	Text   string
	Limit  int
}

// Retriever returns facts for a query.
type Retriever interface {
	Retrieve(ctx context.Context, q Query) ([]Fact, error)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context, q Query) ([]Fact, error)

// Retrieve calls f.
func (f RetrieverFunc) Retrieve(ctx context.Context, q Query) ([]Fact, error) {
	return f(ctx, q)
}

// Noop never returns facts.
type Noop struct{}

// Retrieve implements Retriever.
func (Noop) Retrieve(context.Context, Query) ([]Fact, error) { return nil, nil }

const defaultLimit = 5

func limitOf(q Query) int {
	if q.Limit > 0 {
		return q.Limit
	}
	return defaultLimit
}

// Block renders facts for a system prompt. It returns "" without facts.
func Block(facts []Fact) string {
	if len(facts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known facts about the user (use only when relevant):\n")
	for _, f := range facts {
		fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(f.Text))
	}
	return strings.TrimRight(b.String(), "\n")
}
