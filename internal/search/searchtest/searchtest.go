// Package searchtest provides scripted searchers for tests.
package searchtest

import (
	"context"
	"sync"

	"github.com/metalagman/anchor/internal/search"
)

// Stub returns fixed documents or an error and counts calls.
type Stub struct {
	mu      sync.Mutex
	Docs    []search.Document
	Err     error
	// Block makes Search wait for ctx cancellation.
	Block   bool
	queries []string
}

// Search implements search.Searcher.
func (s *Stub) Search(ctx context.Context, query string) ([]search.Document, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	block := s.Block
	docs, err := s.Docs, s.Err
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return docs, err
}

// Calls returns how many searches ran.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

// Queries returns the received queries.
func (s *Stub) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}
