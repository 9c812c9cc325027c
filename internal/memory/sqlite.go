package memory

import (
	"context"
	"fmt"

	"github.com/metalagman/anchor/internal/db"
)

type factSearcher interface {
	SearchFacts(ctx context.Context, userID, query string, limit int) ([]db.FactRow, error)
}

// SQLite retrieves facts with SQLite full-text search.
type SQLite struct {
	store factSearcher
}

// NewSQLite returns a full-text retriever over store.
func NewSQLite(store *db.Store) *SQLite {
	return &SQLite{store: store}
}

// Retrieve implements Retriever.
func (s *SQLite) Retrieve(ctx context.Context, q Query) ([]Fact, error) {
	rows, err := s.store.SearchFacts(ctx, q.UserID, q.Text, limitOf(q))
	if err != nil {
		return nil, fmt.Errorf("sqlite facts: %w", err)
	}
	facts := make([]Fact, 0, len(rows))
	for _, r := range rows {
		facts = append(facts, Fact{Text: r.Content, Score: -r.Rank, Source: "sqlite"})
	}
	return facts, nil
}
