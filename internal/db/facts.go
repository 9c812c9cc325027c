package db

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// FactRow is a stored memory fact.
type FactRow struct {
	ID        int64
	UserID    string
	Content   string
	CreatedAt time.Time
	// Rank is the bm25 score of a search hit; lower is better.
	Rank float64
}

// AddFact stores a fact for a user and returns its id.
func (s *Store) AddFact(ctx context.Context, userID, content string) (int64, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0, fmt.Errorf("add fact: empty content")
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO facts(user_id, content, created_at) VALUES(?, ?, ?)`,
		userID, content, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("insert fact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read fact id: %w", err)
	}
	return id, nil
}

// DeleteFact removes one of a user's facts and reports whether it existed.
func (s *Store) DeleteFact(ctx context.Context, userID string, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete fact: %w", err)
	}
	return n > 0, nil
}

// SearchFacts runs a full-text search over one user's facts. Any query word
// may match; best matches come first.
func (s *Store) SearchFacts(ctx context.Context, userID, query string, limit int) ([]FactRow, error) {
	match := matchExpression(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `SELECT f.id, f.user_id, f.content, f.created_at, bm25(facts_fts) AS rank
		FROM facts_fts
		JOIN facts f ON f.id = facts_fts.rowid
		WHERE facts_fts MATCH ? AND f.user_id = ?
		ORDER BY rank
		LIMIT ?`, match, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("search facts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FactRow
	for rows.Next() {
		var (
			f         FactRow
			createdAt string
		)
		if err := rows.Scan(&f.ID, &f.UserID, &f.Content, &createdAt, &f.Rank); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		if f.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse fact created_at: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read facts: %w", err)
	}
	return out, nil
}

const minMatchWord = 3

// matchExpression quotes every query word for FTS5 and joins them with OR,
// so user input cannot inject query syntax.
func matchExpression(query string) string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	var terms []string
	for _, w := range words {
		if len([]rune(w)) < minMatchWord || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}
