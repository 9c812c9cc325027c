// Package search holds web search providers used by the fallback ladder.
package search

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Document is one search result.
type Document struct {
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Snippet     string     `json:"snippet,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	// Source names the provider that produced the document.
	Source string `json:"source,omitempty"`
}

// Host returns the document host without a leading www.
func (d Document) Host() string {
	return HostOf(d.URL)
}

// HostOf extracts the lower-cased host of a URL, without a leading www.
func HostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Searcher runs a query against one source.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Document, error)
}

// SearcherFunc adapts a function to Searcher.
type SearcherFunc func(ctx context.Context, query string) ([]Document, error)

// Search calls f.
func (f SearcherFunc) Search(ctx context.Context, query string) ([]Document, error) {
	return f(ctx, query)
}

var publishedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// ParsePublished parses the timestamp formats providers use. It returns nil
// for empty or unparseable input.
func ParsePublished(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range publishedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
