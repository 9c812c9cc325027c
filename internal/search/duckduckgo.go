package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

const defaultDuckDuckGoURL = "https://api.duckduckgo.com"

// DuckDuckGoConfig configures the Instant Answer client.
type DuckDuckGoConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxResults int
}

// DuckDuckGo queries the DuckDuckGo Instant Answer API. It needs no key and
// returns undated results.
type DuckDuckGo struct {
	client     *resty.Client
	maxResults int
}

// NewDuckDuckGo returns a DuckDuckGo searcher.
func NewDuckDuckGo(cfg DuckDuckGoConfig) *DuckDuckGo {
	base := cfg.BaseURL
	if base == "" {
		base = defaultDuckDuckGoURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := cfg.MaxResults
	if limit <= 0 {
		limit = 5
	}
	return &DuckDuckGo{
		client:     resty.New().SetBaseURL(base).SetTimeout(timeout),
		maxResults: limit,
	}
}

// Search runs the query.
func (d *DuckDuckGo) Search(ctx context.Context, query string) ([]Document, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":             query,
			"format":        "json",
			"no_html":       "1",
			"skip_disambig": "1",
		}).
		Get("/")
	if err != nil {
		return nil, fmt.Errorf("duckduckgo search: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("duckduckgo search: status %d", resp.StatusCode())
	}
	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("duckduckgo search: invalid JSON response")
	}
	root := gjson.ParseBytes(body)

	var docs []Document
	if abstract := root.Get("AbstractText").String(); abstract != "" {
		docs = append(docs, Document{
			Title:   firstNonEmpty(root.Get("Heading").String(), query),
			URL:     root.Get("AbstractURL").String(),
			Snippet: abstract,
			Source:  "duckduckgo",
		})
	}
	var collect func(topics gjson.Result)
	collect = func(topics gjson.Result) {
		topics.ForEach(func(_, topic gjson.Result) bool {
			if len(docs) >= d.maxResults {
				return false
			}
			if nested := topic.Get("Topics"); nested.Exists() {
				collect(nested)
				return true
			}
			text := topic.Get("Text").String()
			link := topic.Get("FirstURL").String()
			if text == "" || link == "" {
				return true
			}
			title, _, _ := strings.Cut(text, " - ")
			docs = append(docs, Document{
				Title:   title,
				URL:     link,
				Snippet: text,
				Source:  "duckduckgo",
			})
			return true
		})
	}
	collect(root.Get("RelatedTopics"))
	if len(docs) > d.maxResults {
		docs = docs[:d.maxResults]
	}
	return docs, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
