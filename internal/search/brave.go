package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultBraveURL = "https://api.search.brave.com"

// Brave endpoints.
const (
	BraveWeb  = "web"
	BraveNews = "news"
)

// BraveConfig configures a Brave Search client.
type BraveConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Count   int
	Lang    string
	// Freshness restricts results by age: pd, pw, pm or py.
	Freshness string
}

// Brave queries the Brave Search API.
type Brave struct {
	client    *resty.Client
	endpoint  string
	count     int
	lang      string
	freshness string
}

// NewBrave returns a Brave searcher for the web or news endpoint.
func NewBrave(cfg BraveConfig, endpoint string) (*Brave, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("brave api key is required")
	}
	if endpoint != BraveWeb && endpoint != BraveNews {
		return nil, fmt.Errorf("unknown brave endpoint %q", endpoint)
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBraveURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	count := cfg.Count
	if count <= 0 {
		count = 5
	}
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("X-Subscription-Token", cfg.APIKey)
	return &Brave{
		client:    client,
		endpoint:  endpoint,
		count:     count,
		lang:      cfg.Lang,
		freshness: cfg.Freshness,
	}, nil
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	PageAge     string `json:"page_age"`
}

type braveWebResponse struct {
	Web struct {
		Results []braveResult `json:"results"`
	} `json:"web"`
}

type braveNewsResponse struct {
	Results []braveResult `json:"results"`
}

// Search runs the query.
func (b *Brave) Search(ctx context.Context, query string) ([]Document, error) {
	params := map[string]string{
		"q":     query,
		"count": strconv.Itoa(b.count),
	}
	if b.lang != "" {
		params["search_lang"] = b.lang
	}
	if b.freshness != "" {
		params["freshness"] = b.freshness
	}

	var results []braveResult
	req := b.client.R().SetContext(ctx).SetQueryParams(params)
	var resp *resty.Response
	var err error
	if b.endpoint == BraveNews {
		var out braveNewsResponse
		resp, err = req.SetResult(&out).Get("/res/v1/news/search")
		results = out.Results
	} else {
		var out braveWebResponse
		resp, err = req.SetResult(&out).Get("/res/v1/web/search")
		results = out.Web.Results
	}
	if err != nil {
		return nil, fmt.Errorf("brave %s search: %w", b.endpoint, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("brave %s search: status %d", b.endpoint, resp.StatusCode())
	}

	source := "brave_" + b.endpoint
	docs := make([]Document, 0, len(results))
	for _, r := range results {
		docs = append(docs, Document{
			Title:       r.Title,
			URL:         r.URL,
			Snippet:     r.Description,
			PublishedAt: ParsePublished(r.PageAge),
			Source:      source,
		})
	}
	return docs, nil
}
