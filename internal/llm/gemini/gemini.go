// Package gemini implements llm.Completer on the Google GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/metalagman/anchor/internal/llm"
	"google.golang.org/genai"
)

const (
	defaultModel     = "gemini-2.5-flash"
	defaultAPIKeyEnv = "GEMINI_API_KEY"
)

var thinkingBudgets = map[string]int32{
	"low":    1024,
	"medium": 4096,
	"high":   16384,
}

// Config is Gemini client configuration.
type Config struct {
	Model     string
	BaseURL   string
	APIKey    string
	APIKeyEnv string
	Timeout   time.Duration
}

// Client is a Gemini completer.
type Client struct {
	client *genai.Client
	model  string
}

var _ llm.Completer = (*Client)(nil)

// NewClient constructs a Gemini client.
func NewClient(ctx context.Context, cfg Config, httpClient *http.Client) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		envKey := strings.TrimSpace(cfg.APIKeyEnv)
		if envKey == "" {
			envKey = defaultAPIKeyEnv
		}
		apiKey = strings.TrimSpace(os.Getenv(envKey))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required (set api_key or api_key_env)")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{client: client, model: model}, nil
}

// Complete runs a single GenerateContent call.
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	model := c.model
	if m := strings.TrimSpace(req.Model); m != "" {
		model = m
	}

	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if t, ok := req.EffectiveTemperature(); ok {
		config.Temperature = genai.Ptr(float32(t))
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}
	if budget, ok := thinkingBudgets[req.ThinkMode]; ok {
		config.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(budget)}
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), config)
	if err != nil {
		err = fmt.Errorf("gemini generate content: %w", err)
		if isTransient(err) {
			return "", llm.Transient(err)
		}
		return "", err
	}
	out := strings.TrimSpace(resp.Text())
	if out == "" {
		return "", fmt.Errorf("gemini response did not contain text")
	}
	return out, nil
}

func isTransient(err error) bool {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
