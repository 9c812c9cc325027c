// Package openaiapi implements llm.Completer on the OpenAI Responses API.
package openaiapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/metalagman/anchor/internal/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

// Client wraps OpenAI responses API for oneshot calls.
type Client struct {
	cfg    Config
	client openai.Client
}

var _ llm.Completer = (*Client)(nil)

// NewClient constructs a new OpenAI API client.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("openai model is required")
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		envKey := strings.TrimSpace(cfg.APIKeyEnv)
		if envKey == "" {
			envKey = defaultAPIKeyEnv
		}
		apiKey = strings.TrimSpace(os.Getenv(envKey))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required (set api_key or api_key_env)")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	// Retries happen in llm.WithRetry so they stay visible in one place.
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	return &Client{
		cfg: Config{
			Model:   model,
			BaseURL: baseURL,
			Timeout: timeout,
		},
		client: openai.NewClient(opts...),
	}, nil
}

// Complete executes a single Responses API request.
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	model := c.cfg.Model
	if m := strings.TrimSpace(req.Model); m != "" {
		model = m
	}
	params := responses.ResponseNewParams{
		Model:        model,
		Instructions: openai.String(req.System),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(req.Prompt),
		},
	}
	if t, ok := req.EffectiveTemperature(); ok {
		params.Temperature = openai.Float(t)
	}
	if effort := strings.TrimSpace(req.ThinkMode); effort != "" {
		params.Reasoning = shared.ReasoningParam{Effort: shared.ReasoningEffort(effort)}
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		err = fmt.Errorf("openai responses.create: %w", err)
		if isTransient(err) {
			return "", llm.Transient(err)
		}
		return "", err
	}
	if msg := strings.TrimSpace(resp.Error.Message); msg != "" {
		return "", fmt.Errorf("openai response failed: %s", msg)
	}

	output := strings.TrimSpace(resp.OutputText())
	if output == "" {
		return "", fmt.Errorf("openai response did not contain output text")
	}
	return output, nil
}

func isTransient(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	return false
}
