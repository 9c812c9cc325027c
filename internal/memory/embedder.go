package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Embedder converts text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OllamaConfig configures the Ollama embeddings client.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Ollama calls the Ollama embeddings endpoint.
type Ollama struct {
	client *resty.Client
	model  string
}

// NewOllama returns an Ollama embedder.
func NewOllama(cfg OllamaConfig) *Ollama {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Ollama{
		client: resty.New().SetBaseURL(base).SetTimeout(timeout),
		model:  model,
	}
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed implements Embedder.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	var out embeddingResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(embeddingRequest{Model: o.model, Prompt: text}).
		SetResult(&out).
		Post("/api/embeddings")
	if err != nil {
		return nil, fmt.Errorf("ollama embedding api call failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ollama api returned status: %d", resp.StatusCode())
	}
	if len(out.Embedding) == 0 {
		return nil, errors.New("ollama returned an empty embedding")
	}
	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
