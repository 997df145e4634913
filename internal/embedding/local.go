package embedding

import (
	"context"
	"net/http"
)

// LocalProvider implements Provider using an Ollama-compatible embeddings API,
// which accepts one prompt per request.
type LocalProvider struct {
	endpoint string
	model    string
	client   *http.Client
	dim      dimensionCache
}

// NewLocalProvider creates a new LocalProvider from the given Config.
func NewLocalProvider(cfg Config) *LocalProvider {
	return &LocalProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		client:   httpClient(cfg.Timeout),
		dim:      dimensionCache{configured: cfg.Dimension},
	}
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests each text in turn.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var result localResponse
		if err := postJSON(ctx, p.client, p.endpoint+"/api/embeddings", "",
			localRequest{Model: p.model, Prompt: text}, &result); err != nil {
			return nil, err
		}
		embeddings = append(embeddings, result.Embedding)
	}
	p.dim.observe(embeddings)
	return embeddings, nil
}

// Dimension returns the observed vector size, or the configured default.
func (p *LocalProvider) Dimension() int {
	return p.dim.get()
}
