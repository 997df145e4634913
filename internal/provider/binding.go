package provider

import (
	"context"
	"errors"
	"fmt"
)

// EmbedFunc produces one vector per input text.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Binding exposes the provider router as a LanguageModel for one agent and model.
type Binding struct {
	router    *Router
	agentID   string
	model     string
	maxTokens int
	embed     EmbedFunc
}

// NewBinding binds an agent's provider route and model name.
func NewBinding(router *Router, agentID, model string) *Binding {
	return &Binding{router: router, agentID: agentID, model: model, maxTokens: 4096}
}

// WithEmbedder attaches an embedding function, enabling GenerateEmbedding.
func (b *Binding) WithEmbedder(fn EmbedFunc) *Binding {
	b.embed = fn
	return b
}

// GenerateText renders the prompt as a chat request and routes it.
func (b *Binding) GenerateText(ctx context.Context, p *Prompt) (*Generation, error) {
	if p == nil {
		return nil, errors.New("generate text: nil prompt")
	}
	req := &ChatRequest{
		Model:       b.model,
		Messages:    BuildMessages(p),
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = b.maxTokens
	}
	if len(p.Tools) > 0 {
		req.Tools = p.Tools
		req.ToolChoice = "auto"
	}

	resp, err := b.router.Route(ctx, b.agentID, req)
	if err != nil {
		return nil, fmt.Errorf("generate text: %w", err)
	}
	return &Generation{
		Text:         resp.Content,
		ToolCalls:    resp.ToolCalls,
		Usage:        resp.Usage,
		FinishReason: resp.FinishReason,
	}, nil
}

// GenerateEmbedding embeds a single text with the attached embedder.
func (b *Binding) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if b.embed == nil {
		return nil, errors.New("generate embedding: no embedder configured")
	}
	vecs, err := b.embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("generate embedding: %w", err)
	}
	if len(vecs) == 0 {
		return nil, errors.New("generate embedding: empty result")
	}
	return vecs[0], nil
}

// CountTokens estimates the token count of text.
func (b *Binding) CountTokens(text string) int {
	return EstimateTokens(text)
}

// BuildMessages flattens a Prompt into chat messages.
func BuildMessages(p *Prompt) []Message {
	var msgs []Message
	if p.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: p.System})
	}
	msgs = append(msgs, p.Messages...)
	if p.Text != "" {
		msgs = append(msgs, Message{Role: "user", Content: p.Text})
	}
	return msgs
}
