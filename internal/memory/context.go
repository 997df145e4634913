package memory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ContextBlock is a chunk of memory-derived context for LLM injection.
type ContextBlock struct {
	Source        string  `json:"source"` // memory entry id
	Type          string  `json:"type"`
	Content       string  `json:"content"`
	Relevance     float64 `json:"relevance"`
	TokenEstimate int     `json:"token_estimate"`
}

// ContextBudget controls how much memory context to inject.
type ContextBudget struct {
	MaxTokens int // total token budget for memory context
	MaxBlocks int // max number of context blocks
}

// DefaultContextBudget returns sensible defaults.
func DefaultContextBudget() ContextBudget {
	return ContextBudget{
		MaxTokens: 2000,
		MaxBlocks: 10,
	}
}

// BuildContext queries memory for text and packs the hits into blocks
// within budget, most relevant first.
func (s *Store) BuildContext(ctx context.Context, text string, budget ContextBudget) ([]ContextBlock, error) {
	if budget.MaxTokens == 0 {
		budget = DefaultContextBudget()
	}

	hits, err := s.Query(ctx, text, QueryOptions{Limit: budget.MaxBlocks * 2})
	if err != nil {
		return nil, fmt.Errorf("memory query failed: %w", err)
	}

	var blocks []ContextBlock
	usedTokens := 0

	for _, hit := range hits {
		if len(blocks) >= budget.MaxBlocks {
			break
		}

		est := hit.Entry.TokenCount
		if est == 0 {
			est = estimateTokens(hit.Entry.Content)
		}
		if usedTokens+est > budget.MaxTokens {
			continue
		}

		blocks = append(blocks, ContextBlock{
			Source:        hit.Entry.ID,
			Type:          string(hit.Entry.Type),
			Content:       hit.Entry.Content,
			Relevance:     hit.Score,
			TokenEstimate: est,
		})
		usedTokens += est
	}

	s.logger.Debug("built memory context",
		zap.Int("blocks", len(blocks)),
		zap.Int("tokens", usedTokens))

	return blocks, nil
}

// FormatContextPrompt renders memory blocks as a system prompt section.
func FormatContextPrompt(blocks []ContextBlock) string {
	if len(blocks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Memory Context]\n")
	for _, block := range blocks {
		fmt.Fprintf(&b, "- %s (relevance: %.2f): %s\n", block.Type, block.Relevance, block.Content)
	}
	return b.String()
}
