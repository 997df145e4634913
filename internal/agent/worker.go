package agent

import (
	"context"

	"github.com/nidhogg/nuka-swarm/internal/provider"
)

// Worker is a capability unit that plans and executes tasks.
type Worker interface {
	ID() string
	Name() string
	Description() string
	Execute(ctx context.Context, req *Request) (*Result, error)
	Plan(ctx context.Context, req *Request) ([]string, error)
	Tools() []ToolInfo
	LanguageModel() provider.LanguageModel
	// Cleanup asks the worker to release resources held for an abandoned
	// execution. It must not block.
	Cleanup()
}

// Pricer is implemented by workers that know their per-token prices.
type Pricer interface {
	Pricing() Pricing
}

// Request is the input handed to a worker.
type Request struct {
	TaskID  string                 `json:"task_id"`
	Prompt  string                 `json:"prompt"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Images  []string               `json:"images,omitempty"`
	Context []string               `json:"context,omitempty"` // results of earlier steps
}

// Result is what a worker returns. An empty Output counts as no output.
type Result struct {
	Success   bool           `json:"success"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	ToolsUsed []string       `json:"tools_used,omitempty"`
	Usage     provider.Usage `json:"usage"`
	MemoryIDs []string       `json:"memory_ids,omitempty"`
	Trace     *ThinkingChain `json:"trace,omitempty"`
}

// ToolInfo describes a tool a worker can call.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// Pricing is the cost per thousand prompt and completion tokens.
type Pricing struct {
	PromptPer1K     float64 `json:"prompt_per_1k" yaml:"prompt_per_1k"`
	CompletionPer1K float64 `json:"completion_per_1k" yaml:"completion_per_1k"`
}

// Cost prices a usage record.
func (p Pricing) Cost(u provider.Usage) float64 {
	return float64(u.PromptTokens)/1000*p.PromptPer1K + float64(u.CompletionTokens)/1000*p.CompletionPer1K
}
