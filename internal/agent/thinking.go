package agent

import (
	"time"
)

// StepType identifies the kind of thinking step.
type StepType string

const (
	StepMemoryRecall StepType = "memory_recall"
	StepReasoning    StepType = "reasoning"
	StepToolCall     StepType = "tool_call"
	StepToolResult   StepType = "tool_result"
	StepResponse     StepType = "response"
	StepMemoryWrite  StepType = "memory_write"
)

// ThinkingChain records the trace of one agent execution.
type ThinkingChain struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	TaskID    string        `json:"task_id"`
	Steps     []ThinkStep   `json:"steps"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// ThinkStep is a single step in the thinking chain.
type ThinkStep struct {
	Type       StepType  `json:"type"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TokensUsed int       `json:"tokens_used"`
}

func (c *ThinkingChain) add(t StepType, content string, tokens int) {
	c.Steps = append(c.Steps, ThinkStep{
		Type:       t,
		Content:    content,
		Timestamp:  time.Now(),
		TokensUsed: tokens,
	})
}
