package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/memory"
	"github.com/nidhogg/nuka-swarm/internal/plan"
	"github.com/nidhogg/nuka-swarm/internal/provider"
	"go.uber.org/zap"
)

// ErrEmptyPrompt is returned when a request carries no prompt.
var ErrEmptyPrompt = errors.New("request has no prompt")

// Status represents an agent's current state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusThinking Status = "thinking"
	StatusWorking  Status = "working"
)

const defaultMaxToolRounds = 5

// Config defines an agent's identity and model settings.
type Config struct {
	ID            string   `json:"id" yaml:"id"`
	Name          string   `json:"name" yaml:"name"`
	Role          string   `json:"role" yaml:"role"`
	Description   string   `json:"description" yaml:"description"`
	SystemPrompt  string   `json:"system_prompt" yaml:"system_prompt"`
	Provider      string   `json:"provider" yaml:"provider"`
	Model         string   `json:"model" yaml:"model"`
	Tools         []string `json:"tools" yaml:"tools"`
	MaxToolRounds int      `json:"max_tool_rounds" yaml:"max_tool_rounds"`
	Temperature   float64  `json:"temperature" yaml:"temperature"`
	Pricing       Pricing  `json:"pricing" yaml:"pricing"`
}

// Agent is a Worker backed by a language model, a tool registry and an
// optional memory store.
type Agent struct {
	cfg    Config
	model  provider.LanguageModel
	memory *memory.Store
	tools  *ToolRegistry
	status Status
	mu     sync.RWMutex
	logger *zap.Logger
}

// New creates an agent. mem and tools may be nil.
func New(cfg Config, model provider.LanguageModel, mem *memory.Store, tools *ToolRegistry, logger *zap.Logger) *Agent {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if tools == nil {
		tools = NewToolRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cfg:    cfg,
		model:  model,
		memory: mem,
		tools:  tools,
		status: StatusIdle,
		logger: logger.With(zap.String("agent", cfg.ID)),
	}
}

func (a *Agent) ID() string                            { return a.cfg.ID }
func (a *Agent) Name() string                          { return a.cfg.Name }
func (a *Agent) Config() Config                        { return a.cfg }
func (a *Agent) LanguageModel() provider.LanguageModel { return a.model }
func (a *Agent) Pricing() Pricing                      { return a.cfg.Pricing }
func (a *Agent) Tools() []ToolInfo                     { return a.tools.Info() }
func (a *Agent) Memory() *memory.Store                 { return a.memory }

// Description returns the configured description, falling back to the role.
func (a *Agent) Description() string {
	if a.cfg.Description != "" {
		return a.cfg.Description
	}
	return a.cfg.Role
}

// Status returns the agent's current state.
func (a *Agent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
}

// Cleanup marks the agent idle after an abandoned execution. In-flight
// generation calls are left to finish; their results are discarded by the caller.
func (a *Agent) Cleanup() {
	a.setStatus(StatusIdle)
	a.logger.Debug("cleanup requested")
}

// Execute runs memory recall, the model tool loop and memory write-back for
// one request.
func (a *Agent) Execute(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if a.model == nil {
		return nil, fmt.Errorf("agent %s: no language model", a.cfg.ID)
	}

	chain := &ThinkingChain{
		ID:        uuid.New().String(),
		AgentID:   a.cfg.ID,
		TaskID:    req.TaskID,
		StartedAt: time.Now(),
	}
	a.setStatus(StatusThinking)
	defer a.setStatus(StatusIdle)

	// Step 1: memory recall
	var memoryContext string
	if a.memory != nil {
		blocks, err := a.memory.BuildContext(ctx, req.Prompt, memory.DefaultContextBudget())
		if err != nil {
			a.logger.Warn("memory recall failed", zap.Error(err))
		} else if len(blocks) > 0 {
			memoryContext = memory.FormatContextPrompt(blocks)
			chain.add(StepMemoryRecall, fmt.Sprintf("Recalled %d memory blocks", len(blocks)), 0)
		}
	}

	// Step 2: tool loop
	prompt := &provider.Prompt{
		System:      a.systemPrompt(memoryContext, req.Context),
		Messages:    []provider.Message{{Role: "user", Content: userMessage(req)}},
		Tools:       a.tools.Definitions(),
		Temperature: a.cfg.Temperature,
	}
	chain.add(StepReasoning, "Sending request to language model", 0)

	var (
		gen       *provider.Generation
		usage     provider.Usage
		toolsUsed []string
	)
	seen := make(map[string]bool)
	a.setStatus(StatusWorking)
	for round := 0; round < a.cfg.MaxToolRounds; round++ {
		var err error
		gen, err = a.model.GenerateText(ctx, prompt)
		if err == nil && gen == nil {
			err = provider.ErrNoGeneration
		}
		if err != nil {
			return nil, fmt.Errorf("agent %s generate: %w", a.cfg.ID, err)
		}
		usage.Add(gen.Usage)

		if len(gen.ToolCalls) == 0 {
			break
		}
		chain.add(StepToolCall, fmt.Sprintf("Calling %d tool(s)", len(gen.ToolCalls)), gen.Usage.TotalTokens)

		prompt.Messages = append(prompt.Messages, provider.Message{
			Role:      "assistant",
			Content:   gen.Text,
			ToolCalls: gen.ToolCalls,
		})
		for _, tc := range gen.ToolCalls {
			output, toolErr := a.tools.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
			if toolErr != nil {
				output = toolError(toolErr)
			}
			if !seen[tc.Function.Name] {
				seen[tc.Function.Name] = true
				toolsUsed = append(toolsUsed, tc.Function.Name)
			}
			chain.add(StepToolResult, fmt.Sprintf("%s → %s", tc.Function.Name, truncate(output, 200)), 0)
			prompt.Messages = append(prompt.Messages, provider.Message{
				Role:       "tool",
				Content:    output,
				ToolCallID: tc.ID,
			})
		}

		a.logger.Debug("tool round complete",
			zap.Int("round", round+1),
			zap.Int("tool_calls", len(gen.ToolCalls)))
	}

	output := strings.TrimSpace(gen.Text)
	chain.add(StepResponse, truncate(output, 500), gen.Usage.TotalTokens)
	result := &Result{
		Success:   output != "",
		Output:    output,
		ToolsUsed: toolsUsed,
		Usage:     usage,
		Trace:     chain,
	}
	if output == "" {
		result.Error = "empty response from language model"
	}

	// Step 3: memory write-back
	if a.memory != nil && result.Success {
		result.MemoryIDs = a.remember(ctx, req, output)
		if len(result.MemoryIDs) > 0 {
			chain.add(StepMemoryWrite, fmt.Sprintf("Stored %d memory entries", len(result.MemoryIDs)), 0)
		}
	}

	chain.Duration = time.Since(chain.StartedAt)
	a.logger.Info("execution complete",
		zap.String("task", req.TaskID),
		zap.Bool("success", result.Success),
		zap.Int("tokens", usage.TotalTokens),
		zap.Duration("duration", chain.Duration))
	return result, nil
}

// Plan asks the model for ordered steps. Unparseable output, or a failed
// call, yields the single fallback step.
func (a *Agent) Plan(ctx context.Context, req *Request) ([]string, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if a.model == nil {
		return plan.StepsOrFallback("", req.Prompt), nil
	}

	var tools strings.Builder
	for _, t := range a.tools.Info() {
		fmt.Fprintf(&tools, "- %s: %s\n", t.Name, t.Description)
	}
	gen, err := a.model.GenerateText(ctx, &provider.Prompt{
		System: "You are " + a.cfg.Name + ". Break the task into ordered steps. " +
			"Write one step per line in exactly this form:\n" +
			"<Action> using <Tool or Agent> with {<JSON parameters>}\n" +
			"Available tools:\n" + tools.String(),
		Text: req.Prompt,
	})
	if err == nil && gen == nil {
		err = provider.ErrNoGeneration
	}
	if err != nil {
		a.logger.Warn("planning failed, using fallback step", zap.Error(err))
		return plan.StepsOrFallback("", req.Prompt), nil
	}
	steps := plan.StepsOrFallback(gen.Text, req.Prompt)
	a.logger.Debug("plan generated", zap.Int("steps", len(steps)))
	return steps, nil
}

func (a *Agent) systemPrompt(memoryContext string, prior []string) string {
	var b strings.Builder
	if a.cfg.SystemPrompt != "" {
		b.WriteString(a.cfg.SystemPrompt)
	} else {
		fmt.Fprintf(&b, "You are %s.", a.cfg.Name)
		if d := a.Description(); d != "" {
			b.WriteString(" " + d)
		}
	}
	if memoryContext != "" {
		b.WriteString("\n\n" + memoryContext)
	}
	if len(prior) > 0 {
		b.WriteString("\n\n[Previous Results]\n")
		for _, p := range prior {
			b.WriteString("- " + truncate(p, 1000) + "\n")
		}
	}
	return b.String()
}

func (a *Agent) remember(ctx context.Context, req *Request, output string) []string {
	var ids []string
	for _, e := range []memory.Entry{
		{Type: memory.TypeTask, Role: "user", Content: req.Prompt, Tags: []string{a.cfg.ID}},
		{Type: memory.TypeResult, Role: "assistant", Content: output, Tags: []string{a.cfg.ID}},
	} {
		id, err := a.memory.Add(ctx, e)
		if err != nil {
			a.logger.Warn("memory write failed", zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// userMessage renders the prompt with structured data and image references.
func userMessage(req *Request) string {
	var b strings.Builder
	b.WriteString(req.Prompt)
	if len(req.Data) > 0 {
		if data, err := json.MarshalIndent(req.Data, "", "  "); err == nil {
			b.WriteString("\n\nData:\n")
			b.Write(data)
		}
	}
	if len(req.Images) > 0 {
		b.WriteString("\n\nImages:\n")
		for _, img := range req.Images {
			b.WriteString("- " + img + "\n")
		}
	}
	return b.String()
}

func toolError(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
