package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/memory"
)

// RegisterBuiltinTools adds the default tools to a registry. The memory
// tools are only registered when mem is non-nil.
func RegisterBuiltinTools(reg *ToolRegistry, mem *memory.Store) error {
	tools := []Tool{
		NewFuncTool("current_time", "Get the current time", nil,
			func(ctx context.Context, args json.RawMessage) (string, error) {
				return fmt.Sprintf(`{"time":"%s"}`, time.Now().Format(time.RFC3339)), nil
			}),
	}
	if mem != nil {
		tools = append(tools, recallTool(mem), rememberTool(mem))
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func recallTool(mem *memory.Store) Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]string{"type": "string", "description": "What to look for"},
			"limit": map[string]string{"type": "number", "description": "Maximum results (default 5)"},
		},
		"required": []string{"query"},
	}
	return NewFuncTool("recall_memory", "Search shared memory for relevant earlier entries", schema,
		func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", fmt.Errorf("parse args: %w", err)
			}
			if p.Limit <= 0 {
				p.Limit = 5
			}
			hits, err := mem.Query(ctx, p.Query, memory.QueryOptions{Limit: p.Limit})
			if err != nil {
				return "", err
			}
			type brief struct {
				Type    string  `json:"type"`
				Content string  `json:"content"`
				Score   float64 `json:"score"`
			}
			list := make([]brief, len(hits))
			for i, h := range hits {
				list[i] = brief{Type: string(h.Entry.Type), Content: truncate(h.Entry.Content, 500), Score: h.Score}
			}
			b, _ := json.Marshal(list)
			return string(b), nil
		})
}

func rememberTool(mem *memory.Store) Tool {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]string{"type": "string", "description": "Fact to remember"},
			"tags":    map[string]interface{}{"type": "array", "items": map[string]string{"type": "string"}},
		},
		"required": []string{"content"},
	}
	return NewFuncTool("remember", "Store a fact in shared memory", schema,
		func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Content string   `json:"content"`
				Tags    []string `json:"tags"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", fmt.Errorf("parse args: %w", err)
			}
			id, err := mem.Add(ctx, memory.Entry{Type: memory.TypeTool, Content: p.Content, Tags: p.Tags})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf(`{"status":"stored","id":"%s"}`, id), nil
		})
}

// RegisterDelegationTool adds ask_agent, which forwards a question to
// another registered worker and returns its output.
func RegisterDelegationTool(reg *ToolRegistry, workers *Registry) error {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"agent_id": map[string]string{"type": "string", "description": "Target agent ID"},
			"message":  map[string]string{"type": "string", "description": "Question or instruction"},
		},
		"required": []string{"agent_id", "message"},
	}
	return reg.Register(NewFuncTool("ask_agent", "Ask another agent in the swarm", schema,
		func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				AgentID string `json:"agent_id"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", fmt.Errorf("parse args: %w", err)
			}
			w, ok := workers.Get(p.AgentID)
			if !ok {
				return toolError(fmt.Errorf("agent %s not found", p.AgentID)), nil
			}
			res, err := w.Execute(ctx, &Request{Prompt: p.Message})
			if err != nil {
				return toolError(err), nil
			}
			b, _ := json.Marshal(map[string]string{"response": truncate(res.Output, 500)})
			return string(b), nil
		}))
}
