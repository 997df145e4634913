package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nidhogg/nuka-swarm/internal/memory"
	"github.com/nidhogg/nuka-swarm/internal/provider"
	"go.uber.org/zap"
)

// scriptedModel replays generations in order and records prompts.
type scriptedModel struct {
	replies []*provider.Generation
	err     error
	prompts []*provider.Prompt
}

func (m *scriptedModel) GenerateText(_ context.Context, p *provider.Prompt) (*provider.Generation, error) {
	cp := *p
	cp.Messages = append([]provider.Message(nil), p.Messages...)
	m.prompts = append(m.prompts, &cp)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.replies) == 0 {
		return &provider.Generation{}, nil
	}
	g := m.replies[0]
	m.replies = m.replies[1:]
	return g, nil
}

func TestAgentExecuteToolLoop(t *testing.T) {
	model := &scriptedModel{replies: []*provider.Generation{
		{
			ToolCalls: []provider.ToolCall{{
				ID:       "call-1",
				Function: provider.ToolCallFunction{Name: "echo", Arguments: `{"text":"ping"}`},
			}},
			Usage: provider.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
		},
		{Text: "pong", Usage: provider.Usage{PromptTokens: 20, CompletionTokens: 3, TotalTokens: 23}},
	}}
	tools := NewToolRegistry()
	echoed := ""
	tools.Register(NewFuncTool("echo", "Echo text", map[string]interface{}{
		"type":     "object",
		"required": []string{"text"},
	}, func(_ context.Context, args json.RawMessage) (string, error) {
		var p struct{ Text string }
		json.Unmarshal(args, &p)
		echoed = p.Text
		return p.Text, nil
	}))
	mem := memory.NewStore(memory.Config{}, nil, zap.NewNop())

	a := New(Config{ID: "a1", Name: "Echoer"}, model, mem, tools, zap.NewNop())
	res, err := a.Execute(context.Background(), &Request{TaskID: "t1", Prompt: "say ping"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Output != "pong" {
		t.Errorf("result = %+v", res)
	}
	if echoed != "ping" {
		t.Errorf("tool received %q", echoed)
	}
	if len(res.ToolsUsed) != 1 || res.ToolsUsed[0] != "echo" {
		t.Errorf("tools used = %v", res.ToolsUsed)
	}
	if res.Usage.TotalTokens != 35 || res.Usage.PromptTokens != 30 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if len(res.MemoryIDs) != 2 {
		t.Errorf("memory ids = %v, want task and result entries", res.MemoryIDs)
	}
	second := model.prompts[1]
	if n := len(second.Messages); n != 3 || second.Messages[2].Role != "tool" || second.Messages[2].ToolCallID != "call-1" {
		t.Errorf("second round messages = %+v", second.Messages)
	}
	if a.Status() != StatusIdle {
		t.Errorf("status = %s after execution", a.Status())
	}
}

func TestAgentExecuteRecallsMemory(t *testing.T) {
	mem := memory.NewStore(memory.Config{}, nil, zap.NewNop())
	mem.Add(context.Background(), memory.Entry{Type: memory.TypeResult, Content: "the billing service runs on port 8080"})
	model := &scriptedModel{replies: []*provider.Generation{{Text: "8080"}}}

	a := New(Config{ID: "a1", SystemPrompt: "You are ops."}, model, mem, nil, nil)
	if _, err := a.Execute(context.Background(), &Request{
		Prompt:  "which port does the billing service use",
		Context: []string{"earlier finding"},
	}); err != nil {
		t.Fatal(err)
	}
	sys := model.prompts[0].System
	if !strings.HasPrefix(sys, "You are ops.") || !strings.Contains(sys, "[Memory Context]") ||
		!strings.Contains(sys, "[Previous Results]") {
		t.Errorf("system prompt = %q", sys)
	}
}

func TestAgentExecuteEmptyOutput(t *testing.T) {
	a := New(Config{ID: "a1"}, &scriptedModel{}, nil, nil, nil)
	res, err := a.Execute(context.Background(), &Request{Prompt: "anything"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Error == "" {
		t.Errorf("empty output should fail: %+v", res)
	}
}

func TestAgentExecuteErrors(t *testing.T) {
	a := New(Config{ID: "a1"}, &scriptedModel{err: errors.New("down")}, nil, nil, nil)
	if _, err := a.Execute(context.Background(), &Request{Prompt: " "}); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("err = %v, want ErrEmptyPrompt", err)
	}
	if _, err := a.Execute(context.Background(), &Request{Prompt: "x"}); err == nil {
		t.Error("expected model error")
	}
}

func TestAgentExecuteIncludesDataAndImages(t *testing.T) {
	model := &scriptedModel{replies: []*provider.Generation{{Text: "ok"}}}
	a := New(Config{ID: "a1"}, model, nil, nil, nil)
	a.Execute(context.Background(), &Request{
		Prompt: "describe",
		Data:   map[string]interface{}{"k": "v"},
		Images: []string{"https://img/1.png"},
	})
	user := model.prompts[0].Messages[0].Content
	if !strings.Contains(user, `"k": "v"`) || !strings.Contains(user, "https://img/1.png") {
		t.Errorf("user message = %q", user)
	}
}

func TestAgentPlan(t *testing.T) {
	model := &scriptedModel{replies: []*provider.Generation{
		{Text: "1. Search using recall_memory with {\"query\":\"x\"}\n2. Answer using Agent with {}"},
		{Text: "I cannot plan this"},
	}}
	a := New(Config{ID: "a1"}, model, nil, nil, nil)

	steps, err := a.Plan(context.Background(), &Request{Prompt: "find x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 || steps[0] != `Search using recall_memory with {"query":"x"}` {
		t.Errorf("steps = %v", steps)
	}

	steps, _ = a.Plan(context.Background(), &Request{Prompt: "find x"})
	if len(steps) != 1 || !strings.Contains(steps[0], `"task":"find x"`) {
		t.Errorf("fallback steps = %v", steps)
	}

	failing := New(Config{ID: "a2"}, &scriptedModel{err: errors.New("down")}, nil, nil, nil)
	steps, err = failing.Plan(context.Background(), &Request{Prompt: "y"})
	if err != nil || len(steps) != 1 {
		t.Errorf("failed planning = %v, %v", steps, err)
	}
}

func TestAgentCleanup(t *testing.T) {
	a := New(Config{ID: "a1"}, &scriptedModel{}, nil, nil, nil)
	a.setStatus(StatusWorking)
	a.Cleanup()
	if a.Status() != StatusIdle {
		t.Errorf("status = %s", a.Status())
	}
}

func TestToolRegistry(t *testing.T) {
	reg := NewToolRegistry()
	if err := RegisterBuiltinTools(reg, nil); err != nil {
		t.Fatal(err)
	}
	if err := RegisterBuiltinTools(reg, nil); !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("err = %v, want ErrDuplicateTool", err)
	}
	if _, err := reg.Execute(context.Background(), "nope", "{}"); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("err = %v, want ErrUnknownTool", err)
	}
	out, err := reg.Execute(context.Background(), "current_time", "")
	if err != nil || !strings.Contains(out, `"time"`) {
		t.Errorf("current_time = %q, %v", out, err)
	}
	if _, err := reg.Subset([]string{"current_time", "missing"}); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("subset err = %v", err)
	}
	sub, err := reg.Subset([]string{"current_time"})
	if err != nil || sub.Len() != 1 || len(sub.Definitions()) != 1 {
		t.Errorf("subset = %v, %v", sub, err)
	}
}

func TestFuncToolValidate(t *testing.T) {
	tool := NewFuncTool("x", "", map[string]interface{}{"required": []interface{}{"a"}}, nil)
	if err := tool.Validate(json.RawMessage(`{"a":1}`)); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := tool.Validate(json.RawMessage(`{}`)); err == nil {
		t.Error("missing required field accepted")
	}
	if err := tool.Validate(json.RawMessage(`[1]`)); err == nil {
		t.Error("non-object accepted")
	}
}

func TestMemoryTools(t *testing.T) {
	mem := memory.NewStore(memory.Config{}, nil, zap.NewNop())
	reg := NewToolRegistry()
	if err := RegisterBuiltinTools(reg, mem); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Execute(context.Background(), "remember", `{"content":"the deploy key rotates monthly"}`); err != nil {
		t.Fatal(err)
	}
	out, err := reg.Execute(context.Background(), "recall_memory", `{"query":"deploy key"}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "rotates monthly") {
		t.Errorf("recall = %s", out)
	}
	if _, err := reg.Execute(context.Background(), "remember", `{}`); err == nil {
		t.Error("remember without content accepted")
	}
}

func TestRegistryAndDelegation(t *testing.T) {
	workers := NewRegistry()
	helper := New(Config{ID: "helper"}, &scriptedModel{replies: []*provider.Generation{{Text: "42"}}}, nil, nil, nil)
	if err := workers.Register(helper); err != nil {
		t.Fatal(err)
	}
	if err := workers.Register(helper); !errors.Is(err, ErrDuplicateWorker) {
		t.Errorf("err = %v, want ErrDuplicateWorker", err)
	}
	if _, err := workers.Resolve([]string{"ghost"}); !errors.Is(err, ErrWorkerNotFound) {
		t.Errorf("err = %v, want ErrWorkerNotFound", err)
	}
	all, _ := workers.Resolve(nil)
	if len(all) != 1 {
		t.Errorf("resolve all = %d", len(all))
	}

	reg := NewToolRegistry()
	if err := RegisterDelegationTool(reg, workers); err != nil {
		t.Fatal(err)
	}
	out, err := reg.Execute(context.Background(), "ask_agent", `{"agent_id":"helper","message":"answer?"}`)
	if err != nil || out != `{"response":"42"}` {
		t.Errorf("ask_agent = %s, %v", out, err)
	}
	out, _ = reg.Execute(context.Background(), "ask_agent", `{"agent_id":"ghost","message":"?"}`)
	if !strings.Contains(out, "not found") {
		t.Errorf("ask_agent ghost = %s", out)
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "a1"), 0o755)
	os.WriteFile(filepath.Join(dir, "a1", "SOUL.md"), []byte("soul"), 0o644)
	os.WriteFile(filepath.Join(dir, "a1", "GOALS.md"), []byte("goals\n"), 0o644)

	if got := LoadProfile(dir, "a1"); got != "soul\n\n---\n\ngoals" {
		t.Errorf("profile = %q", got)
	}
	if got := LoadProfile(dir, "missing"); got != "" {
		t.Errorf("missing profile = %q", got)
	}
}

func TestPricingCost(t *testing.T) {
	p := Pricing{PromptPer1K: 0.5, CompletionPer1K: 1.5}
	if got := p.Cost(provider.Usage{PromptTokens: 2000, CompletionTokens: 1000}); got != 2.5 {
		t.Errorf("cost = %v, want 2.5", got)
	}
}

func TestAgentNilGeneration(t *testing.T) {
	a := New(Config{ID: "a1"}, &scriptedModel{replies: []*provider.Generation{nil}}, nil, nil, nil)
	if _, err := a.Execute(context.Background(), &Request{Prompt: "x"}); !errors.Is(err, provider.ErrNoGeneration) {
		t.Errorf("err = %v, want ErrNoGeneration", err)
	}

	a = New(Config{ID: "a2"}, &scriptedModel{replies: []*provider.Generation{nil}}, nil, nil, nil)
	steps, err := a.Plan(context.Background(), &Request{Prompt: "find x"})
	if err != nil || len(steps) != 1 || !strings.Contains(steps[0], `"task":"find x"`) {
		t.Errorf("steps = %v, %v", steps, err)
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	if got := truncate("héllo", 2); got != "h..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 3); got != "abc" {
		t.Errorf("truncate = %q", got)
	}
}
