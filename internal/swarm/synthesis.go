package swarm

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/provider"
	"github.com/nidhogg/nuka-swarm/internal/task"
)

const synthesisPrompt = `You integrate the intermediate results of a team of agents into one final answer.
Combine what agrees, resolve what conflicts and drop what is irrelevant.
If the results are not yet enough to answer the task, reply with exactly: INCOMPLETE`

// synthesizer runs a synthesis sub-task directly against a language model.
type synthesizer struct {
	id    string
	model provider.LanguageModel
}

func (s *synthesizer) ID() string { return s.id }
func (s *synthesizer) Cleanup()   {}

func (s *synthesizer) Execute(ctx context.Context, req *agent.Request) (*agent.Result, error) {
	gen, err := s.model.GenerateText(ctx, &provider.Prompt{System: synthesisPrompt, Text: req.Prompt})
	if err != nil {
		return nil, err
	}
	if gen == nil {
		return nil, provider.ErrNoGeneration
	}
	out := strings.TrimSpace(gen.Text)
	if strings.EqualFold(out, "INCOMPLETE") {
		out = ""
	}
	return &agent.Result{Success: true, Output: out, Usage: gen.Usage}, nil
}

// synthesize issues the synthesis sub-task for the results gathered so far.
// It returns nil when no language model is available.
func (r *Router) synthesize(ctx context.Context, workers []agent.Worker, prompt string, history []*task.Result) *task.Result {
	model := workers[0].LanguageModel()
	if model == nil {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\nIntermediate results:\n", prompt)
	n := 0
	for _, h := range history {
		if h.Output == "" {
			continue
		}
		n++
		fmt.Fprintf(&b, "[%d] (%s) %s\n", n, h.ExecutorID, h.Output)
	}
	if n == 0 {
		return nil
	}

	syn := &synthesizer{id: r.cfg.Name + "/synthesis", model: model}
	res := r.runTask(ctx, syn, task.Input{Prompt: b.String()})

	r.mu.Lock()
	r.metrics.Collaboration.Syntheses++
	r.metrics.Collaboration.Interactions++
	if res.Completed() {
		r.tally.consensus++
	}
	r.recomputeLocked(r.now())
	r.mu.Unlock()
	return res
}
