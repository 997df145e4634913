package swarm

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/plan"
	"github.com/nidhogg/nuka-swarm/internal/provider"
	"github.com/nidhogg/nuka-swarm/internal/task"
	"go.uber.org/zap"
)

const scoreRubric = `Rate how well the agent below fits the task on a scale from 0 to 1.
0.9-1.0: its tools and description cover the task directly.
0.6-0.8: it can handle most of the task.
0.3-0.5: it can contribute a part of the task.
0.0-0.2: it is unrelated to the task.
Reply with the number only.`

// selectWorker picks the worker for one iteration according to the
// configured strategy.
func (r *Router) selectWorker(ctx context.Context, loop int, workers []agent.Worker, prompt, step string, history []*task.Result) agent.Worker {
	switch r.cfg.Strategy {
	case CapabilityBased:
		return r.bestFit(ctx, workers, prompt+"\nCurrent step: "+step)
	case LoadBalanced:
		return r.leastLoaded(workers)
	case CollaborativeSolving:
		return r.bestFit(ctx, workers, r.profileHint(ctx, workers, prompt, step, history))
	default:
		return workers[loop%len(workers)]
	}
}

// leastLoaded returns the worker with the fewest tasks handled. Ties go to
// the earliest listed.
func (r *Router) leastLoaded(workers []agent.Worker) agent.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best, fewest := workers[0], -1
	for _, w := range workers {
		n := 0
		if p := r.perf[w.ID()]; p != nil {
			n = p.TasksHandled
		}
		if fewest < 0 || n < fewest {
			best, fewest = w, n
		}
	}
	return best
}

// bestFit asks the first worker's language model to score every worker
// against text and returns the highest scorer. Ties, unparseable scores
// and a missing model all favour the earliest listed worker.
func (r *Router) bestFit(ctx context.Context, workers []agent.Worker, text string) agent.Worker {
	model := workers[0].LanguageModel()
	if model == nil || len(workers) == 1 {
		return workers[0]
	}
	best, bestScore := workers[0], -1.0
	for _, w := range workers {
		score := r.score(ctx, model, w, text)
		if score > bestScore {
			best, bestScore = w, score
		}
	}
	r.logger.Debug("capability match", zap.String("worker", best.ID()), zap.Float64("score", bestScore))
	return best
}

func (r *Router) score(ctx context.Context, model provider.LanguageModel, w agent.Worker, text string) float64 {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\nAgent: %s\nDescription: %s\nTools:\n", text, w.Name(), w.Description())
	for _, t := range w.Tools() {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	gen, err := model.GenerateText(ctx, &provider.Prompt{System: scoreRubric, Text: b.String(), MaxTokens: 16})
	if err == nil && gen == nil {
		err = provider.ErrNoGeneration
	}
	if err != nil {
		r.logger.Warn("capability scoring failed", zap.String("worker", w.ID()), zap.Error(err))
		return 0
	}
	s, ok := plan.ParseScore(gen.Text)
	if !ok {
		return 0
	}
	return s
}

// profileHint asks for a description of the kind of worker that would best
// advance the current partial results. On failure the step itself is used.
func (r *Router) profileHint(ctx context.Context, workers []agent.Worker, prompt, step string, history []*task.Result) string {
	fallback := prompt + "\nCurrent step: " + step
	model := workers[0].LanguageModel()
	if model == nil {
		return fallback
	}
	gen, err := model.GenerateText(ctx, &provider.Prompt{
		System: "You coordinate a team of agents solving a task together. " +
			"Describe, in two sentences, the profile of the agent (skills, tools, perspective) " +
			"that would best advance the work from where it stands.",
		Text: planUserPrompt(prompt, history) + "\nNext step: " + step,
	})
	if err != nil || gen == nil || strings.TrimSpace(gen.Text) == "" {
		r.logger.Warn("profile hint failed, matching on the step", zap.Error(err))
		return fallback
	}
	return strings.TrimSpace(gen.Text)
}
