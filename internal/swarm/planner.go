package swarm

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/plan"
	"github.com/nidhogg/nuka-swarm/internal/provider"
	"github.com/nidhogg/nuka-swarm/internal/task"
	"go.uber.org/zap"
)

// planner hands out one step per loop iteration.
type planner interface {
	next(ctx context.Context, loop int, history []*task.Result) string
	steps() []string
}

// stepSource generates n steps for a prompt. n <= 0 asks for a complete plan.
type stepSource func(ctx context.Context, n int, history []*task.Result) []string

func (r *Router) newPlanner(prompt string, workers []agent.Worker) planner {
	src := r.stepSource(prompt, workers)
	if r.cfg.Planning == PlanningJIT {
		return &jitPlanner{generate: src, batch: r.cfg.StepsPerPlan, maxLoops: r.cfg.MaxLoops, logger: r.logger}
	}
	return &completePlanner{generate: src}
}

// completePlanner generates every step up front. Iterations past the end of
// the plan repeat its last step.
type completePlanner struct {
	generate stepSource
	plan     []string
}

func (p *completePlanner) next(ctx context.Context, loop int, history []*task.Result) string {
	if p.plan == nil {
		p.plan = p.generate(ctx, 0, history)
	}
	if loop < len(p.plan) {
		return p.plan[loop]
	}
	return p.plan[len(p.plan)-1]
}

func (p *completePlanner) steps() []string { return p.plan }

// jitPlanner generates batches of steps and resizes each batch from the
// last three results.
type jitPlanner struct {
	generate stepSource
	batch    int
	maxLoops int
	queue    []string
	plan     []string
	logger   *zap.Logger
}

func (p *jitPlanner) next(ctx context.Context, loop int, history []*task.Result) string {
	if len(p.queue) == 0 {
		remaining := p.maxLoops - loop
		if len(history) > 0 {
			p.batch = nextBatchSize(p.batch, trailing(history, resultWindow), remaining)
		} else {
			p.batch = clamp(p.batch, 1, remaining)
		}
		steps := p.generate(ctx, p.batch, history)
		if len(steps) > p.batch {
			steps = steps[:p.batch]
		}
		p.queue = steps
		p.logger.Debug("jit batch planned", zap.Int("loop", loop), zap.Int("batch", p.batch), zap.Int("steps", len(steps)))
	}
	step := p.queue[0]
	p.queue = p.queue[1:]
	p.plan = append(p.plan, step)
	return step
}

func (p *jitPlanner) steps() []string { return p.plan }

// nextBatchSize adapts the JIT batch. Under 50% success or any failure
// halves it (minimum 1); over 80% success with no timeouts grows it by
// one. The result never exceeds remaining.
func nextBatchSize(prev int, window []*task.Result, remaining int) int {
	if len(window) == 0 {
		return clamp(prev, 1, remaining)
	}
	var ok, failed, timedOut int
	for _, r := range window {
		switch r.Status {
		case task.StatusCompleted:
			ok++
		case task.StatusFailed:
			failed++
		case task.StatusTimeout:
			timedOut++
		}
	}
	rate := float64(ok) / float64(len(window))

	next := prev
	switch {
	case rate < 0.5 || failed > 0:
		next = prev / 2
	case rate > 0.8 && timedOut == 0:
		next = prev + 1
	}
	return clamp(next, 1, remaining)
}

func trailing(history []*task.Result, n int) []*task.Result {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// strategyFraming is the planning preamble for each strategy.
var strategyFraming = map[Strategy]string{
	SequentialWorkflow: "Order the steps so that every step only depends on steps before it. " +
		"Workers take turns, so each step should be a self-contained hand-off.",
	CapabilityBased: "Each step will be routed to the worker whose tools best match it. " +
		"Name the tool or kind of agent each step needs.",
	LoadBalanced: "Steps are spread across workers by current load. " +
		"Prefer many small, independent steps of similar size.",
	CollaborativeSolving: "Workers build on each other's partial results and a synthesis follows every step. " +
		"Plan steps that each add a distinct perspective or piece of evidence.",
}

// stepSource builds the plan generator used by both planners. It asks the
// first worker's language model; without one it falls back to that
// worker's own Plan.
func (r *Router) stepSource(prompt string, workers []agent.Worker) stepSource {
	lead := workers[0]
	return func(ctx context.Context, n int, history []*task.Result) []string {
		model := lead.LanguageModel()
		if model == nil {
			steps, err := lead.Plan(ctx, &agent.Request{Prompt: prompt})
			if err != nil || len(steps) == 0 {
				r.logger.Warn("worker planning failed, using fallback step", zap.Error(err))
				return []string{plan.Fallback(prompt).String()}
			}
			return steps
		}

		gen, err := model.GenerateText(ctx, &provider.Prompt{
			System: planSystemPrompt(r.cfg.Strategy, n, r.cfg.MaxLoops, workers),
			Text:   planUserPrompt(prompt, history),
		})
		if err == nil && gen == nil {
			err = provider.ErrNoGeneration
		}
		if err != nil {
			r.logger.Warn("planning failed, using fallback step", zap.Error(err))
			return []string{plan.Fallback(prompt).String()}
		}
		steps, perr := plan.ParseSteps(gen.Text)
		if perr != nil {
			r.logger.Warn("unparseable plan, using fallback step", zap.Int("chars", len(gen.Text)))
			return []string{plan.Fallback(prompt).String()}
		}
		out := make([]string, len(steps))
		for i, s := range steps {
			out[i] = s.String()
		}
		return out
	}
}

func planSystemPrompt(s Strategy, n, maxLoops int, workers []agent.Worker) string {
	var b strings.Builder
	b.WriteString("You plan work for a team of agents. ")
	b.WriteString(strategyFraming[s])
	if n > 0 {
		fmt.Fprintf(&b, "\nWrite only the next %d step(s).", n)
	} else {
		fmt.Fprintf(&b, "\nWrite the complete plan in at most %d steps.", maxLoops)
	}
	b.WriteString("\nWrite one step per line in exactly this form:\n" +
		"<Action> using <Tool or Agent> with {<JSON parameters>}\n\nAgents:\n")
	for _, w := range workers {
		fmt.Fprintf(&b, "- %s: %s", w.Name(), w.Description())
		if tools := toolNames(w); tools != "" {
			fmt.Fprintf(&b, " (tools: %s)", tools)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func planUserPrompt(prompt string, history []*task.Result) string {
	if len(history) == 0 {
		return "Task: " + prompt
	}
	var b strings.Builder
	b.WriteString("Task: " + prompt + "\n\nResults so far:\n")
	for i, h := range trailing(history, maxSharedResults) {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, h.Status, summarize(h))
	}
	return b.String()
}

func toolNames(w agent.Worker) string {
	tools := w.Tools()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return strings.Join(names, ", ")
}

func summarize(r *task.Result) string {
	if r.Output != "" {
		return truncate(r.Output, 300)
	}
	if r.Error != "" {
		return "error: " + truncate(r.Error, 200)
	}
	return "(no output)"
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
