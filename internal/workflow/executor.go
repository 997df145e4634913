package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/nidhogg/nuka-swarm/internal/plan"
	"github.com/nidhogg/nuka-swarm/internal/provider"
	"github.com/nidhogg/nuka-swarm/internal/task"
	"go.uber.org/zap"
)

// NodeResult records what happened at one visited node.
type NodeResult struct {
	NodeID   string       `json:"node_id"`
	Type     NodeType     `json:"type"`
	Agent    string       `json:"agent,omitempty"`
	Output   string       `json:"output,omitempty"`
	Decision string       `json:"decision,omitempty"`
	Task     *task.Result `json:"task,omitempty"`
}

// Run is the outcome of one graph walk.
type Run struct {
	ID          string       `json:"id"`
	Workflow    string       `json:"workflow"`
	Status      task.Status  `json:"status"`
	Output      string       `json:"output,omitempty"`
	Error       string       `json:"error,omitempty"`
	Path        []NodeResult `json:"path"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Options tune task execution inside a walk. Zero values take task defaults.
type Options struct {
	TaskTimeout time.Duration    `json:"task_timeout" yaml:"task_timeout"`
	Retry       task.RetryPolicy `json:"retry" yaml:"retry"`
}

// Executor walks graphs, resolving task node agents from a worker registry.
type Executor struct {
	workers *agent.Registry
	opts    Options
	events  *event.Bus
	logger  *zap.Logger
}

// NewExecutor creates an executor over the given workers.
func NewExecutor(workers *agent.Registry, opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{workers: workers, opts: opts, logger: logger}
}

// SetEvents attaches an event bus passed on to every task.
func (e *Executor) SetEvents(bus *event.Bus) { e.events = bus }

// Run walks g from its start node. Graph and agent resolution problems are
// returned as errors before anything executes; a failing task node ends the
// walk with a FAILED run. g itself is not modified, so one graph may back
// any number of concurrent runs.
func (e *Executor) Run(ctx context.Context, g *Graph, in task.Input) (*Run, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: nil graph", ErrInvalidGraph)
	}
	g = g.clone()
	if err := g.Validate(); err != nil {
		return nil, err
	}
	for _, n := range g.Nodes {
		if n.Agent == "" {
			continue
		}
		if _, ok := e.workers.Get(n.Agent); !ok {
			return nil, fmt.Errorf("run workflow %s: node %s: %w", g.Name, n.ID, agent.ErrWorkerNotFound)
		}
	}

	run := &Run{
		ID:        uuid.New().String(),
		Workflow:  g.Name,
		Status:    task.StatusRunning,
		StartedAt: time.Now(),
	}
	e.logger.Info("workflow started", zap.String("workflow", g.Name), zap.String("run", run.ID))

	var last string
	var lastAgent string
	cur := g.Start
	for steps := 0; steps <= len(g.Nodes); steps++ {
		if err := ctx.Err(); err != nil {
			e.finish(run, task.StatusCancelled, last, err.Error())
			return run, nil
		}
		node, _ := g.Node(cur)
		nr := NodeResult{NodeID: node.ID, Type: node.Type, Agent: node.Agent}

		switch node.Type {
		case NodeEnd:
			run.Path = append(run.Path, nr)
			e.finish(run, task.StatusCompleted, last, "")
			return run, nil

		case NodeTask:
			w, _ := e.workers.Get(node.Agent)
			res := e.runTask(ctx, w, node, in, last)
			nr.Task = res
			nr.Output = res.Output
			run.Path = append(run.Path, nr)
			if !res.Completed() {
				msg := res.Error
				if msg == "" {
					msg = "no output"
				}
				e.finish(run, res.Status, last, fmt.Sprintf("node %s: %s", node.ID, msg))
				if run.Status == task.StatusCompleted {
					run.Status = task.StatusFailed
				}
				return run, nil
			}
			last, lastAgent = res.Output, node.Agent
			cur = node.Next

		case NodeMerge:
			var parts []string
			preds := g.predecessors(node.ID)
			for _, p := range run.Path {
				if preds[p.NodeID] && p.Output != "" {
					parts = append(parts, p.Output)
				}
			}
			nr.Output = strings.Join(parts, "\n\n")
			if nr.Output == "" {
				nr.Output = last
			}
			run.Path = append(run.Path, nr)
			last = nr.Output
			cur = node.Next

		case NodeDecision:
			agentID := node.Agent
			if agentID == "" {
				agentID = lastAgent
			}
			choice := e.decide(ctx, node, agentID, in.Prompt, last)
			nr.Decision = choice
			nr.Agent = agentID
			run.Path = append(run.Path, nr)
			cur = node.Branches[choice]
		}
	}
	// Unreachable for a validated acyclic graph.
	e.finish(run, task.StatusFailed, last, "walk did not reach an end node")
	return run, nil
}

func (e *Executor) runTask(ctx context.Context, w agent.Worker, node *Node, in task.Input, previous string) *task.Result {
	var shared []string
	shared = append(shared, in.Context...)
	if previous != "" {
		shared = append(shared, previous)
	}
	prompt := in.Prompt
	if node.Prompt != "" {
		prompt = node.Prompt + "\n\n" + in.Prompt
	}
	t := task.New(task.Config{
		Kind: task.KindAgent,
		Input: task.Input{
			Prompt:  prompt,
			Data:    in.Data,
			Images:  in.Images,
			Context: shared,
		},
		Timeout: e.opts.TaskTimeout,
		Retry:   e.opts.Retry,
		Events:  e.events,
	}, e.logger)
	t.Bind(w)
	res, err := t.Run(ctx)
	if err != nil {
		return &task.Result{ID: t.ID(), Status: task.StatusFailed, Error: err.Error(), ExecutorID: w.ID()}
	}
	e.logger.Debug("workflow node finished",
		zap.String("node", node.ID),
		zap.String("status", string(res.Status)))
	return res
}

// decide asks the agent's language model to choose a branch. Without a
// model, or when no option can be read from the reply, the default branch
// (or the first option) is taken.
func (e *Executor) decide(ctx context.Context, node *Node, agentID, prompt, last string) string {
	opts := node.options()
	fallback := opts[0]

	var model provider.LanguageModel
	if w, ok := e.workers.Get(agentID); ok {
		model = w.LanguageModel()
	}
	if model == nil {
		return fallback
	}

	q := node.Prompt
	if q == "" {
		q = "Which path should the workflow take next?"
	}
	gen, err := model.GenerateText(ctx, &provider.Prompt{
		System: "You route a workflow. Choose exactly one option and answer with a line " +
			"\"DECISION: <option>\".\nOptions: " + strings.Join(opts, ", "),
		Text: fmt.Sprintf("Task: %s\n\nLatest result:\n%s\n\n%s", prompt, last, q),
	})
	if err == nil && gen == nil {
		err = provider.ErrNoGeneration
	}
	if err != nil {
		e.logger.Warn("decision failed, taking default branch", zap.String("node", node.ID), zap.Error(err))
		return fallback
	}
	choice, ok := plan.ParseDecision(gen.Text, opts)
	if !ok {
		e.logger.Warn("unreadable decision, taking default branch", zap.String("node", node.ID))
		return fallback
	}
	return choice
}

func (e *Executor) finish(run *Run, status task.Status, output, errMsg string) {
	run.Status = status
	run.Output = output
	run.Error = errMsg
	run.CompletedAt = time.Now()
	e.logger.Info("workflow finished",
		zap.String("workflow", run.Workflow),
		zap.String("run", run.ID),
		zap.String("status", string(status)),
		zap.Int("nodes", len(run.Path)))
}
