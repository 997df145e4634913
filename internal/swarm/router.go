package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/nidhogg/nuka-swarm/internal/memory"
	"github.com/nidhogg/nuka-swarm/internal/provider"
	"github.com/nidhogg/nuka-swarm/internal/task"
	"go.uber.org/zap"
)

// Router drives a set of workers against a task, one worker per loop
// iteration, until a step completes or the loop budget runs out.
type Router struct {
	cfg       Config
	workers   []agent.Worker
	perf      map[string]*AgentPerformance
	perfOrder []string
	metrics   SwarmMetrics
	tally     tally
	halts     map[string]chan struct{}

	memory   *memory.Store
	events   *event.Bus
	recorder Recorder
	now      func() time.Time

	mu     sync.RWMutex
	logger *zap.Logger
}

// NewRouter creates a router over workers.
func NewRouter(cfg Config, workers []agent.Worker, logger *zap.Logger) (*Router, error) {
	cfg = cfg.normalize()
	if _, err := ParseStrategy(string(cfg.Strategy)); err != nil {
		return nil, fmt.Errorf("new router: %w: %s", err, cfg.Strategy)
	}
	if cfg.Planning != PlanningComplete && cfg.Planning != PlanningJIT {
		return nil, fmt.Errorf("new router: unknown planning mode %q", cfg.Planning)
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("new router: %w", ErrNoWorkers)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		cfg:    cfg,
		perf:   make(map[string]*AgentPerformance),
		halts:  make(map[string]chan struct{}),
		now:    time.Now,
		logger: logger.With(zap.String("swarm", cfg.Name)),
	}
	for _, w := range workers {
		if err := r.addLocked(w); err != nil {
			return nil, fmt.Errorf("new router: %w", err)
		}
	}
	r.recomputeLocked(r.now())
	return r, nil
}

// SetMemory attaches a shared memory store; step results are written to it.
func (r *Router) SetMemory(m *memory.Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memory = m
}

// SetEvents attaches an event bus.
func (r *Router) SetEvents(bus *event.Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = bus
}

// SetRecorder attaches a sink for finished runs.
func (r *Router) SetRecorder(rec Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = rec
}

func (r *Router) ID() string         { return r.cfg.Name }
func (r *Router) Config() Config     { return r.cfg }
func (r *Router) Strategy() Strategy { return r.cfg.Strategy }

// AddAgent adds a worker. A previously removed worker keeps its record.
func (r *Router) AddAgent(w agent.Worker) error {
	r.mu.Lock()
	if err := r.addLocked(w); err != nil {
		r.mu.Unlock()
		return err
	}
	r.recomputeLocked(r.now())
	bus := r.events
	r.mu.Unlock()

	r.logger.Info("agent added", zap.String("agent", w.ID()))
	bus.Publish(event.Event{Type: event.SwarmAgentAdded, Source: r.cfg.Name, Data: map[string]interface{}{"agent": w.ID()}})
	return nil
}

func (r *Router) addLocked(w agent.Worker) error {
	for _, existing := range r.workers {
		if existing.ID() == w.ID() {
			return fmt.Errorf("add agent %s: %w", w.ID(), agent.ErrDuplicateWorker)
		}
	}
	r.workers = append(r.workers, w)
	if p, ok := r.perf[w.ID()]; ok {
		p.Removed = false
	} else {
		r.perf[w.ID()] = &AgentPerformance{AgentID: w.ID()}
		r.perfOrder = append(r.perfOrder, w.ID())
	}
	return nil
}

// RemoveAgent drops a worker from routing. Its performance record is kept
// and marked removed. It reports whether the worker was present.
func (r *Router) RemoveAgent(id string) bool {
	r.mu.Lock()
	idx := -1
	for i, w := range r.workers {
		if w.ID() == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	r.workers = append(r.workers[:idx:idx], r.workers[idx+1:]...)
	r.perf[id].Removed = true
	r.recomputeLocked(r.now())
	bus := r.events
	r.mu.Unlock()

	r.logger.Info("agent removed", zap.String("agent", id))
	bus.Publish(event.Event{Type: event.SwarmAgentRemoved, Source: r.cfg.Name, Data: map[string]interface{}{"agent": id}})
	return true
}

// Agents returns the current workers in routing order.
func (r *Router) Agents() []agent.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]agent.Worker(nil), r.workers...)
}

// Performance returns a copy of every performance record, removed workers
// included, in the order workers first joined.
func (r *Router) Performance() []AgentPerformance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentPerformance, 0, len(r.perfOrder))
	for _, id := range r.perfOrder {
		out = append(out, *r.perf[id])
	}
	return out
}

// Metrics returns the current swarm metrics.
func (r *Router) Metrics() SwarmMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics
}

// Run routes in to the workers until a step completes. Per-step failures
// are reported in the returned result. When the loop budget runs out the
// result is FAILED and the error wraps ErrLoopBudgetExhausted.
func (r *Router) Run(ctx context.Context, in task.Input) (*RunResult, error) {
	workers := r.Agents()
	if len(workers) == 0 {
		return nil, fmt.Errorf("run swarm %s: %w", r.cfg.Name, ErrNoWorkers)
	}

	runID := uuid.New().String()
	started := r.now()
	halt := r.register(runID)
	defer r.unregister(runID)

	r.logger.Info("swarm run started",
		zap.String("run", runID),
		zap.String("strategy", string(r.cfg.Strategy)),
		zap.String("planning", string(r.cfg.Planning)),
		zap.Int("workers", len(workers)))

	pl := r.newPlanner(in.Prompt, workers)
	var (
		history []*task.Result
		all     []*task.Result
		final   *task.Result
		runErr  error
		loops   int
	)
	for loop := 0; loop < r.cfg.MaxLoops && final == nil; loop++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		select {
		case <-halt:
			runErr = ErrHalted
		default:
		}
		if runErr != nil {
			break
		}
		if workers = r.Agents(); len(workers) == 0 {
			runErr = ErrNoWorkers
			break
		}

		step := pl.next(ctx, loop, history)
		w := r.selectWorker(ctx, loop, workers, in.Prompt, step, history)
		r.logger.Debug("routing step",
			zap.Int("loop", loop+1),
			zap.String("worker", w.ID()),
			zap.String("step", truncate(step, 120)))

		res := r.runStep(ctx, w, in, step, history)
		history = append(history, res)
		all = append(all, res)
		loops++

		if r.cfg.Strategy == CollaborativeSolving {
			if syn := r.synthesize(ctx, workers, in.Prompt, history); syn != nil {
				all = append(all, syn)
				if syn.Completed() {
					final = syn
					continue
				}
			}
		}
		if res.Completed() {
			final = res
		}
	}

	out := r.buildRunResult(runID, started, pl.steps(), all, final, loops)
	switch {
	case final != nil:
		runErr = nil
	case runErr == nil:
		runErr = fmt.Errorf("task not completed within %d loops: %w", r.cfg.MaxLoops, ErrLoopBudgetExhausted)
		out.Status = task.StatusFailed
	case ctx.Err() != nil:
		out.Status = task.StatusCancelled
	default:
		out.Status = task.StatusFailed
	}
	if runErr != nil {
		out.Error = runErr.Error()
	}

	r.logger.Info("swarm run finished",
		zap.String("run", runID),
		zap.String("status", string(out.Status)),
		zap.Int("loops", loops),
		zap.Int64("duration_ms", out.DurationMs))
	r.record(ctx, in.Prompt, out)
	return out, runErr
}

// runStep executes one plan step on w and folds the outcome into the
// performance table.
func (r *Router) runStep(ctx context.Context, w agent.Worker, in task.Input, step string, history []*task.Result) *task.Result {
	var shared []string
	for _, h := range trailing(history, maxSharedResults) {
		if h.Output != "" {
			shared = append(shared, h.Output)
		}
	}
	res := r.runTask(ctx, w, task.Input{
		Prompt:  stepPrompt(in.Prompt, step),
		Data:    in.Data,
		Images:  in.Images,
		Context: append(append([]string(nil), in.Context...), shared...),
	})
	r.observe(w.ID(), res, len(shared) > 0)
	r.remember(ctx, w.ID(), res)
	return res
}

// runTask wraps one execution in a task so it gets retry and timeout.
func (r *Router) runTask(ctx context.Context, exec task.Executor, in task.Input) *task.Result {
	r.mu.RLock()
	bus := r.events
	r.mu.RUnlock()

	t := task.New(task.Config{
		Kind:    task.KindAgent,
		Input:   in,
		Timeout: r.cfg.TaskTimeout,
		Retry:   r.cfg.Retry,
		Events:  bus,
	}, r.logger)
	if err := t.Bind(exec); err != nil {
		return &task.Result{ID: t.ID(), Status: task.StatusFailed, Error: err.Error(), ExecutorID: exec.ID()}
	}
	res, err := t.Run(ctx)
	if err != nil {
		return &task.Result{ID: t.ID(), Status: task.StatusFailed, Error: err.Error(), ExecutorID: exec.ID()}
	}
	return res
}

func stepPrompt(prompt, step string) string {
	if step == "" {
		return prompt
	}
	return prompt + "\n\nCurrent step: " + step
}

// observe updates the worker's record and the swarm metrics, then
// publishes the new metrics.
func (r *Router) observe(workerID string, res *task.Result, shared bool) {
	now := r.now()
	r.mu.Lock()
	p, ok := r.perf[workerID]
	if !ok {
		p = &AgentPerformance{AgentID: workerID}
		r.perf[workerID] = p
		r.perfOrder = append(r.perfOrder, workerID)
	}
	p.observe(res, now)

	r.tally.tasks++
	r.tally.retries += res.Metrics.RetryCount
	switch {
	case res.Completed():
		r.tally.completed++
	case res.Status == task.StatusTimeout:
		r.tally.timeouts++
	case res.Status == task.StatusFailed:
		r.tally.failures++
	}
	r.metrics.Collaboration.Interactions++
	if shared {
		r.metrics.Collaboration.InformationSharing++
	}
	r.recordRecoveryLocked(res, now)
	r.recomputeLocked(now)
	m := r.metrics
	bus := r.events
	r.mu.Unlock()

	bus.Publish(event.Event{
		Type:   event.SwarmMetricsUpdated,
		Source: r.cfg.Name,
		Data: map[string]interface{}{
			"agent":           workerID,
			"status":          string(res.Status),
			"completion_rate": m.Efficiency.CompletionRate,
			"load_balance":    m.Efficiency.LoadBalance,
			"utilization":     m.Efficiency.ResourceUtilization,
			"retry_rate":      m.Health.RetryRate,
			"timeout_rate":    m.Health.TimeoutRate,
		},
	})
}

// remember writes a step outcome to shared memory.
func (r *Router) remember(ctx context.Context, workerID string, res *task.Result) {
	r.mu.RLock()
	mem := r.memory
	r.mu.RUnlock()
	if mem == nil {
		return
	}
	e := memory.Entry{Type: memory.TypeResult, Role: "assistant", Content: res.Output, Tags: []string{workerID, r.cfg.Name}}
	if res.Output == "" {
		if res.Error == "" {
			return
		}
		e.Type, e.Content = memory.TypeError, res.Error
	}
	if _, err := mem.Add(ctx, e); err != nil {
		r.logger.Warn("memory write failed", zap.String("agent", workerID), zap.Error(err))
	}
}

func (r *Router) buildRunResult(runID string, started time.Time, plan []string, steps []*task.Result, final *task.Result, loops int) *RunResult {
	done := r.now()
	res := &task.Result{
		ID:          runID,
		Status:      task.StatusFailed,
		ExecutorID:  r.cfg.Name,
		StartedAt:   started,
		CompletedAt: done,
		DurationMs:  done.Sub(started).Milliseconds(),
	}

	var usage provider.Usage
	var cost float64
	priced := false
	seen := make(map[string]bool)
	for _, s := range steps {
		res.Metrics.RetryCount += s.Metrics.RetryCount
		res.Metrics.TotalRetryDelayMs += s.Metrics.TotalRetryDelayMs
		usage.Add(s.Usage())
		if s.Metrics.Cost != nil {
			cost += *s.Metrics.Cost
			priced = true
		}
		for _, tool := range s.ToolsUsed {
			if !seen[tool] {
				seen[tool] = true
				res.ToolsUsed = append(res.ToolsUsed, tool)
			}
		}
	}
	if usage.TotalTokens > 0 {
		res.Metrics.Usage = &usage
	}
	if priced {
		res.Metrics.Cost = &cost
	}
	if final != nil {
		res.Status = task.StatusCompleted
		res.Output = final.Output
	}
	return &RunResult{
		Result:   res,
		Strategy: r.cfg.Strategy,
		Loops:    loops,
		Plan:     append([]string(nil), plan...),
		Steps:    steps,
	}
}

func (r *Router) record(ctx context.Context, prompt string, out *RunResult) {
	r.mu.RLock()
	rec := r.recorder
	r.mu.RUnlock()
	if rec == nil {
		return
	}
	err := rec.RecordRun(context.WithoutCancel(ctx), RunRecord{
		Swarm:       r.cfg.Name,
		Prompt:      prompt,
		Result:      out,
		Performance: r.Performance(),
		Metrics:     r.Metrics(),
	})
	if err != nil {
		r.logger.Warn("record run failed", zap.String("run", out.ID), zap.Error(err))
	}
}

func (r *Router) register(runID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.halts[runID] = ch
	return ch
}

func (r *Router) unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.halts, runID)
}

// Execute runs the swarm as a single worker so a router can be bound to a
// task of kind swarm.
func (r *Router) Execute(ctx context.Context, req *agent.Request) (*agent.Result, error) {
	out, err := r.Run(ctx, task.Input{Prompt: req.Prompt, Data: req.Data, Images: req.Images, Context: req.Context})
	if out == nil {
		return nil, err
	}
	res := &agent.Result{
		Success:   out.Completed(),
		Output:    out.Output,
		Error:     out.Error,
		ToolsUsed: out.ToolsUsed,
		Usage:     out.Usage(),
	}
	return res, nil
}

// Cleanup stops every active run before its next iteration. Steps already
// executing are left to finish.
func (r *Router) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.halts {
		close(ch)
		delete(r.halts, id)
	}
	r.logger.Debug("cleanup requested")
}
