package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/nidhogg/nuka-swarm/internal/provider"
	"go.uber.org/zap"
)

// Executor runs a task's input. agent.Worker satisfies it, and so does a
// swarm router.
type Executor interface {
	ID() string
	Execute(ctx context.Context, req *agent.Request) (*agent.Result, error)
	Cleanup()
}

// Config describes a task. Zero Timeout and Retry fields take defaults.
type Config struct {
	ID      string
	Kind    ExecutorKind
	Input   Input
	Timeout time.Duration
	Retry   RetryPolicy
	Events  *event.Bus
}

// Task is a single unit of work with retry and a wall-clock timeout.
// Once a terminal status is reached nothing about the task changes.
type Task struct {
	id      string
	kind    ExecutorKind
	input   Input
	timeout time.Duration
	retry   RetryPolicy
	events  *event.Bus

	executor    Executor
	status      Status
	output      string
	err         error
	toolsUsed   []string
	startedAt   time.Time
	completedAt time.Time
	metrics     Metrics
	timer       *time.Timer
	done        chan struct{}

	mu     sync.Mutex
	logger *zap.Logger
}

// New creates a pending task.
func New(cfg Config, logger *zap.Logger) *Task {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Kind == "" {
		cfg.Kind = KindAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Task{
		id:      cfg.ID,
		kind:    cfg.Kind,
		input:   cfg.Input,
		timeout: cfg.Timeout,
		retry:   cfg.Retry.normalize(),
		events:  cfg.Events,
		status:  StatusPending,
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("task", cfg.ID)),
	}
}

func (t *Task) ID() string         { return t.id }
func (t *Task) Kind() ExecutorKind { return t.kind }
func (t *Task) Input() Input       { return t.input }
func (t *Task) Retry() RetryPolicy { return t.retry }

// Done is closed on the first terminal transition.
func (t *Task) Done() <-chan struct{} { return t.done }

// Status returns the current state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the terminal error, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Bind assigns the executor. It may be rebound only while pending.
func (t *Task) Bind(e Executor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return fmt.Errorf("bind task %s: %w", t.id, ErrNotPending)
	}
	t.executor = e
	return nil
}

// Run executes the task and blocks until it reaches a terminal status.
// Execution failures, timeouts and cancellation are reported in the
// result; only configuration errors are returned. Cancelling ctx cancels
// the task.
func (t *Task) Run(ctx context.Context) (*Result, error) {
	t.mu.Lock()
	if t.executor == nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("run task %s: %w", t.id, ErrNoExecutor)
	}
	if t.status != StatusPending {
		t.mu.Unlock()
		return nil, fmt.Errorf("run task %s: %w", t.id, ErrNotPending)
	}
	t.status = StatusRunning
	t.startedAt = time.Now()
	t.timer = time.AfterFunc(t.timeout, t.expire)
	exec := t.executor
	t.mu.Unlock()

	t.logger.Info("task started",
		zap.String("executor", exec.ID()),
		zap.Duration("timeout", t.timeout),
		zap.Int("max_attempts", t.retry.MaxAttempts))

	go t.attempts(ctx, exec)

	select {
	case <-t.done:
	case <-ctx.Done():
		t.Cancel()
	}
	return t.BuildResult()
}

// attempts drives execute-and-retry until success, the attempt budget runs
// out or the task is finished elsewhere.
func (t *Task) attempts(ctx context.Context, exec Executor) {
	req := &agent.Request{
		TaskID:  t.id,
		Prompt:  t.input.Prompt,
		Data:    t.input.Data,
		Images:  t.input.Images,
		Context: t.input.Context,
	}

	var lastErr error
	for attempt := 1; attempt <= t.retry.MaxAttempts; attempt++ {
		res, err := exec.Execute(ctx, req)
		if err == nil && res != nil && res.Success {
			t.succeed(exec, res)
			return
		}
		lastErr = attemptError(res, err)

		if attempt == t.retry.MaxAttempts {
			break
		}
		delay := t.retry.Delay(attempt)
		if !t.recordRetry(delay) {
			return
		}
		t.logger.Warn("attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr))

		wait := time.NewTimer(delay)
		select {
		case <-wait.C:
		case <-t.done:
			wait.Stop()
			return
		}
	}
	t.finish(StatusFailed, lastErr, nil)
}

func attemptError(res *agent.Result, err error) error {
	switch {
	case err != nil:
		return err
	case res == nil:
		return errors.New("executor returned no result")
	case res.Error != "":
		return errors.New(res.Error)
	default:
		return errors.New("executor reported failure")
	}
}

// recordRetry adds a pending backoff to the metrics. It returns false when
// the task has already finished.
func (t *Task) recordRetry(delay time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.metrics.RetryCount++
	t.metrics.TotalRetryDelayMs += delay.Milliseconds()
	return true
}

func (t *Task) succeed(exec Executor, res *agent.Result) {
	t.finish(StatusCompleted, nil, func() {
		t.output = res.Output
		t.toolsUsed = res.ToolsUsed
		u := res.Usage
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		if u.TotalTokens == 0 {
			return
		}
		t.metrics.Usage = &u
		if p, ok := exec.(agent.Pricer); ok {
			cost := p.Pricing().Cost(u)
			t.metrics.Cost = &cost
		}
	})
}

// expire fires from the timeout timer.
func (t *Task) expire() {
	t.finish(StatusTimeout, fmt.Errorf("%w after %s", ErrTimeout, t.timeout), nil)
}

// Cancel stops a pending or running task. It reports whether the call had
// any effect; cancelling a finished task is a no-op.
func (t *Task) Cancel() bool {
	return t.finish(StatusCancelled, ErrCancelled, nil)
}

// finish performs the single terminal transition. Later calls, including
// late executor results, are discarded. apply runs under the lock before
// the transition is published.
func (t *Task) finish(status Status, err error, apply func()) bool {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		if status == StatusCompleted || status == StatusFailed {
			t.logger.Debug("late result discarded", zap.String("status", string(status)))
		}
		return false
	}
	wasRunning := t.status == StatusRunning
	if apply != nil {
		apply()
	}
	t.status = status
	t.err = err
	t.completedAt = time.Now()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	close(t.done)
	exec := t.executor
	retries := t.metrics.RetryCount
	t.mu.Unlock()

	if wasRunning && exec != nil && (status == StatusTimeout || status == StatusCancelled) {
		exec.Cleanup()
	}

	fields := []zap.Field{zap.String("status", string(status)), zap.Int("retries", retries)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	t.logger.Info("task finished", fields...)

	data := map[string]interface{}{"status": string(status), "retries": retries}
	if exec != nil {
		data["executor"] = exec.ID()
	}
	if err != nil {
		data["error"] = err.Error()
	}
	t.events.Publish(event.Event{Type: event.TaskCompleted, Source: t.id, Data: data})
	return true
}

// BuildResult snapshots the task. It fails for a task that never started.
func (t *Task) BuildResult() (*Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		return nil, fmt.Errorf("build result for task %s: %w", t.id, ErrNotStarted)
	}

	r := &Result{
		ID:        t.id,
		Status:    t.status,
		Output:    t.output,
		ToolsUsed: append([]string(nil), t.toolsUsed...),
		StartedAt: t.startedAt,
		Metrics:   t.metrics,
	}
	if t.executor != nil {
		r.ExecutorID = t.executor.ID()
	}
	if t.err != nil {
		r.Error = t.err.Error()
	}
	end := time.Now()
	if !t.completedAt.IsZero() {
		r.CompletedAt = t.completedAt
		end = t.completedAt
	}
	r.DurationMs = end.Sub(t.startedAt).Milliseconds()
	if u := t.metrics.Usage; u != nil {
		cp := *u
		r.Metrics.Usage = &cp
	}
	if c := t.metrics.Cost; c != nil {
		cp := *c
		r.Metrics.Cost = &cp
	}
	return r, nil
}

// Usage returns the token usage recorded on completion, or zero.
func (r *Result) Usage() provider.Usage {
	if r.Metrics.Usage == nil {
		return provider.Usage{}
	}
	return *r.Metrics.Usage
}
