package task

import (
	"errors"
	"math"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/provider"
)

var (
	// ErrNoExecutor is returned by Run when no executor has been bound.
	ErrNoExecutor = errors.New("task has no bound executor")
	// ErrNotStarted is returned when a result is requested before Run.
	ErrNotStarted = errors.New("task has not started")
	// ErrNotPending is returned when Run or Bind is called after the task left PENDING.
	ErrNotPending = errors.New("task is not pending")
	// ErrTimeout is the terminal error of a task whose wall-clock budget ran out.
	ErrTimeout = errors.New("task timed out")
	// ErrCancelled is the terminal error of a cancelled task.
	ErrCancelled = errors.New("task cancelled")
)

// Status tracks execution state. Transitions only move forward:
// pending -> running -> one of the terminal states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// ExecutorKind says what kind of executor runs the task.
type ExecutorKind string

const (
	KindAgent ExecutorKind = "agent"
	KindSwarm ExecutorKind = "swarm"
)

// Input is what the executor is asked to do.
type Input struct {
	Prompt  string                 `json:"prompt"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Images  []string               `json:"images,omitempty"`
	Context []string               `json:"context,omitempty"`
}

const (
	DefaultTimeout     = 5 * time.Minute
	defaultMaxAttempts = 3
	defaultMultiplier  = 2.0
	defaultInitial     = time.Second
	defaultMaxDelay    = 30 * time.Second
)

// RetryPolicy bounds how often and how slowly a failed execution is retried.
// Zero fields take defaults.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	InitialDelay      time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
}

// DefaultRetryPolicy returns three attempts with doubling delays from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       defaultMaxAttempts,
		BackoffMultiplier: defaultMultiplier,
		InitialDelay:      defaultInitial,
		MaxDelay:          defaultMaxDelay,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = d.BackoffMultiplier
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// Delay returns min(InitialDelay * BackoffMultiplier^(attempt-1), MaxDelay)
// for a 1-indexed attempt. It is the wait after attempt fails and before
// attempt+1 starts, so the first retry waits InitialDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalize()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Metrics accumulates over the life of a task.
type Metrics struct {
	RetryCount        int             `json:"retry_count"`
	TotalRetryDelayMs int64           `json:"total_retry_delay_ms"`
	Usage             *provider.Usage `json:"token_counts,omitempty"`
	Cost              *float64        `json:"cost,omitempty"`
}

// Result is the snapshot handed back to callers of Run.
type Result struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	ExecutorID  string    `json:"executor_id,omitempty"`
	ToolsUsed   []string  `json:"tools_used,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	Metrics     Metrics   `json:"metrics"`
}

// Completed reports whether the result finished successfully with output.
func (r *Result) Completed() bool {
	return r != nil && r.Status == StatusCompleted && r.Output != ""
}
