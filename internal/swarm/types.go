package swarm

import (
	"context"
	"errors"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/task"
)

var (
	// ErrNoWorkers is returned when a router has no workers to route to.
	ErrNoWorkers = errors.New("swarm has no workers")
	// ErrLoopBudgetExhausted is returned when MaxLoops iterations produced no
	// completed result.
	ErrLoopBudgetExhausted = errors.New("loop budget exhausted")
	// ErrUnknownStrategy is returned for an unrecognised strategy name.
	ErrUnknownStrategy = errors.New("unknown swarm strategy")
	// ErrHalted is reported when Cleanup stops a run between iterations.
	ErrHalted = errors.New("swarm run halted")
)

// Strategy selects which worker handles each loop iteration.
type Strategy string

const (
	SequentialWorkflow   Strategy = "sequential"
	CapabilityBased      Strategy = "capability"
	LoadBalanced         Strategy = "load_balanced"
	CollaborativeSolving Strategy = "collaborative"
)

// ParseStrategy maps a config name to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return SequentialWorkflow, nil
	case SequentialWorkflow, CapabilityBased, LoadBalanced, CollaborativeSolving:
		return Strategy(s), nil
	}
	return "", ErrUnknownStrategy
}

// PlanningMode decides when plan steps are generated.
type PlanningMode string

const (
	// PlanningComplete generates every step once, before the first iteration.
	PlanningComplete PlanningMode = "complete"
	// PlanningJIT generates a small batch of steps at a time and resizes the
	// batch from recent results.
	PlanningJIT PlanningMode = "jit"
)

const (
	defaultMaxLoops     = 10
	defaultStepsPerPlan = 3
	resultWindow        = 3
	emaWeight           = 0.1
	activeWindow        = 5 * time.Minute
	maxSharedResults    = 5
)

// Config controls a router. Zero values take defaults.
type Config struct {
	Name         string           `json:"name" yaml:"name"`
	Strategy     Strategy         `json:"strategy" yaml:"strategy"`
	Planning     PlanningMode     `json:"planning" yaml:"planning"`
	MaxLoops     int              `json:"max_loops" yaml:"max_loops"`
	StepsPerPlan int              `json:"steps_per_plan" yaml:"steps_per_plan"`
	TaskTimeout  time.Duration    `json:"task_timeout" yaml:"task_timeout"`
	Retry        task.RetryPolicy `json:"retry" yaml:"retry"`
}

// DefaultConfig returns a sequential router with complete planning.
func DefaultConfig() Config {
	return Config{
		Name:         "swarm",
		Strategy:     SequentialWorkflow,
		Planning:     PlanningComplete,
		MaxLoops:     defaultMaxLoops,
		StepsPerPlan: defaultStepsPerPlan,
		TaskTimeout:  task.DefaultTimeout,
		Retry:        task.DefaultRetryPolicy(),
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.Planning == "" {
		c.Planning = d.Planning
	}
	if c.MaxLoops <= 0 {
		c.MaxLoops = d.MaxLoops
	}
	if c.StepsPerPlan <= 0 {
		c.StepsPerPlan = d.StepsPerPlan
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	return c
}

// RunResult is the outcome of one Router.Run. The embedded result carries
// the final status and output; Steps holds every per-iteration task result
// in order, syntheses included.
type RunResult struct {
	*task.Result
	Strategy Strategy       `json:"strategy"`
	Loops    int            `json:"loops"`
	Plan     []string       `json:"plan"`
	Steps    []*task.Result `json:"steps"`
}

// RunRecord is what a Recorder receives after every run.
type RunRecord struct {
	Swarm       string             `json:"swarm"`
	Prompt      string             `json:"prompt"`
	Result      *RunResult         `json:"result"`
	Performance []AgentPerformance `json:"performance"`
	Metrics     SwarmMetrics       `json:"metrics"`
}

// Recorder persists finished runs for audit.
type Recorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}
