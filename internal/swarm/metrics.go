package swarm

import (
	"math"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/task"
)

// AgentPerformance is the router's running record for one worker. Records
// of removed workers are kept.
type AgentPerformance struct {
	AgentID          string        `json:"agent_id"`
	TasksHandled     int           `json:"tasks_handled"`
	SuccessRate      float64       `json:"success_rate"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
	Retries          int           `json:"retries"`
	Timeouts         int           `json:"timeouts"`
	Failures         int           `json:"failures"`
	LastInteraction  time.Time     `json:"last_interaction"`
	Removed          bool          `json:"removed,omitempty"`
}

// observe folds one finished task into the record. Success rate and
// average time are exponential moving averages seeded by the first task.
func (p *AgentPerformance) observe(res *task.Result, now time.Time) {
	success := 0.0
	if res.Completed() {
		success = 1
	}
	took := time.Duration(res.DurationMs) * time.Millisecond

	p.TasksHandled++
	if p.TasksHandled == 1 {
		p.SuccessRate = success
		p.AvgExecutionTime = took
	} else {
		p.SuccessRate = (1-emaWeight)*p.SuccessRate + emaWeight*success
		p.AvgExecutionTime = time.Duration((1-emaWeight)*float64(p.AvgExecutionTime) + emaWeight*float64(took))
	}
	p.Retries += res.Metrics.RetryCount
	switch res.Status {
	case task.StatusTimeout:
		p.Timeouts++
	case task.StatusFailed:
		p.Failures++
	}
	p.LastInteraction = now
}

// Efficiency summarises how well work is spread and finished.
type Efficiency struct {
	CompletionRate      float64 `json:"completion_rate"`
	ResourceUtilization float64 `json:"resource_utilization"`
	LoadBalance         float64 `json:"load_balance"`
}

// Collaboration counts how workers built on each other's output.
type Collaboration struct {
	Interactions       int     `json:"interactions"`
	InformationSharing int     `json:"information_sharing"`
	Syntheses          int     `json:"syntheses"`
	ConsensusRate      float64 `json:"consensus_rate"`
}

// Health tracks failure behaviour across the swarm.
type Health struct {
	ActiveAgents int           `json:"active_agents"`
	FailureRate  float64       `json:"failure_rate"`
	RetryRate    float64       `json:"retry_rate"`
	TimeoutRate  float64       `json:"timeout_rate"`
	RecoveryTime time.Duration `json:"recovery_time"`
}

// SwarmMetrics is recomputed after every step.
type SwarmMetrics struct {
	Efficiency    Efficiency    `json:"efficiency"`
	Collaboration Collaboration `json:"collaboration"`
	Health        Health        `json:"health"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// tally holds the raw counters behind SwarmMetrics.
type tally struct {
	tasks       int
	completed   int
	failures    int
	timeouts    int
	retries     int
	consensus   int
	lastFailure time.Time
}

// recomputeLocked rebuilds the swarm view from the performance table and
// counters. Caller holds r.mu.
func (r *Router) recomputeLocked(now time.Time) {
	m := &r.metrics
	t := r.tally
	if t.tasks > 0 {
		n := float64(t.tasks)
		m.Efficiency.CompletionRate = float64(t.completed) / n
		m.Health.FailureRate = float64(t.failures) / n
		m.Health.RetryRate = float64(t.retries) / n
		m.Health.TimeoutRate = float64(t.timeouts) / n
	}
	if m.Collaboration.Syntheses > 0 {
		m.Collaboration.ConsensusRate = float64(t.consensus) / float64(m.Collaboration.Syntheses)
	}

	counts := make([]float64, 0, len(r.workers))
	active := 0
	for _, w := range r.workers {
		p := r.perf[w.ID()]
		if p == nil {
			counts = append(counts, 0)
			continue
		}
		counts = append(counts, float64(p.TasksHandled))
		if !p.LastInteraction.IsZero() && now.Sub(p.LastInteraction) <= activeWindow {
			active++
		}
	}
	m.Efficiency.LoadBalance = 1 / (1 + stdev(counts))
	m.Health.ActiveAgents = active
	if len(r.workers) > 0 {
		m.Efficiency.ResourceUtilization = float64(active) / float64(len(r.workers))
	} else {
		m.Efficiency.ResourceUtilization = 0
	}
	m.UpdatedAt = now
}

// recordRecoveryLocked folds the time from the last failure to this success into
// RecoveryTime. Caller holds r.mu.
func (r *Router) recordRecoveryLocked(res *task.Result, now time.Time) {
	switch {
	case res.Status == task.StatusFailed || res.Status == task.StatusTimeout:
		if r.tally.lastFailure.IsZero() {
			r.tally.lastFailure = now
		}
	case res.Completed() && !r.tally.lastFailure.IsZero():
		took := now.Sub(r.tally.lastFailure)
		h := &r.metrics.Health
		if h.RecoveryTime == 0 {
			h.RecoveryTime = took
		} else {
			h.RecoveryTime = time.Duration((1-emaWeight)*float64(h.RecoveryTime) + emaWeight*float64(took))
		}
		r.tally.lastFailure = time.Time{}
	}
}

// stdev is the population standard deviation.
func stdev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return math.Sqrt(sq / float64(len(xs)))
}
