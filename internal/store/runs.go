package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-swarm/internal/swarm"
	"github.com/nidhogg/nuka-swarm/internal/workflow"
)

// ErrNoResult is returned when a record carries no run result.
var ErrNoResult = errors.New("run record has no result")

// RunSummary is one row of swarm_runs.
type RunSummary struct {
	ID          string    `json:"id"`
	Swarm       string    `json:"swarm"`
	Strategy    string    `json:"strategy"`
	Prompt      string    `json:"prompt"`
	Status      string    `json:"status"`
	Output      string    `json:"output"`
	Error       string    `json:"error"`
	Loops       int       `json:"loops"`
	RetryCount  int       `json:"retry_count"`
	TotalTokens int       `json:"total_tokens"`
	Cost        *float64  `json:"cost,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// RecordRun implements swarm.Recorder. The run row and every worker's
// performance record are written in one transaction.
func (s *Store) RecordRun(ctx context.Context, rec swarm.RunRecord) error {
	res := rec.Result
	if res == nil || res.Result == nil {
		return ErrNoResult
	}

	plan, err := json.Marshal(nonNil(res.Plan))
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	steps, err := json.Marshal(res.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	usage := res.Usage()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO swarm_runs (id, swarm, strategy, prompt, status, output, error, loops,
			retry_count, total_tokens, cost, plan, steps, metrics, started_at, completed_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, output = EXCLUDED.output, error = EXCLUDED.error,
			loops = EXCLUDED.loops, steps = EXCLUDED.steps, metrics = EXCLUDED.metrics,
			completed_at = EXCLUDED.completed_at, duration_ms = EXCLUDED.duration_ms`,
		res.ID, rec.Swarm, string(res.Strategy), rec.Prompt, string(res.Status), res.Output, res.Error,
		res.Loops, res.Metrics.RetryCount, usage.TotalTokens, res.Metrics.Cost,
		plan, steps, metrics, res.StartedAt, res.CompletedAt, res.DurationMs)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, p := range rec.Performance {
		var last *time.Time
		if !p.LastInteraction.IsZero() {
			t := p.LastInteraction
			last = &t
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO agent_performance (swarm, agent_id, tasks_handled, success_rate,
				avg_execution_ms, retries, timeouts, failures, last_interaction, removed, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
			 ON CONFLICT (swarm, agent_id) DO UPDATE SET
				tasks_handled = EXCLUDED.tasks_handled, success_rate = EXCLUDED.success_rate,
				avg_execution_ms = EXCLUDED.avg_execution_ms, retries = EXCLUDED.retries,
				timeouts = EXCLUDED.timeouts, failures = EXCLUDED.failures,
				last_interaction = EXCLUDED.last_interaction, removed = EXCLUDED.removed,
				updated_at = now()`,
			rec.Swarm, p.AgentID, p.TasksHandled, p.SuccessRate, p.AvgExecutionTime.Milliseconds(),
			p.Retries, p.Timeouts, p.Failures, last, p.Removed)
		if err != nil {
			return fmt.Errorf("upsert performance %s: %w", p.AgentID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	s.logger.Debug("Run recorded",
		zap.String("swarm", rec.Swarm),
		zap.String("run", res.ID),
		zap.String("status", string(res.Status)))
	return nil
}

// RecentRuns lists the latest runs of a swarm, newest first. An empty
// swarm name lists every swarm.
func (s *Store) RecentRuns(ctx context.Context, swarmName string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, swarm, strategy, prompt, status, output, error, loops,
			retry_count, total_tokens, cost, started_at, duration_ms
		 FROM swarm_runs
		 WHERE $1 = '' OR swarm = $1
		 ORDER BY started_at DESC
		 LIMIT $2`, swarmName, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.Swarm, &r.Strategy, &r.Prompt, &r.Status, &r.Output, &r.Error,
			&r.Loops, &r.RetryCount, &r.TotalTokens, &r.Cost, &r.StartedAt, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AgentPerformance returns the stored records for a swarm, ordered by agent.
func (s *Store) AgentPerformance(ctx context.Context, swarmName string) ([]swarm.AgentPerformance, error) {
	rows, err := s.db.Query(ctx,
		`SELECT agent_id, tasks_handled, success_rate, avg_execution_ms, retries,
			timeouts, failures, last_interaction, removed
		 FROM agent_performance WHERE swarm = $1 ORDER BY agent_id`, swarmName)
	if err != nil {
		return nil, fmt.Errorf("query performance: %w", err)
	}
	defer rows.Close()

	var out []swarm.AgentPerformance
	for rows.Next() {
		var (
			p    swarm.AgentPerformance
			ms   int64
			last *time.Time
		)
		if err := rows.Scan(&p.AgentID, &p.TasksHandled, &p.SuccessRate, &ms, &p.Retries,
			&p.Timeouts, &p.Failures, &last, &p.Removed); err != nil {
			return nil, fmt.Errorf("scan performance: %w", err)
		}
		p.AvgExecutionTime = time.Duration(ms) * time.Millisecond
		if last != nil {
			p.LastInteraction = *last
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordWorkflowRun stores the outcome of one graph walk.
func (s *Store) RecordWorkflowRun(ctx context.Context, run *workflow.Run) error {
	if run == nil {
		return ErrNoResult
	}
	path, err := json.Marshal(run.Path)
	if err != nil {
		return fmt.Errorf("marshal path: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflow_runs (id, workflow, status, output, error, path, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		run.ID, run.Workflow, string(run.Status), run.Output, run.Error, path, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert workflow run: %w", err)
	}
	return nil
}

// WorkflowRun loads a stored graph walk by ID.
func (s *Store) WorkflowRun(ctx context.Context, id string) (*workflow.Run, error) {
	var (
		run  workflow.Run
		path []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, workflow, status, output, error, path, started_at, completed_at
		 FROM workflow_runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.Workflow, &run.Status, &run.Output, &run.Error, &path, &run.StartedAt, &run.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow run %s: not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow run: %w", err)
	}
	if err := json.Unmarshal(path, &run.Path); err != nil {
		return nil, fmt.Errorf("unmarshal path: %w", err)
	}
	return &run, nil
}

func nonNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}
