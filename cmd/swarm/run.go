package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-swarm/internal/swarm"
	"github.com/nidhogg/nuka-swarm/internal/task"
)

type loader func() (*app, error)

func newRunCmd(load loader) *cobra.Command {
	var (
		strategy string
		planning string
		maxLoops int
		agentIDs []string
		images   []string
		timeout  time.Duration
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Route a task through the swarm",
		Long: `Plan the task and route each step to a worker chosen by the configured
strategy until a step completes or the loop budget runs out.

With --timeout the whole run is wrapped in a single task that is
cancelled when the deadline passes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.close()

			cfg := a.cfg.Swarm
			if strategy != "" {
				s, err := swarm.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				cfg.Strategy = s
			}
			if planning != "" {
				cfg.Planning = swarm.PlanningMode(planning)
			}
			if maxLoops > 0 {
				cfg.MaxLoops = maxLoops
			}

			router, err := a.newRouter(cfg, agentIDs)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.memory.StartMaintenance(ctx, 0)

			in := task.Input{Prompt: strings.Join(args, " "), Images: images}
			if timeout > 0 {
				return runAsTask(ctx, a, router, in, timeout, asJSON)
			}

			res, runErr := router.Run(ctx, in)
			if res != nil {
				if err := printRun(res, router.Metrics(), asJSON); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	f := cmd.Flags()
	f.StringVar(&strategy, "strategy", "", "routing strategy: sequential, capability, load_balanced, collaborative")
	f.StringVar(&planning, "planning", "", "planning mode: complete or jit")
	f.IntVar(&maxLoops, "max-loops", 0, "maximum routing iterations")
	f.StringSliceVar(&agentIDs, "agents", nil, "agent IDs to include (default: all configured)")
	f.StringSliceVar(&images, "image", nil, "image URL or data URI to attach")
	f.DurationVar(&timeout, "timeout", 0, "wall-clock limit for the whole run")
	f.BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

// newRouter builds a router over the selected workers and attaches the
// app's memory, events and run store.
func (a *app) newRouter(cfg swarm.Config, agentIDs []string) (*swarm.Router, error) {
	workers, err := a.workers.Resolve(agentIDs)
	if err != nil {
		return nil, err
	}
	router, err := swarm.NewRouter(cfg, workers, a.logger)
	if err != nil {
		return nil, err
	}
	router.SetMemory(a.memory)
	router.SetEvents(a.events)
	if a.runs != nil {
		router.SetRecorder(a.runs)
	}
	return router, nil
}

func runAsTask(ctx context.Context, a *app, router *swarm.Router, in task.Input, timeout time.Duration, asJSON bool) error {
	t := task.New(task.Config{
		Kind:    task.KindSwarm,
		Input:   in,
		Timeout: timeout,
		Retry:   task.RetryPolicy{MaxAttempts: 1},
		Events:  a.events,
	}, a.logger)
	if err := t.Bind(router); err != nil {
		return err
	}
	res, err := t.Run(ctx)
	if err != nil {
		return err
	}
	a.logger.Debug("swarm task finished", zap.String("task", res.ID), zap.String("status", string(res.Status)))
	if asJSON {
		return printJSON(res)
	}
	printResult(res)
	if !res.Completed() {
		return fmt.Errorf("task %s: %s", res.Status, res.Error)
	}
	return nil
}

func printRun(res *swarm.RunResult, m swarm.SwarmMetrics, asJSON bool) error {
	if asJSON {
		return printJSON(struct {
			*swarm.RunResult
			Metrics swarm.SwarmMetrics `json:"swarm_metrics"`
		}{res, m})
	}
	for i, step := range res.Plan {
		fmt.Printf("plan %d: %s\n", i+1, step)
	}
	fmt.Printf("strategy: %s, loops: %d\n", res.Strategy, res.Loops)
	printResult(res.Result)
	fmt.Printf("completion rate: %.2f, load balance: %.2f\n",
		m.Efficiency.CompletionRate, m.Efficiency.LoadBalance)
	return nil
}

func printResult(res *task.Result) {
	fmt.Printf("status: %s (%dms)\n", res.Status, res.DurationMs)
	if u := res.Usage(); u.TotalTokens > 0 {
		fmt.Printf("tokens: %d\n", u.TotalTokens)
	}
	if res.Metrics.Cost != nil {
		fmt.Printf("cost: $%.4f\n", *res.Metrics.Cost)
	}
	if res.Error != "" {
		fmt.Printf("error: %s\n", res.Error)
	}
	if res.Output != "" {
		fmt.Printf("\n%s\n", res.Output)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
