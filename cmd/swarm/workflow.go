package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-swarm/internal/task"
	"github.com/nidhogg/nuka-swarm/internal/workflow"
)

func newWorkflowCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run and inspect workflow graphs",
	}
	cmd.AddCommand(newWorkflowListCmd(load), newWorkflowRunCmd(load))
	return cmd
}

func newWorkflowListCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded workflow templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.close()

			for _, name := range a.templates.Names() {
				g, _ := a.templates.Get(name)
				fmt.Printf("%s\t%d nodes\t%s\n", name, len(g.Nodes), g.Description)
			}
			return nil
		},
	}
}

func newWorkflowRunCmd(load loader) *cobra.Command {
	var (
		files  []string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "run <name> <prompt>",
		Short: "Walk a workflow graph with the given input",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.close()

			for _, f := range files {
				if _, err := a.templates.LoadFile(f); err != nil {
					return err
				}
			}
			g, err := a.templates.Get(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			exec := workflow.NewExecutor(a.workers, a.cfg.Workflow, a.logger)
			exec.SetEvents(a.events)
			run, err := exec.Run(ctx, g, task.Input{Prompt: strings.Join(args[1:], " ")})
			if err != nil {
				return err
			}

			if a.runs != nil {
				if err := a.runs.RecordWorkflowRun(context.WithoutCancel(ctx), run); err != nil {
					a.logger.Warn("record workflow run failed", zap.String("run", run.ID), zap.Error(err))
				}
			}

			if asJSON {
				return printJSON(run)
			}
			for _, step := range run.Path {
				switch {
				case step.Decision != "":
					fmt.Printf("%-12s %-8s -> %s\n", step.NodeID, step.Type, step.Decision)
				case step.Agent != "":
					fmt.Printf("%-12s %-8s by %s\n", step.NodeID, step.Type, step.Agent)
				default:
					fmt.Printf("%-12s %s\n", step.NodeID, step.Type)
				}
			}
			fmt.Printf("status: %s\n", run.Status)
			if run.Error != "" {
				fmt.Printf("error: %s\n", run.Error)
			}
			if run.Output != "" {
				fmt.Printf("\n%s\n", run.Output)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "extra workflow file to load")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full run as JSON")
	return cmd
}
