package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var errNoRunStore = errors.New("run history needs database.postgres.dsn")

func newHistoryCmd(load loader) *cobra.Command {
	var (
		swarmName   string
		limit       int
		performance bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded swarm runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.close()
			if a.runs == nil {
				return errNoRunStore
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

			if performance {
				if swarmName == "" {
					swarmName = a.swarmName()
				}
				perf, err := a.runs.AgentPerformance(ctx, swarmName)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "AGENT\tTASKS\tSUCCESS\tAVG\tRETRIES\tTIMEOUTS\tFAILURES")
				for _, p := range perf {
					fmt.Fprintf(tw, "%s\t%d\t%.2f\t%s\t%d\t%d\t%d\n", p.AgentID, p.TasksHandled,
						p.SuccessRate, p.AvgExecutionTime, p.Retries, p.Timeouts, p.Failures)
				}
				return tw.Flush()
			}

			runs, err := a.runs.RecentRuns(ctx, swarmName, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "STARTED\tSWARM\tSTRATEGY\tSTATUS\tLOOPS\tTOKENS\tPROMPT")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n", r.StartedAt.Format(time.RFC3339),
					r.Swarm, r.Strategy, r.Status, r.Loops, r.TotalTokens, truncate(r.Prompt, 60))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&swarmName, "swarm", "", "filter by swarm name")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().BoolVar(&performance, "performance", false, "show stored per-agent performance instead")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
