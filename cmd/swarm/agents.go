package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newAgentsCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List configured agents and their tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.close()

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTOOLS\tDESCRIPTION")
			for _, w := range a.workers.List() {
				var tools []string
				for _, t := range w.Tools() {
					tools = append(tools, t.Name)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", w.ID(), w.Name(), strings.Join(tools, ","), w.Description())
			}
			return tw.Flush()
		},
	}
}
