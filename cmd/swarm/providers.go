package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newProvidersCmd(load loader) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List configured language-model providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.close()

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tDEFAULT\tMODELS\tHEALTH")
			for _, p := range a.providers.ListProviders() {
				def := ""
				if p.ID() == a.providers.DefaultID() {
					def = "*"
				}
				health := "-"
				var models []string
				if check {
					ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
					if err := p.HealthCheck(ctx); err != nil {
						health = "error: " + truncate(err.Error(), 40)
					} else {
						health = "ok"
					}
					if list, err := p.ListModels(ctx); err == nil {
						for _, m := range list {
							models = append(models, m.ID)
						}
					}
					cancel()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID(), p.Name(), def, truncate(strings.Join(models, ","), 50), health)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "call each provider to check health and list models")
	return cmd
}
