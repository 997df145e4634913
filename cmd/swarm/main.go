package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:          "swarm",
		Short:        "Run tasks across a swarm of language-model agents",
		Long:         "swarm routes a task through a set of configured agents, either as a planned multi-step run or as a static workflow graph.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "config file (JSON or YAML)")

	load := func() (*app, error) {
		a, err := wireApp(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("wire app: %w", err)
		}
		return a, nil
	}

	rootCmd.AddCommand(
		newRunCmd(load),
		newWorkflowCmd(load),
		newAgentsCmd(load),
		newProvidersCmd(load),
		newHistoryCmd(load),
		newEventsCmd(load),
	)
	return rootCmd
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/swarm.yaml"
}
