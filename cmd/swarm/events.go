package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nidhogg/nuka-swarm/internal/event"
)

func newEventsCmd(load loader) *cobra.Command {
	var types []string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow events published to the Redis stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.close()
			if a.sink == nil {
				return errors.New("following events needs database.redis.url")
			}

			want := make(map[event.Type]bool, len(types))
			for _, t := range types {
				want[event.Type(t)] = true
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			for e := range a.sink.Tail(ctx) {
				if len(want) > 0 && !want[e.Type] {
					continue
				}
				fmt.Printf("%s %-28s %-16s %v\n", e.Timestamp.Format(time.TimeOnly), e.Type, e.Source, e.Data)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&types, "type", nil, "only show these event types")
	return cmd
}
