package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	eventsLimit int
	eventsAck   bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List pending outbox events, optionally marking them published",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("events"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		events, err := st.PendingEvents(ctx, eventsLimit)
		if err != nil {
			return eris.Wrap(err, "load pending events")
		}

		enc := json.NewEncoder(os.Stdout)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
			if eventsAck {
				if err := st.MarkPublished(ctx, ev.ID); err != nil {
					return eris.Wrapf(err, "mark event %s published", ev.ID)
				}
			}
		}

		zap.L().Info("outbox drained", zap.Int("events", len(events)), zap.Bool("acked", eventsAck))
		return nil
	},
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 100, "maximum events to list")
	eventsCmd.Flags().BoolVar(&eventsAck, "ack", false, "mark listed events as published")
	rootCmd.AddCommand(eventsCmd)
}
