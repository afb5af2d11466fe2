package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roboricindustries/razzler/pkg/pubsub"
	"github.com/roboricindustries/razzler/pkg/schemas/common"
	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

func newAdminMessageCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "admin-message <text>",
		Short: "Queue a message to the configured admin number",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			if cfg.Signal.AdminNumber == "" {
				return errors.New("signal.admin_number is not set")
			}
			ctx := cmd.Context()
			client, err := pubsub.NewClient(ctx, cfg.PubSub("razzler-admin"), logger)
			if err != nil {
				return fmt.Errorf("connect broker: %w", err)
			}
			defer client.Close()

			msg := &signal.OutgoingMessage{Recipient: cfg.Signal.AdminNumber, Message: strings.Join(args, " ")}
			meta := common.NewMeta(common.OutgoingMessages.Type, "razzler-admin")
			if err := pubsub.PublishJSON(ctx, client, common.OutgoingMessages.Queue, meta, msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", meta.ID)
			return nil
		},
	}
}
