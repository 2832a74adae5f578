package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func (c *cli) newRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Relay chat events of enabled Twitch services to local observers",
		Long: `Relay follows, raids and chat messages of every enabled Twitch service to
websocket observers (overlays, bots) on OBSERVER_HOST:OBSERVER_PORT, and send
their chat messages back. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.app.relay().Run(ctx)
		},
	}
}
