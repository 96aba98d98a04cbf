package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"outage-map/internal/logger"
	"outage-map/internal/publish"
	"outage-map/internal/session"
	"outage-map/internal/tenant"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Short:   "Run a sync session and log state and count changes until interrupted",
		GroupID: "data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := tenant.Load(opts.configDir, opts.tenantID)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			l := logger.L()
			sess, err := session.Start(ctx, cfg, publish.LogRenderer{Log: l}, l)
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
			case <-sess.Controller.Done():
			}
			return sess.Stop()
		},
	}
}
