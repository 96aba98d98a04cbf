package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"outage-map/internal/livesync"
	"outage-map/internal/session"
	"outage-map/internal/tenant"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:     "check",
		Short:   "Test the tenant data source: count active records and load one snapshot",
		GroupID: "data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := tenant.Load(opts.configDir, opts.tenantID)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			src, err := session.OpenSources(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer src.Close()

			out := cmd.OutOrStdout()
			loader := &livesync.Loader{Fetcher: src.Fetcher, Config: cfg}
			n, err := loader.Stats(ctx)
			if err != nil {
				return fmt.Errorf("count: %w", err)
			}
			fmt.Fprintf(out, "tenant:   %s\nsource:   %s\ntable:    %s\nactive:   %d\n", cfg.Tenant.ID, cfg.Source.Kind, cfg.Table, n)
			start := time.Now()
			recs, err := loader.Load(ctx)
			if err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}
			fmt.Fprintf(out, "mappable: %d (%d dropped or filtered)\nloaded:   %s\n", len(recs), n-int64(len(recs)), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}
