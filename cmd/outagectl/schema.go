package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"outage-map/internal/migrate"
	"outage-map/internal/tenant"
	"outage-map/internal/utils"
)

func newSchemaCmd(opts *rootOptions) *cobra.Command {
	var (
		dsn       string
		noTrigger bool
	)
	cmd := &cobra.Command{
		Use:     "schema",
		Short:   "Create the point table and change-notify trigger for a postgres tenant",
		GroupID: "config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := tenant.Load(opts.configDir, opts.tenantID)
			if err != nil {
				return err
			}
			if dsn == "" {
				dsn = cfg.Source.Postgres.DSN
			}
			if dsn == "" {
				dsn = utils.BuildPostgresDSNFromEnv()
			}
			db, err := utils.OpenPostgres(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer db.Close()

			tbl := migrate.Table{
				Name:      cfg.Table,
				Latitude:  cfg.Columns.Latitude,
				Longitude: cfg.Columns.Longitude,
				Status:    cfg.Columns.Status,
				UpdatedAt: cfg.Columns.UpdatedAt,
			}
			if err := migrate.EnsureSchema(cmd.Context(), db, tbl); err != nil {
				return fmt.Errorf("schema: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "table %s ready\n", migrate.QualifiedName(cfg.Table))
			if noTrigger {
				return nil
			}
			ch := cfg.Source.Postgres.NotifyChannel
			if err := migrate.EnsureNotifyTrigger(cmd.Context(), db, cfg.Table, ch); err != nil {
				return fmt.Errorf("trigger: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "notify trigger on channel %s ready\n", ch)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "postgres DSN (default: tenant dsn, then PG_* env)")
	cmd.Flags().BoolVar(&noTrigger, "no-trigger", false, "skip the LISTEN/NOTIFY trigger")
	return cmd
}
