package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"outage-map/internal/feature"
	"outage-map/internal/livesync"
	"outage-map/internal/publish"
	"outage-map/internal/session"
	"outage-map/internal/tenant"
)

func newExportCmd(opts *rootOptions) *cobra.Command {
	var (
		format  string
		output  string
		demo    bool
		seed    int64
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:     "export",
		Short:   "Export the current active point set as json, csv or geojson",
		GroupID: "data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := tenant.Load(opts.configDir, opts.tenantID)
			if err != nil {
				return err
			}
			var recs []feature.Record
			if demo {
				recs = livesync.Demo(cfg, seed, time.Now())
			} else {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				src, err := session.OpenSources(ctx, cfg, nil)
				if err != nil {
					return err
				}
				defer src.Close()
				recs, err = (&livesync.Loader{Fetcher: src.Fetcher, Config: cfg}).Load(ctx)
				if err != nil {
					return err
				}
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			switch format {
			case "json":
				return publish.WriteJSON(w, recs)
			case "csv":
				return publish.WriteCSV(w, recs)
			case "geojson":
				return writeGeoJSON(w, recs)
			}
			return fmt.Errorf("unknown format %q (json, csv, geojson)", format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "json | csv | geojson")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	cmd.Flags().BoolVar(&demo, "demo", false, "export generated demo points instead of querying the source")
	cmd.Flags().Int64Var(&seed, "seed", 1, "demo generator seed")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "query timeout")
	return cmd
}
