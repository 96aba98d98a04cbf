package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"outage-map/internal/tenant"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "validate",
		Short:   "Validate tenant configuration files",
		GroupID: "config",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			now := time.Now()
			if !all {
				cfg, err := tenant.Load(opts.configDir, opts.tenantID)
				if err != nil {
					return err
				}
				if err := tenant.Validate(cfg, now); err != nil {
					fmt.Fprintf(out, "FAIL %s\n%v\n", cfg.Tenant.ID, err)
					return fmt.Errorf("tenant %s is invalid", cfg.Tenant.ID)
				}
				fmt.Fprintf(out, "OK   %s\n", cfg.Tenant.ID)
				return nil
			}

			cfgs, loadErrs, err := tenant.LoadAll(opts.configDir)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(cfgs)+len(loadErrs))
			for id := range cfgs {
				ids = append(ids, id)
			}
			for id := range loadErrs {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			failed := 0
			for _, id := range ids {
				err := loadErrs[id]
				if err == nil {
					err = tenant.Validate(cfgs[id], now)
				}
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s\n%v\n", id, err)
					continue
				}
				fmt.Fprintf(out, "OK   %s\n", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tenant configs invalid", failed, len(ids))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "validate every *.json in the config directory")
	return cmd
}
