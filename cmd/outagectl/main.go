// outagectl：租户配置校验、数据源连通性检查、快照导出与直连库的表结构初始化
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"outage-map/internal/logger"
)

type rootOptions struct {
	configDir string
	tenantID  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "outagectl",
		Short:         "Inspect and operate outage-map tenants",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Setup()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configDir, "config-dir", "c", envOr("TENANT_CONFIG_DIR", "data/tenants"), "tenant config directory")
	root.PersistentFlags().StringVarP(&opts.tenantID, "tenant", "t", envOr("TENANT_ID", "default"), "tenant id")

	root.AddGroup(
		&cobra.Group{ID: "config", Title: "Configuration:"},
		&cobra.Group{ID: "data", Title: "Data:"},
	)
	root.AddCommand(
		newValidateCmd(opts),
		newCheckCmd(opts),
		newExportCmd(opts),
		newSchemaCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load(".env")
	if err := newRootCmd().Execute(); err != nil {
		logger.L().Error("outagectl_error", "err", err)
		os.Exit(1)
	}
}
