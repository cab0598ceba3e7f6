package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"VaultPilot/internal/config"
	"VaultPilot/pkg/logger"
)

var (
	cliName   = "vaultpilotd"
	version   = "0.1.0"
	commit    = "unknown"
	buildDate = "unknown"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           cliName,
		Short:         "需用户授权的链上执行与定投服务",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			cfg, err := config.Load(config.ResolvePath(opts.configPath))
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", filepath.Join("configs", "vaultpilot.yaml"), "配置文件路径，可被 "+config.EnvConfigPath+" 覆盖")

	cmd.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newTokenCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "输出版本信息",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit: %s, built: %s)\n", cliName, version, commit, buildDate)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "输出构建信息")
	return cmd
}
