package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"VaultPilot/internal/storage/sqldb"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "对配置的数据库执行迁移",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cfg.Storage.Driver == "memory" {
				return errors.New("内存存储无需迁移")
			}
			sc := storageConfig(cfg)
			sc.AutoMigrate = false
			db, err := sqldb.Open(cmd.Context(), sc)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s 迁移完成\n", cfg.Storage.Driver)
			return nil
		},
	}
}
