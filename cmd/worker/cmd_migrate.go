package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/houzhh15/scribeq/cmd/worker/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "应用内置数据库迁移",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			sc := storeConfig(cfg)
			if err := store.RunMigrations(sc, log); err != nil {
				return err
			}
			version, dirty, err := store.MigrationVersion(sc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%v)\n", version, dirty)
			return nil
		},
	}
}
