package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/claimflow/internal/config"
)

func newMigrateCommand(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the workflow store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return migrate(cmd, cfg)
		},
	}
}

// migrate opens the configured workflow store, which applies its schema.
func migrate(cmd *cobra.Command, cfg *config.Config) error {
	driver := cfg.Workflow.Store.Driver
	switch driver {
	case config.DriverSQLite, config.DriverPostgres:
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "The %s workflow store has no schema to migrate\n", driver)
		return nil
	}

	b := &backends{}
	defer b.close()
	if _, err := b.openWorkflowStore(cmd.Context(), cfg, zap.NewNop()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s workflow store\n", driver)
	return nil
}
