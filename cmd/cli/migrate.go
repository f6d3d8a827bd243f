package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eldorplus/pki/internal/app"
	"github.com/eldorplus/pki/internal/infrastructure/audit"
	"github.com/eldorplus/pki/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the sql schema of the configured store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadRuntime()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		stores, err := app.OpenStores(ctx, cfg, nil, log)
		if err != nil {
			return err
		}
		defer stores.Close()
		if stores.DB == nil {
			return fmt.Errorf("store driver %q has no schema to migrate", cfg.Store.Driver)
		}
		if err := audit.NewGormBackend(stores.DB).Migrate(ctx); err != nil {
			return fmt.Errorf("migrate audit table: %w", err)
		}
		log.Info(ctx, "schema migrated", logger.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
