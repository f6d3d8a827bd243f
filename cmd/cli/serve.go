package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eldorplus/pki/internal/app"
	"github.com/eldorplus/pki/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadRuntime()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		engine, err := app.New(ctx, cfg, log)
		if err != nil {
			log.Error(ctx, "failed to start", err)
			return err
		}
		log.Info(ctx, "pki-server starting",
			logger.String("store", cfg.Store.Driver),
			logger.String("storage_unit", cfg.Crypto.StorageUnit),
			logger.Int("port", cfg.Server.Port))

		runErr := engine.Run(ctx)

		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			log.Warn(closeCtx, "shutdown incomplete", logger.Err(err))
		}
		log.Info(closeCtx, "pki-server stopped")
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
