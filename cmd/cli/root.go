package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/infrastructure/monitoring"
	"github.com/eldorplus/pki/pkg/logger"
)

var (
	configPath string
	envFile    string
)

// rootCmd is the pki-server binary invoked without a subcommand.
// rootCmd 代表在没有任何子命令的情况下调用 `pki-server` 二进制文件时的基本命令。
var rootCmd = &cobra.Command{
	Use:   "pki-server",
	Short: "Certificate and key request engine",
	Long: `pki-server runs the CA enrollment front end and the key recovery
authority, and carries the tooling to migrate their stores and mint keys.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnv(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml or /etc/pki/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with PKI_* overrides")
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEnv applies path to the environment. A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadRuntime reads the configuration and builds the logger it describes.
func loadRuntime() (*config.Config, logger.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, log, nil
}
