package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/brokerage/position-ledger/internal/config"
	"github.com/brokerage/position-ledger/internal/logging"
)

var (
	cfgFile string

	// Populated by PersistentPreRunE before any subcommand runs.
	appConfig *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Position ledger: wallets, stock lots and order execution",
	Long: `Position ledger service.

Commands:
    serve      HTTP API on PORT (default 8080)
    migrate    apply the PostgreSQL schema to DATABASE_URL
`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

// initConfig loads configuration and installs the default logger.
func initConfig() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	closer, err := logging.Setup(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return err
	}
	appConfig = cfg
	logCloser = closer
	slog.Debug("configuration loaded", "config_file", cfgFile)
	return nil
}
