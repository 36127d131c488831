package main

import (
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/brokerage/position-ledger/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema",
	Long:  `Creates the ledger tables in DATABASE_URL. Safe to run repeatedly.`,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	if appConfig.DatabaseURL == "" {
		return errors.New("migrate: DATABASE_URL is not set")
	}
	ctx := cmd.Context()

	pool, err := pgxpool.New(ctx, appConfig.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		return err
	}
	slog.Info("schema applied")
	return nil
}
