package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"stockledger/backend/internal/config"
	"stockledger/backend/internal/logger"
	pgstore "stockledger/backend/internal/store/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		Long:  "migrate creates the tables and indexes the ledger needs. Every statement is idempotent, so it is safe to run on each deploy.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL must be set")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			pg, err := pgstore.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer func() { _ = pg.Close() }()

			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			logger.L().Info("schema applied")
			return nil
		},
	}
}
