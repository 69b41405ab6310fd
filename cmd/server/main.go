package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"stockledger/backend/internal/logger"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stockledger",
		Short: "Inventory ledger: sales, purchases, returns and reports",
		Long: `stockledger records sales and purchases against a product catalogue,
keeps stock levels consistent with every committed transaction, accepts
partial returns and serves sales reports.

Configuration is read from the environment (and a .env file when present).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return logger.Init(os.Getenv("APP_ENV"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, args)
		},
	}

	root.AddCommand(newServeCmd(), newWorkerCmd(), newMigrateCmd(), newReportCmd())
	return root
}
