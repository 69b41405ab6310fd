package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stockledger/backend/internal/config"
	"stockledger/backend/internal/jobs"
	"stockledger/backend/internal/reporting"
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Run reports from the command line",
	}
	cmd.AddCommand(newReportLapsedCmd())
	return cmd
}

func newReportLapsedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lapsed",
		Short: "Print customers without a recent sale as JSON",
		Example: `  # Lapsed customers as of now
  stockledger report lapsed

  # Replay the scan for a past date
  stockledger report lapsed --as-of 2026-01-31

  # Queue the scan for the worker instead of running it here
  stockledger report lapsed --enqueue`,
		RunE: runReportLapsed,
	}
	cmd.Flags().String("as-of", "", "reference date (YYYY-MM-DD or RFC3339, default: now)")
	cmd.Flags().Bool("enqueue", false, "queue a lapsed scan job instead of printing")
	return cmd
}

func runReportLapsed(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	asOfRaw, _ := cmd.Flags().GetString("as-of")
	enqueue, _ := cmd.Flags().GetBool("enqueue")

	asOf := time.Now().UTC()
	if asOfRaw != "" {
		asOf, err = parseAsOf(asOfRaw)
		if err != nil {
			return err
		}
	}

	if enqueue {
		redisOpts, err := asynqRedisOpts(cfg)
		if err != nil {
			return err
		}
		client := jobs.NewClient(redisOpts)
		defer func() { _ = client.Close() }()

		payload := jobs.LapsedScanPayload{}
		if asOfRaw != "" {
			payload.AsOf = asOf.Format(time.RFC3339)
		}
		info, err := client.EnqueueLapsedScan(cmd.Context(), payload)
		if err != nil {
			return fmt.Errorf("enqueue lapsed scan: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s as %s\n", info.Type, info.ID)
		return nil
	}

	d, err := bootstrap(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	lapsed, err := d.reports.LapsedCustomers(cmd.Context(), asOf)
	if err != nil {
		return err
	}
	d.log.Debug("lapsed scan", zap.Int("count", len(lapsed)), zap.Time("as_of", asOf))
	return writeLapsed(cmd.OutOrStdout(), asOf, lapsed)
}

type lapsedOutput struct {
	AsOf      time.Time                  `json:"as_of"`
	Count     int                        `json:"count"`
	Customers []reporting.LapsedCustomer `json:"customers"`
}

func writeLapsed(w io.Writer, asOf time.Time, lapsed []reporting.LapsedCustomer) error {
	if lapsed == nil {
		lapsed = []reporting.LapsedCustomer{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(lapsedOutput{AsOf: asOf, Count: len(lapsed), Customers: lapsed})
}

func parseAsOf(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--as-of %q: use YYYY-MM-DD or RFC3339", raw)
	}
	// a bare date means the end of that day
	return t.AddDate(0, 0, 1), nil
}
