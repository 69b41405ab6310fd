package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stockledger/backend/internal/config"
	"stockledger/backend/internal/jobs"
)

const (
	lapsedScanSpec = "0 2 * * *"
	warmupSpec     = "@every 15m"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background jobs and their schedule",
		Long: `worker processes queued report jobs and schedules them:
the lapsed customer scan runs daily at 02:00 UTC and the report cache
warmup every fifteen minutes. Requires REDIS_ADDR.`,
		RunE: runWorker,
	}
	cmd.Flags().Int("concurrency", 5, "number of jobs processed in parallel")
	cmd.Flags().Bool("no-schedule", false, "process queued jobs without registering the schedule")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	redisOpts, err := asynqRedisOpts(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	concurrency, _ := cmd.Flags().GetInt("concurrency")
	noSchedule, _ := cmd.Flags().GetBool("no-schedule")

	wcfg := jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      d.log,
		Concurrency: concurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLapsedScan, Handler: jobs.NewLapsedScanJob(d.reports, d.publisher, d.log).Handle},
			{Type: jobs.TaskReportWarmup, Handler: jobs.NewWarmupJob(d.reports, d.log).Handle},
		},
	}
	if !noSchedule {
		cron, err := schedule()
		if err != nil {
			return err
		}
		wcfg.Cron = cron
	}

	worker, err := jobs.NewWorker(wcfg)
	if err != nil {
		return err
	}
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func schedule() ([]jobs.CronRegistration, error) {
	lapsed, err := jobs.NewLapsedScanTask(jobs.LapsedScanPayload{})
	if err != nil {
		return nil, err
	}
	warmup, err := jobs.NewWarmupTask(0)
	if err != nil {
		return nil, err
	}
	return []jobs.CronRegistration{
		{Spec: lapsedScanSpec, Task: lapsed},
		{Spec: warmupSpec, Task: warmup},
	}, nil
}
