package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"stockledger/backend/internal/cache"
	"stockledger/backend/internal/config"
	"stockledger/backend/internal/events"
	"stockledger/backend/internal/logger"
	"stockledger/backend/internal/reporting"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/store/memory"
	pgstore "stockledger/backend/internal/store/postgres"
)

const startupTimeout = 10 * time.Second

// deps are the process-wide components shared by every subcommand.
type deps struct {
	cfg       config.Config
	log       *zap.Logger
	repo      store.Repository
	pg        *pgstore.Store
	cache     cache.ReportCache
	redis     *cache.RedisReportCache
	publisher events.Publisher
	reports   *reporting.Service
	closers   []func() error
}

// bootstrap connects the configured backends. PostgreSQL is mandatory once
// DATABASE_URL is set; Redis and Kafka degrade to no-op implementations.
func bootstrap(ctx context.Context, cfg config.Config) (*deps, error) {
	d := &deps{cfg: cfg, log: logger.L()}

	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to fall back to memory: %w", err)
		}
		d.repo = pg
		d.pg = pg
		d.closers = append(d.closers, pg.Close)
		d.log.Info("repository: postgres")
	} else {
		d.repo = memory.NewSeeded()
		d.log.Info("repository: in-memory")
	}

	d.cache = cache.Noop{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReportCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ReportCacheTTL, d.log)
		if err := redisCache.Ping(ctx); err != nil {
			d.log.Warn("redis unavailable, reports are computed on every request", zap.Error(err))
			_ = redisCache.Close()
		} else {
			d.cache = redisCache
			d.redis = redisCache
			d.closers = append(d.closers, redisCache.Close)
			d.log.Info("report cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	}

	d.publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, d.log)
		d.publisher = events.NewKafkaPublisher(producer)
		d.closers = append(d.closers, producer.Close)
		d.log.Info("events: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	policy, err := config.LoadReportPolicy(cfg.ReportPolicyFile)
	if err != nil {
		d.Close()
		return nil, err
	}
	agg := reporting.NewAggregator(d.repo, policy, d.log)
	d.reports = reporting.NewService(agg, d.cache, d.log)
	return d, nil
}

// Close releases backends in reverse order of acquisition.
func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.log.Warn("close failed", zap.Error(err))
		}
	}
	d.closers = nil
}

var errRedisRequired = errors.New("REDIS_ADDR must be set for background jobs")

func asynqRedisOpts(cfg config.Config) (asynq.RedisClientOpt, error) {
	if cfg.RedisAddr == "" {
		return asynq.RedisClientOpt{}, errRedisRequired
	}
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, nil
}
