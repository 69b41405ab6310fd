package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"stockledger/backend/internal/metrics"
)

const (
	versionKey  = "reports:version"
	bumpChannel = "reports.bump"
)

// RedisReportCache keeps JSON payloads in Redis. Keys embed a global version
// counter; bumping the counter makes older entries unreachable and lets them
// expire by TTL.
type RedisReportCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	log    *zap.Logger
}

func NewRedisReportCache(addr string, password string, db int, ttl time.Duration, log *zap.Logger) *RedisReportCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisReportCacheWithClient(client, ttl, log)
}

func NewRedisReportCacheWithClient(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisReportCache {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisReportCache{client: client, ttl: ttl, log: log.Named("report-cache")}
}

func (c *RedisReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisReportCache) Close() error {
	return c.client.Close()
}

// Version returns the current cache version, initialising it when missing.
func (c *RedisReportCache) Version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, versionKey).Int64()
	if errors.Is(err, redis.Nil) {
		// SetNX so two cold starts agree on the same version.
		if err := c.client.SetNX(ctx, versionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, versionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, versionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}

func (c *RedisReportCache) BuildKey(ctx context.Context, parts ...string) (string, error) {
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:v%d", strings.Join(parts, ":"), ver), nil
}

// FetchJSON decodes the cached payload at key into dest, or runs loader, stores
// its result and decodes that. Concurrent misses on one key share a single
// loader call.
func (c *RedisReportCache) FetchJSON(ctx context.Context, key string, dest any, loader Loader) error {
	if loader == nil {
		return ErrLoaderRequired
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		metrics.ReportCacheTotal.WithLabelValues("hit").Inc()
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		metrics.ReportCacheTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.ReportCacheTotal.WithLabelValues("miss").Inc()

	raw, err, _ := c.group.Do(key, func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.log.Warn("cache store failed", zap.String("key", key), zap.Error(err))
		}
		return encoded, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw.([]byte), dest)
}

// Bump increments the version and announces it to other instances.
func (c *RedisReportCache) Bump(ctx context.Context) error {
	ver, err := c.client.Incr(ctx, versionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// ListenForInvalidation follows bump notifications from other instances until
// ctx is done. Instances sharing one Redis see the counter anyway; this keeps
// replicas with a separate Redis in step.
func (c *RedisReportCache) ListenForInvalidation(ctx context.Context) {
	pubsub := c.client.Subscribe(ctx, bumpChannel)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				remote, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					continue
				}
				local, err := c.Version(ctx)
				if err == nil && remote > local {
					_ = c.client.Set(ctx, versionKey, remote, 0).Err()
				}
			}
		}
	}()
}
