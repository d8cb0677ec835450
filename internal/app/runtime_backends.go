package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
	"github.com/cam3ron2/scm-dev-kpi/internal/collect"
	"github.com/cam3ron2/scm-dev-kpi/internal/config"
	"github.com/cam3ron2/scm-dev-kpi/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MetricStore holds KPI gauges, the change-count cache and the run lock.
type MetricStore interface {
	collect.ChangeCache
	UpsertMetric(point store.MetricPoint) error
	AcquireRunLock(key string, ttl time.Duration, now time.Time) bool
	ReleaseRunLock(key string)
	Ping(ctx context.Context) error
	Snapshot() []store.MetricPoint
	GC(now time.Time)
}

// RecordStore persists change records and sync runs.
type RecordStore interface {
	SaveRecords(ctx context.Context, records []activity.ChangeRecord) error
	ListRecords(ctx context.Context, window activity.Window) ([]activity.ChangeRecord, error)
	RecordRun(ctx context.Context, run store.SyncRun) error
	LatestRun(ctx context.Context) (store.SyncRun, bool, error)
	Close() error
}

// Backends are the runtime's storage and collection dependencies. Nil fields get defaults:
// an in-memory metric store, no record persistence and no collectors.
type Backends struct {
	Metrics    MetricStore
	Records    RecordStore
	Collectors []collect.Collector
}

const defaultMaxSeries = 1_000_000

// Open builds every backend from configuration and returns a runtime over them. When
// offline is set, sources are registered by name only and never contacted.
func Open(cfg *config.Config, logger *zap.Logger, offline bool) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	records, err := store.OpenSQLiteRecordStore(cfg.Store.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}

	metrics := newMetricStore(cfg, logger)
	backends := Backends{Metrics: metrics, Records: records}
	if offline {
		for _, source := range cfg.Sources {
			backends.Collectors = append(backends.Collectors, &collect.NoopCollector{SourceName: source.Name})
		}
		return NewRuntime(cfg, backends, logger), nil
	}

	collectors, err := collect.NewCollectorsFromConfig(cfg, metrics)
	if err != nil {
		_ = records.Close()
		closeMetricStore(metrics)
		return nil, fmt.Errorf("build collectors: %w", err)
	}
	backends.Collectors = collectors
	return NewRuntime(cfg, backends, logger), nil
}

func newMetricStore(cfg *config.Config, logger *zap.Logger) MetricStore {
	retention, maxSeries, changeTTL := storeLimits(cfg)
	memory := store.NewMemoryStore(retention, maxSeries, changeTTL)
	if cfg == nil || !strings.EqualFold(strings.TrimSpace(cfg.Store.Backend), "redis") {
		return memory
	}

	redisStore, err := newRedisStoreFromConfig(cfg, retention, maxSeries, changeTTL)
	if err != nil {
		logger.Warn("failed to initialize redis store; falling back to in-memory store", zap.Error(err))
		return memory
	}
	return redisStore
}

func storeLimits(cfg *config.Config) (time.Duration, int, time.Duration) {
	retention := 30 * 24 * time.Hour
	maxSeries := defaultMaxSeries
	var changeTTL time.Duration
	if cfg == nil {
		return retention, maxSeries, changeTTL
	}
	if cfg.Store.Retention > 0 {
		retention = cfg.Store.Retention
	}
	if cfg.Store.MaxSeriesBudget > 0 {
		maxSeries = cfg.Store.MaxSeriesBudget
	}
	return retention, maxSeries, cfg.Store.ChangeCacheTTL
}

func newRedisStoreFromConfig(cfg *config.Config, retention time.Duration, maxSeries int, changeTTL time.Duration) (*store.RedisStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var redisClient redis.UniversalClient
	if strings.EqualFold(cfg.Store.RedisMode, "sentinel") {
		redisClient = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Store.RedisMasterSet,
			SentinelAddrs: cfg.Store.RedisSentinelAddrs,
			Password:      cfg.Store.RedisPassword,
			DB:            cfg.Store.RedisDB,
		})
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return store.NewRedisStore(redisClient, store.RedisStoreConfig{
		Namespace: cfg.Store.Namespace,
		Retention: retention,
		MaxSeries: maxSeries,
		ChangeTTL: changeTTL,
	}), nil
}

func closeMetricStore(metrics MetricStore) {
	if closer, ok := metrics.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
