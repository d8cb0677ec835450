package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/diffstat"
	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	SIsMember(ctx context.Context, key string, member any) *redis.BoolCmd
	SCard(ctx context.Context, key string) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	ExpireAt(ctx context.Context, key string, tm time.Time) *redis.BoolCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStoreConfig configures the Redis-backed store.
type RedisStoreConfig struct {
	Namespace string
	Retention time.Duration
	MaxSeries int
	// ChangeTTL expires cached change counts; <= 0 keeps them forever.
	ChangeTTL time.Duration
}

// RedisStore stores metric series, cached change counts and run locks in Redis,
// so several serve replicas share one view.
type RedisStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
	retention time.Duration
	maxSeries int
	changeTTL time.Duration
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = "scm-dev-kpi"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}

	return &RedisStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
		retention: cfg.Retention,
		maxSeries: cfg.MaxSeries,
		changeTTL: cfg.ChangeTTL,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// UpsertMetric inserts or updates a metric point.
func (s *RedisStore) UpsertMetric(point MetricPoint) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	if err := validatePoint(point); err != nil {
		return err
	}

	ctx := context.Background()
	seriesID := hashSeriesID(metricKey(point.Name, point.Labels))
	isMember, err := s.client.SIsMember(ctx, s.metricsIndexKey(), seriesID).Result()
	if err != nil {
		return fmt.Errorf("check metric membership: %w", err)
	}
	if !isMember && s.maxSeries > 0 {
		seriesCount, err := s.client.SCard(ctx, s.metricsIndexKey()).Result()
		if err != nil {
			return fmt.Errorf("count metric series: %w", err)
		}
		if seriesCount >= int64(s.maxSeries) {
			return fmt.Errorf("max series budget exceeded")
		}
	}

	labelsJSON, err := json.Marshal(point.Labels)
	if err != nil {
		return fmt.Errorf("marshal metric labels: %w", err)
	}

	fields := map[string]any{
		"name":       point.Name,
		"labels":     string(labelsJSON),
		"value":      strconv.FormatFloat(point.Value, 'f', -1, 64),
		"updated_at": strconv.FormatInt(point.UpdatedAt.UnixNano(), 10),
	}

	dataKey := s.metricDataKey(seriesID)
	if err := s.client.HSet(ctx, dataKey, fields).Err(); err != nil {
		return fmt.Errorf("write metric hash: %w", err)
	}
	if err := s.client.SAdd(ctx, s.metricsIndexKey(), seriesID).Err(); err != nil {
		return fmt.Errorf("index metric series: %w", err)
	}

	if s.retention > 0 {
		if err := s.client.ExpireAt(ctx, dataKey, point.UpdatedAt.Add(s.retention)).Err(); err != nil {
			return fmt.Errorf("set metric ttl: %w", err)
		}
	}
	return nil
}

// GetChangeCounts returns cached counts for a commit key.
func (s *RedisStore) GetChangeCounts(ctx context.Context, key string) (diffstat.Counts, bool, error) {
	if s == nil || s.client == nil {
		return diffstat.Counts{}, false, fmt.Errorf("redis store is not initialized")
	}

	raw, err := s.client.Get(ctx, s.changeKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return diffstat.Counts{}, false, nil
	}
	if err != nil {
		return diffstat.Counts{}, false, fmt.Errorf("read change counts: %w", err)
	}

	var counts diffstat.Counts
	if err := json.Unmarshal([]byte(raw), &counts); err != nil {
		return diffstat.Counts{}, false, fmt.Errorf("decode change counts: %w", err)
	}
	return counts, true, nil
}

// SetChangeCounts caches counts for a commit key.
func (s *RedisStore) SetChangeCounts(ctx context.Context, key string, counts diffstat.Counts) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("change cache key is required")
	}

	encoded, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("encode change counts: %w", err)
	}
	ttl := s.changeTTL
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.changeKey(key), string(encoded), ttl).Err(); err != nil {
		return fmt.Errorf("write change counts: %w", err)
	}
	return nil
}

// AcquireRunLock takes a named lock shared by every replica.
func (s *RedisStore) AcquireRunLock(key string, ttl time.Duration, now time.Time) bool {
	if s == nil || s.client == nil {
		return false
	}
	if ttl <= 0 {
		return true
	}

	acquired, err := s.client.SetNX(context.Background(), s.prefixed("lock:run:"+key), now.UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false
	}
	return acquired
}

// ReleaseRunLock releases a named lock.
func (s *RedisStore) ReleaseRunLock(key string) {
	if s == nil || s.client == nil {
		return
	}
	_ = s.client.Del(context.Background(), s.prefixed("lock:run:"+key)).Err()
}

// GC removes stale metric index references whose series keys have already expired.
func (s *RedisStore) GC(_ time.Time) {
	if s == nil || s.client == nil {
		return
	}

	ctx := context.Background()
	seriesIDs, err := s.client.SMembers(ctx, s.metricsIndexKey()).Result()
	if err != nil {
		return
	}

	for _, seriesID := range seriesIDs {
		exists, err := s.client.Exists(ctx, s.metricDataKey(seriesID)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			_ = s.client.SRem(ctx, s.metricsIndexKey(), seriesID).Err()
		}
	}
}

// Snapshot returns all currently available metric series.
func (s *RedisStore) Snapshot() []MetricPoint {
	if s == nil || s.client == nil {
		return nil
	}

	ctx := context.Background()
	seriesIDs, err := s.client.SMembers(ctx, s.metricsIndexKey()).Result()
	if err != nil {
		return nil
	}

	result := make([]MetricPoint, 0, len(seriesIDs))
	for _, seriesID := range seriesIDs {
		fields, err := s.client.HGetAll(ctx, s.metricDataKey(seriesID)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}

		point, ok := decodeMetricPoint(fields)
		if !ok {
			continue
		}
		result = append(result, point)
	}

	sortPoints(result)
	return result
}

func decodeMetricPoint(fields map[string]string) (MetricPoint, bool) {
	name := fields["name"]
	if name == "" {
		return MetricPoint{}, false
	}

	var labels map[string]string
	if err := json.Unmarshal([]byte(fields["labels"]), &labels); err != nil {
		return MetricPoint{}, false
	}

	value, err := strconv.ParseFloat(fields["value"], 64)
	if err != nil {
		return MetricPoint{}, false
	}
	updatedAtNanos, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return MetricPoint{}, false
	}

	return MetricPoint{
		Name:      name,
		Labels:    maps.Clone(labels),
		Value:     value,
		UpdatedAt: time.Unix(0, updatedAtNanos),
	}, true
}

func (s *RedisStore) prefixed(suffix string) string {
	return s.namespace + ":" + suffix
}

func (s *RedisStore) metricsIndexKey() string {
	return s.prefixed("metrics:index")
}

func (s *RedisStore) metricDataKey(seriesID string) string {
	return s.prefixed("metric:" + seriesID)
}

func (s *RedisStore) changeKey(key string) string {
	return s.prefixed("changes:" + key)
}

func hashSeriesID(raw string) string {
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}
