package exporter

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/store"
)

const (
	cacheModeFull        = "full"
	cacheModeIncremental = "incremental"

	defaultCacheRefresh = 30 * time.Second
)

type deltaSource interface {
	SnapshotCursor() (uint64, error)
	SnapshotDelta(cursor uint64) (store.SnapshotDelta, error)
}

// CacheConfig configures the snapshot cache in front of /metrics.
type CacheConfig struct {
	Mode            string
	RefreshInterval time.Duration
	Now             func() time.Time
}

// CacheStats describes the state of a cached snapshot reader.
type CacheStats struct {
	Mode            string
	Series          int
	LastRefresh     time.Time
	RefreshDuration time.Duration
	FullRefreshes   uint64
	DeltaRefreshes  uint64
}

type cacheStatsReader interface {
	CacheStats() CacheStats
}

// kpiSnapshotCache serves KPI series from memory and reloads them at most once per
// refresh interval. Stores that keep a change log are followed through deltas in
// incremental mode; any delta failure reloads the whole snapshot.
type kpiSnapshotCache struct {
	source SnapshotReader
	deltas deltaSource
	mode   string
	every  time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	loaded bool
	cursor uint64
	series map[string]store.MetricPoint
	order  []string
	stats  CacheStats
}

// NewCachedSnapshotReader wraps source with a refresh-on-read cache. Wrapping a
// reader that is already cached returns it unchanged.
func NewCachedSnapshotReader(source SnapshotReader, cfg CacheConfig) SnapshotReader {
	if source == nil {
		return &kpiSnapshotCache{}
	}
	if cached, ok := source.(*kpiSnapshotCache); ok {
		return cached
	}

	cache := &kpiSnapshotCache{
		source: source,
		mode:   normalizeCacheMode(cfg.Mode),
		every:  cfg.RefreshInterval,
		now:    cfg.Now,
		series: map[string]store.MetricPoint{},
	}
	if cache.every <= 0 {
		cache.every = defaultCacheRefresh
	}
	if cache.now == nil {
		cache.now = time.Now
	}
	if deltas, ok := source.(deltaSource); ok && cache.mode == cacheModeIncremental {
		cache.deltas = deltas
	}
	cache.stats.Mode = cache.mode
	return cache
}

func (c *kpiSnapshotCache) Snapshot() []store.MetricPoint {
	if c == nil || c.source == nil {
		return nil
	}
	now := c.now()

	c.mu.RLock()
	fresh := c.fresh(now)
	c.mu.RUnlock()
	if !fresh {
		c.mu.Lock()
		if !c.fresh(now) {
			c.refreshLocked(now)
		}
		c.mu.Unlock()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.order) == 0 {
		return nil
	}
	points := make([]store.MetricPoint, 0, len(c.order))
	for _, key := range c.order {
		points = append(points, clonePoint(c.series[key]))
	}
	return points
}

// CacheStats returns counters describing the cache.
func (c *kpiSnapshotCache) CacheStats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *kpiSnapshotCache) fresh(now time.Time) bool {
	return c.loaded && now.Sub(c.stats.LastRefresh) < c.every
}

func (c *kpiSnapshotCache) refreshLocked(now time.Time) {
	started := time.Now()
	if c.loaded && c.deltas != nil && c.followDeltaLocked() {
		c.stats.DeltaRefreshes++
	} else {
		c.reloadLocked()
		c.stats.FullRefreshes++
	}
	c.loaded = true
	c.order = slices.Sorted(maps.Keys(c.series))
	c.stats.Series = len(c.series)
	c.stats.LastRefresh = now
	c.stats.RefreshDuration = time.Since(started)
}

func (c *kpiSnapshotCache) followDeltaLocked() bool {
	delta, err := c.deltas.SnapshotDelta(c.cursor)
	if err != nil {
		return false
	}
	for _, event := range delta.Events {
		// The store's series ids are opaque here; the point itself identifies the series.
		key := seriesKey(event.Point)
		if event.Deleted {
			delete(c.series, key)
		} else {
			c.series[key] = clonePoint(event.Point)
		}
	}
	c.cursor = max(c.cursor, delta.NextCursor)
	return true
}

func (c *kpiSnapshotCache) reloadLocked() {
	points := c.source.Snapshot()
	c.series = make(map[string]store.MetricPoint, len(points))
	for _, point := range points {
		c.series[seriesKey(point)] = clonePoint(point)
	}
	if c.deltas != nil {
		if cursor, err := c.deltas.SnapshotCursor(); err == nil {
			c.cursor = cursor
		}
	}
}

func clonePoints(points []store.MetricPoint) []store.MetricPoint {
	if len(points) == 0 {
		return nil
	}
	copied := make([]store.MetricPoint, len(points))
	for i, point := range points {
		copied[i] = clonePoint(point)
	}
	return copied
}

func clonePoint(point store.MetricPoint) store.MetricPoint {
	point.Labels = maps.Clone(point.Labels)
	return point
}

// seriesKey renders name{k=v,...} with sorted label names, which is also the /metrics order.
func seriesKey(point store.MetricPoint) string {
	var builder strings.Builder
	builder.WriteString(point.Name)
	builder.WriteByte('{')
	for i, key := range slices.Sorted(maps.Keys(point.Labels)) {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(key)
		builder.WriteByte('=')
		builder.WriteString(point.Labels[key])
	}
	builder.WriteByte('}')
	return builder.String()
}

func normalizeCacheMode(raw string) string {
	if strings.EqualFold(strings.TrimSpace(raw), cacheModeFull) {
		return cacheModeFull
	}
	return cacheModeIncremental
}
