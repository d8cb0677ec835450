// Package store holds KPI metric series, the per-commit change-count cache and
// collected change records.
package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/diffstat"
)

// maxDeltaEvents bounds the memory store change log read by incremental snapshot readers.
const maxDeltaEvents = 4096

// MetricPoint is a single metric sample.
type MetricPoint struct {
	Name      string
	Labels    map[string]string
	Value     float64
	UpdatedAt time.Time
}

// SnapshotDeltaEvent is one incremental snapshot change for a series.
type SnapshotDeltaEvent struct {
	SeriesID string
	Point    MetricPoint
	Deleted  bool
}

// SnapshotDelta contains a set of incremental changes after a cursor.
type SnapshotDelta struct {
	NextCursor uint64
	Events     []SnapshotDeltaEvent
}

type cachedCounts struct {
	counts    diffstat.Counts
	expiresAt time.Time
}

type deltaEntry struct {
	cursor uint64
	event  SnapshotDeltaEvent
}

// MemoryStore is an in-memory metric store and change-count cache.
type MemoryStore struct {
	mu        sync.RWMutex
	retention time.Duration
	maxSeries int
	changeTTL time.Duration
	now       func() time.Time

	metrics  map[string]MetricPoint
	changes  map[string]cachedCounts
	runLocks map[string]time.Time

	cursor uint64
	deltas []deltaEntry
}

// NewMemoryStore creates a memory store. changeTTL <= 0 keeps cached change counts forever.
func NewMemoryStore(retention time.Duration, maxSeries int, changeTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		retention: retention,
		maxSeries: maxSeries,
		changeTTL: changeTTL,
		now:       time.Now,
		metrics:   make(map[string]MetricPoint),
		changes:   make(map[string]cachedCounts),
		runLocks:  make(map[string]time.Time),
	}
}

// UpsertMetric inserts or updates a metric point.
func (s *MemoryStore) UpsertMetric(point MetricPoint) error {
	if err := validatePoint(point); err != nil {
		return err
	}

	key := metricKey(point.Name, point.Labels)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.metrics[key]; !exists && s.maxSeries > 0 && len(s.metrics) >= s.maxSeries {
		return fmt.Errorf("max series budget exceeded")
	}
	stored := clonePoint(point)
	s.metrics[key] = stored
	s.recordDeltaLocked(SnapshotDeltaEvent{SeriesID: key, Point: clonePoint(stored)})
	return nil
}

// GetChangeCounts returns cached counts for a commit key.
func (s *MemoryStore) GetChangeCounts(_ context.Context, key string) (diffstat.Counts, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.changes[key]
	if !ok {
		return diffstat.Counts{}, false, nil
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		return diffstat.Counts{}, false, nil
	}
	return entry.counts, true, nil
}

// SetChangeCounts caches counts for a commit key.
func (s *MemoryStore) SetChangeCounts(_ context.Context, key string, counts diffstat.Counts) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("change cache key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := cachedCounts{counts: counts}
	if s.changeTTL > 0 {
		entry.expiresAt = s.now().Add(s.changeTTL)
	}
	s.changes[key] = entry
	return nil
}

// AcquireRunLock takes a named lock until ttl elapses or it is released.
func (s *MemoryStore) AcquireRunLock(key string, ttl time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, exists := s.runLocks[key]
	if exists && now.Before(expiry) {
		return false
	}
	s.runLocks[key] = now.Add(ttl)
	return true
}

// ReleaseRunLock releases a named lock.
func (s *MemoryStore) ReleaseRunLock(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runLocks, key)
}

// Ping reports store availability. The memory store is always available.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// GC deletes expired metrics, cache entries and locks.
func (s *MemoryStore) GC(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retention > 0 {
		for key, point := range s.metrics {
			if now.Sub(point.UpdatedAt) > s.retention {
				delete(s.metrics, key)
				s.recordDeltaLocked(SnapshotDeltaEvent{SeriesID: key, Point: point, Deleted: true})
			}
		}
	}
	for key, entry := range s.changes {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(s.changes, key)
		}
	}
	for key, expiry := range s.runLocks {
		if !now.Before(expiry) {
			delete(s.runLocks, key)
		}
	}
}

// Snapshot returns all non-expired metrics ordered by series key.
func (s *MemoryStore) Snapshot() []MetricPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.metrics))
	for key := range s.metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]MetricPoint, 0, len(keys))
	for _, key := range keys {
		result = append(result, clonePoint(s.metrics[key]))
	}
	return result
}

// SnapshotCursor returns the position of the latest recorded change.
func (s *MemoryStore) SnapshotCursor() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, nil
}

// SnapshotDelta returns changes recorded after cursor. It fails when the change log
// no longer reaches back to cursor, so callers fall back to a full snapshot.
func (s *MemoryStore) SnapshotDelta(cursor uint64) (SnapshotDelta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cursor > s.cursor {
		return SnapshotDelta{}, fmt.Errorf("cursor %d is ahead of store cursor %d", cursor, s.cursor)
	}
	if cursor < s.cursor && len(s.deltas) > 0 && s.deltas[0].cursor > cursor+1 {
		return SnapshotDelta{}, fmt.Errorf("cursor %d is older than the retained change log", cursor)
	}

	delta := SnapshotDelta{NextCursor: s.cursor}
	for _, entry := range s.deltas {
		if entry.cursor <= cursor {
			continue
		}
		delta.Events = append(delta.Events, SnapshotDeltaEvent{
			SeriesID: entry.event.SeriesID,
			Point:    clonePoint(entry.event.Point),
			Deleted:  entry.event.Deleted,
		})
	}
	return delta, nil
}

func (s *MemoryStore) recordDeltaLocked(event SnapshotDeltaEvent) {
	s.cursor++
	s.deltas = append(s.deltas, deltaEntry{cursor: s.cursor, event: event})
	if overflow := len(s.deltas) - maxDeltaEvents; overflow > 0 {
		s.deltas = append([]deltaEntry(nil), s.deltas[overflow:]...)
	}
}

func validatePoint(point MetricPoint) error {
	if point.Name == "" {
		return fmt.Errorf("metric name is required")
	}
	if point.UpdatedAt.IsZero() {
		return fmt.Errorf("metric updated time is required")
	}
	return nil
}

func clonePoint(point MetricPoint) MetricPoint {
	return MetricPoint{
		Name:      point.Name,
		Labels:    maps.Clone(point.Labels),
		Value:     point.Value,
		UpdatedAt: point.UpdatedAt,
	}
}

func metricKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	builder := strings.Builder{}
	builder.WriteString(name)
	builder.WriteString("|")
	for _, key := range keys {
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(labels[key])
		builder.WriteString(";")
	}
	return builder.String()
}

func sortPoints(points []MetricPoint) {
	sort.Slice(points, func(i, j int) bool {
		return metricKey(points[i].Name, points[i].Labels) < metricKey(points[j].Name, points[j].Labels)
	})
}
