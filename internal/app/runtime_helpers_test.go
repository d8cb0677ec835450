package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
	"github.com/cam3ron2/scm-dev-kpi/internal/collect"
	"github.com/cam3ron2/scm-dev-kpi/internal/config"
	"github.com/cam3ron2/scm-dev-kpi/internal/store"
)

var testNow = time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)

type collectResponse struct {
	result collect.Result
	err    error
}

// fakeCollector replays responses in order and repeats the last one.
type fakeCollector struct {
	name      string
	responses []collectResponse

	mu    sync.Mutex
	calls int
}

func (c *fakeCollector) Name() string {
	return c.name
}

func (c *fakeCollector) Collect(_ context.Context, _ activity.Window) (collect.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := min(c.calls, len(c.responses)-1)
	c.calls++
	if idx < 0 {
		return collect.Result{}, nil
	}
	return c.responses[idx].result, c.responses[idx].err
}

func (c *fakeCollector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testConfig() *config.Config {
	return &config.Config{
		Window: config.WindowConfig{DaysBack: 30},
		Authors: config.AuthorsConfig{
			Key:        "name",
			Duplicates: map[string][]string{"alice": {"Alice Smith"}},
		},
		Merge: config.MergeConfig{
			TrunkBranch:   "master",
			Window:        72 * time.Hour,
			OutlierFactor: config.DefaultOutlierFactor,
		},
		Report:   config.ReportConfig{TopN: 5},
		Store:    config.StoreConfig{Backend: "memory", ExportCacheMode: "incremental"},
		Schedule: config.ScheduleConfig{RefreshInterval: time.Hour},
	}
}

func record(branch, commit, developer string, ts time.Time, added, removed int) activity.ChangeRecord {
	return activity.ChangeRecord{
		Source:       "bb",
		Project:      "PLAT",
		Repo:         "api",
		Branch:       branch,
		Commit:       commit,
		Developer:    developer,
		Timestamp:    ts,
		LinesAdded:   added,
		LinesRemoved: removed,
		FilesChanged: 1,
	}
}

func fixtureRecords() []activity.ChangeRecord {
	return []activity.ChangeRecord{
		record("feature-1", "c1", "Alice Smith", time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC), 10, 2),
		record("feature-1", "c2", "alice", time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), 20, 2),
		record("master", "c3", "alice", time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC), 30, 4),
		record("master", "c4", "bob", time.Date(2024, 3, 7, 9, 0, 0, 0, time.UTC), 5, 1),
	}
}

func successResponse() collectResponse {
	return collectResponse{result: collect.Result{
		Records: fixtureRecords(),
		Missed:  []collect.MissedRepo{{Source: "bb", Repo: "PLAT/legacy", Reason: "forbidden"}},
		Summary: collect.Summary{
			ReposProcessed:  1,
			RecordsProduced: 4,
			RequestTotals:   map[string]int{"commits|2xx": 3},
		},
	}}
}

func openRecordStore(t *testing.T) *store.SQLiteRecordStore {
	t.Helper()

	records, err := store.OpenSQLiteRecordStore(filepath.Join(t.TempDir(), "devkpi.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteRecordStore() unexpected error: %v", err)
	}
	t.Cleanup(func() {
		_ = records.Close()
	})
	return records
}

func newTestRuntime(backends Backends) *Runtime {
	runtime := NewRuntime(testConfig(), backends)
	runtime.Now = func() time.Time { return testNow }
	return runtime
}

func findMetric(points []store.MetricPoint, name string, labels map[string]string) *store.MetricPoint {
	for i := range points {
		point := points[i]
		if point.Name != name || len(point.Labels) != len(labels) {
			continue
		}
		matched := true
		for key, value := range labels {
			if point.Labels[key] != value {
				matched = false
				break
			}
		}
		if matched {
			return &point
		}
	}
	return nil
}
