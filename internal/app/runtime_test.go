package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
	"github.com/cam3ron2/scm-dev-kpi/internal/collect"
	"github.com/cam3ron2/scm-dev-kpi/internal/health"
)

func TestRuntimeRunCycle(t *testing.T) {
	t.Parallel()

	records := openRecordStore(t)
	bitbucket := &fakeCollector{name: "bb", responses: []collectResponse{successResponse()}}
	github := &fakeCollector{name: "gh", responses: []collectResponse{{err: errors.New("list repos: unauthorized")}}}
	runtime := newTestRuntime(Backends{
		Records:    records,
		Collectors: []collect.Collector{bitbucket, github},
	})

	result, err := runtime.RunCycle(context.Background())
	if err == nil || !strings.Contains(err.Error(), "source gh") {
		t.Fatalf("RunCycle() error = %v, want source gh failure", err)
	}
	if result.RunID == "" {
		t.Fatalf("RunCycle() RunID is empty")
	}
	if strings.Join(result.FailedSources, ",") != "gh" {
		t.Fatalf("FailedSources = %v, want [gh]", result.FailedSources)
	}
	if result.Collected != 4 || result.Records != 4 {
		t.Fatalf("Collected = %d, Records = %d, want 4 and 4", result.Collected, result.Records)
	}
	if len(result.Missed) != 1 || result.Summary.RecordsProduced != 4 {
		t.Fatalf("Missed = %v, Summary = %+v", result.Missed, result.Summary)
	}

	summary, _, found := result.Report.Developer("alice")
	if !found || summary.Commits != 3 {
		t.Fatalf("Developer(alice) = %+v found=%t, want 3 commits", summary, found)
	}
	if _, _, found := result.Report.Developer("Alice Smith"); found {
		t.Fatalf("alias was not folded into alice")
	}
	if _, ok := result.Report.ProjectTrunk("PLAT"); !ok {
		t.Fatalf("ProjectTrunk(PLAT) missing")
	}

	latest, ok := runtime.Latest()
	if !ok || len(latest.Developers) != 2 {
		t.Fatalf("Latest() = %d developers ok=%t, want 2", len(latest.Developers), ok)
	}

	run, ok := runtime.LastRun()
	if !ok || run.RunID != result.RunID || run.Status != runStatusPartial || run.SourcesFailed != 1 {
		t.Fatalf("LastRun() = %+v ok=%t", run, ok)
	}
	stored, ok, err := records.LatestRun(context.Background())
	if err != nil || !ok || stored.RunID != result.RunID || stored.Records != 4 {
		t.Fatalf("records.LatestRun() = %+v ok=%t err=%v", stored, ok, err)
	}

	snapshot := runtime.Store().Snapshot()
	wantMetrics := []struct {
		name   string
		labels map[string]string
		value  float64
	}{
		{name: metricSourceUp, labels: map[string]string{"source": "bb"}, value: 1},
		{name: metricSourceUp, labels: map[string]string{"source": "gh"}, value: 0},
		{name: metricSourceMissed, labels: map[string]string{"source": "bb"}, value: 1},
		{name: metricSourceRequests, labels: map[string]string{"source": "bb", "endpoint": "commits", "status": "2xx"}, value: 3},
		{name: metricSyncRecords, labels: nil, value: 4},
		{name: metricStoreWriteFails, labels: nil, value: 0},
		{name: "devkpi_developer_commits", labels: map[string]string{"developer": "alice"}, value: 3},
		{name: "devkpi_weekly_commits", labels: map[string]string{"developer": "bob", "week": "2024-03-04"}, value: 1},
	}
	for _, want := range wantMetrics {
		point := findMetric(snapshot, want.name, want.labels)
		if point == nil {
			t.Fatalf("missing metric %s%v", want.name, want.labels)
		}
		if point.Value != want.value {
			t.Fatalf("%s%v = %v, want %v", want.name, want.labels, point.Value, want.value)
		}
	}
}

func TestRuntimeRunCycleReportsStoredHistoryWhenSourceFails(t *testing.T) {
	t.Parallel()

	records := openRecordStore(t)
	bitbucket := &fakeCollector{name: "bb", responses: []collectResponse{
		successResponse(),
		{err: errors.New("server unavailable")},
	}}
	runtime := newTestRuntime(Backends{
		Records:    records,
		Collectors: []collect.Collector{bitbucket},
	})

	if _, err := runtime.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle(first) unexpected error: %v", err)
	}

	result, err := runtime.RunCycle(context.Background())
	if err == nil {
		t.Fatalf("RunCycle(second) expected error")
	}
	if result.Collected != 0 || result.Records != 4 {
		t.Fatalf("Collected = %d, Records = %d, want 0 and 4", result.Collected, result.Records)
	}
	if len(result.Report.Developers) != 2 {
		t.Fatalf("report developers = %d, want 2 from stored history", len(result.Report.Developers))
	}
	if summary, _, found := result.Report.Developer("alice"); !found || summary.Commits != 3 {
		t.Fatalf("stored alias records were not re-resolved: %+v", summary)
	}
	run, _ := runtime.LastRun()
	if run.Status != runStatusFailed {
		t.Fatalf("LastRun().Status = %q, want %q", run.Status, runStatusFailed)
	}
}

func TestRuntimeRunCycleWithoutRecordStore(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(Backends{
		Collectors: []collect.Collector{&fakeCollector{name: "bb", responses: []collectResponse{successResponse()}}},
	})

	result, err := runtime.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() unexpected error: %v", err)
	}
	if result.Records != result.Collected || result.Records != 4 {
		t.Fatalf("Records = %d, Collected = %d, want 4", result.Records, result.Collected)
	}
	if run, _ := runtime.LastRun(); run.Status != runStatusSuccess {
		t.Fatalf("LastRun().Status = %q, want %q", run.Status, runStatusSuccess)
	}
	if _, err := runtime.BuildFromHistory(context.Background()); err == nil {
		t.Fatalf("BuildFromHistory() without record store expected error")
	}
}

func TestRuntimeRunCycleHonoursRunLock(t *testing.T) {
	t.Parallel()

	collector := &fakeCollector{name: "bb", responses: []collectResponse{successResponse()}}
	runtime := newTestRuntime(Backends{Collectors: []collect.Collector{collector}})

	if !runtime.Store().AcquireRunLock(runLockKey, time.Hour, testNow) {
		t.Fatalf("AcquireRunLock() = false, want true")
	}
	_, err := runtime.RunCycle(context.Background())
	if !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("RunCycle() error = %v, want ErrCycleInProgress", err)
	}
	if collector.Calls() != 0 {
		t.Fatalf("collector calls = %d, want 0", collector.Calls())
	}

	runtime.Store().ReleaseRunLock(runLockKey)
	if _, err := runtime.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() after release unexpected error: %v", err)
	}
	if !runtime.Store().AcquireRunLock(runLockKey, time.Hour, testNow) {
		t.Fatalf("RunCycle() did not release the run lock")
	}
}

func TestRuntimeBuildFromHistory(t *testing.T) {
	t.Parallel()

	records := openRecordStore(t)
	history := append(fixtureRecords(), record("master", "old", "carol", time.Date(2023, 1, 2, 10, 0, 0, 0, time.UTC), 1, 0))
	if err := records.SaveRecords(context.Background(), history); err != nil {
		t.Fatalf("SaveRecords() unexpected error: %v", err)
	}

	runtime := newTestRuntime(Backends{Records: records})
	rep, err := runtime.BuildFromHistory(context.Background())
	if err != nil {
		t.Fatalf("BuildFromHistory() unexpected error: %v", err)
	}
	if len(rep.Records) != 4 {
		t.Fatalf("BuildFromHistory() records = %d, want 4 inside the window", len(rep.Records))
	}
	if _, _, found := rep.Developer("carol"); found {
		t.Fatalf("record outside the window was reported")
	}
	if _, ok := runtime.Latest(); !ok {
		t.Fatalf("Latest() not set after BuildFromHistory()")
	}
}

func TestRuntimeRunLoopAndStatus(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(Backends{
		Records: openRecordStore(t),
		Collectors: []collect.Collector{
			&fakeCollector{name: "bb", responses: []collectResponse{successResponse()}},
			&fakeCollector{name: "gh", responses: []collectResponse{{err: errors.New("rate limited")}}},
		},
	})

	if status := runtime.CurrentStatus(context.Background()); status.Ready {
		t.Fatalf("CurrentStatus() before Run() is ready, want not ready")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runtime.Run(ctx)
		close(done)
	}()

	status := waitForStatus(t, runtime, func(status health.Status) bool {
		return status.Ready && status.LastSync != nil
	})
	if status.Mode != health.ModeDegraded {
		t.Fatalf("CurrentStatus().Mode = %q, want degraded", status.Mode)
	}
	if strings.Join(status.FailedSources, ",") != "gh" {
		t.Fatalf("CurrentStatus().FailedSources = %v, want [gh]", status.FailedSources)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not stop after cancel")
	}
	if status := runtime.CurrentStatus(context.Background()); status.Ready {
		t.Fatalf("CurrentStatus() after stop is ready, want not ready")
	}
}

func waitForStatus(t *testing.T, runtime *Runtime, done func(health.Status) bool) health.Status {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		status := runtime.CurrentStatus(context.Background())
		if done(status) {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for status, last = %+v", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunStatus(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		sources int
		failed  int
		want    string
	}{
		{name: "no_sources", sources: 0, failed: 0, want: runStatusSuccess},
		{name: "all_ok", sources: 3, failed: 0, want: runStatusSuccess},
		{name: "some_failed", sources: 3, failed: 1, want: runStatusPartial},
		{name: "all_failed", sources: 2, failed: 2, want: runStatusFailed},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := runStatus(tc.sources, tc.failed); got != tc.want {
				t.Fatalf("runStatus(%d, %d) = %q, want %q", tc.sources, tc.failed, got, tc.want)
			}
		})
	}
}

func TestSplitRequestKey(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name         string
		key          string
		wantEndpoint string
		wantClass    string
	}{
		{name: "endpoint_and_class", key: "commits|2xx", wantEndpoint: "commits", wantClass: "2xx"},
		{name: "last_separator_wins", key: "a|b|5xx", wantEndpoint: "a|b", wantClass: "5xx"},
		{name: "no_separator", key: "diff", wantEndpoint: "diff", wantClass: "unknown"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			endpoint, class := splitRequestKey(tc.key)
			if endpoint != tc.wantEndpoint || class != tc.wantClass {
				t.Fatalf("splitRequestKey(%q) = %q, %q", tc.key, endpoint, class)
			}
		})
	}
}

func TestRuntimeWindow(t *testing.T) {
	t.Parallel()

	runtime := NewRuntime(nil, Backends{})
	window := runtime.Window(testNow)
	want := activity.WindowFromDays(testNow, 90)
	if !window.Since.Equal(want.Since) || !window.Until.Equal(want.Until) {
		t.Fatalf("Window() = %+v, want default 90 days %+v", window, want)
	}
}
