// Package app wires collection, persistence, reporting and the HTTP surface into one
// runtime used by both the report and serve commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
	"github.com/cam3ron2/scm-dev-kpi/internal/collect"
	"github.com/cam3ron2/scm-dev-kpi/internal/config"
	"github.com/cam3ron2/scm-dev-kpi/internal/exporter"
	"github.com/cam3ron2/scm-dev-kpi/internal/health"
	"github.com/cam3ron2/scm-dev-kpi/internal/merge"
	"github.com/cam3ron2/scm-dev-kpi/internal/report"
	"github.com/cam3ron2/scm-dev-kpi/internal/store"
	"github.com/cam3ron2/scm-dev-kpi/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	runLockKey = "sync"

	defaultRefreshInterval = 6 * time.Hour

	runStatusSuccess = "success"
	runStatusPartial = "partial"
	runStatusFailed  = "failed"
)

// Internal run metrics published next to the KPI gauges.
const (
	metricSyncLastRun     = "devkpi_sync_last_run_unixtime"
	metricSyncDuration    = "devkpi_sync_duration_seconds"
	metricSyncRecords     = "devkpi_sync_records"
	metricSourceUp        = "devkpi_source_up"
	metricSourceRecords   = "devkpi_source_records"
	metricSourceMissed    = "devkpi_source_missed_repos"
	metricSourceRequests  = "devkpi_source_requests"
	metricStoreWriteFails = "devkpi_store_write_failures"
)

// ErrCycleInProgress is returned when another collection cycle holds the run lock.
var ErrCycleInProgress = errors.New("collection cycle already in progress")

// CycleResult summarizes one collection cycle.
type CycleResult struct {
	RunID         string               `json:"run_id"`
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at"`
	Collected     int                  `json:"collected"`
	Records       int                  `json:"records"`
	FailedSources []string             `json:"failed_sources,omitempty"`
	Missed        []collect.MissedRepo `json:"-"`
	Summary       collect.Summary      `json:"-"`
	Report        report.Report        `json:"-"`
}

// Runtime is the application runtime orchestrator.
type Runtime struct {
	cfg        *config.Config
	metrics    MetricStore
	records    RecordStore
	collectors *collect.Manager
	resolver   *activity.IdentityResolver
	evaluator  *health.StatusEvaluator
	snapshots  exporter.SnapshotReader
	logger     *zap.Logger

	mu               sync.RWMutex
	latest           *report.Report
	lastRun          store.SyncRun
	failedSources    []string
	schedulerRunning bool

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewRuntime creates a runtime over the given backends.
func NewRuntime(cfg *config.Config, backends Backends, logger ...*zap.Logger) *Runtime {
	if cfg == nil {
		cfg = &config.Config{}
	}
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}

	metrics := backends.Metrics
	if metrics == nil {
		retention, maxSeries, changeTTL := storeLimits(cfg)
		metrics = store.NewMemoryStore(retention, maxSeries, changeTTL)
	}

	return &Runtime{
		cfg:        cfg,
		metrics:    metrics,
		records:    backends.Records,
		collectors: collect.NewManager(backends.Collectors...),
		resolver:   activity.NewIdentityResolver(cfg.Authors.Key, cfg.Authors.Duplicates),
		evaluator:  health.NewStatusEvaluator(),
		snapshots: exporter.NewCachedSnapshotReader(metrics, exporter.CacheConfig{
			Mode: cfg.Store.ExportCacheMode,
		}),
		logger: baseLogger,
		Now:    time.Now,
	}
}

// Close releases the record store and the metric store connection.
func (r *Runtime) Close() error {
	var errs []error
	if r.records != nil {
		if err := r.records.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close record store: %w", err))
		}
	}
	if closer, ok := r.metrics.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close metric store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Store exposes the metric store.
func (r *Runtime) Store() MetricStore {
	return r.metrics
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	return NewHTTPHandler(
		exporter.NewOpenMetricsHandler(r.snapshots),
		health.NewHandler(r),
		newAPI(r),
	)
}

// Latest returns the report of the most recent successful cycle.
func (r *Runtime) Latest() (report.Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return report.Report{}, false
	}
	return *r.latest, true
}

// LastRun returns the summary of the most recent cycle.
func (r *Runtime) LastRun() (store.SyncRun, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRun, r.lastRun.RunID != ""
}

// Window returns the trailing history window ending at now.
func (r *Runtime) Window(now time.Time) activity.Window {
	days := r.cfg.Window.DaysBack
	if days <= 0 {
		days = 90
	}
	return activity.WindowFromDays(now, days)
}

func (r *Runtime) reportOptions(now time.Time, window activity.Window) report.Options {
	mergeOptions := merge.DefaultOptions()
	if r.cfg.Merge.TrunkBranch != "" {
		mergeOptions.TrunkBranch = r.cfg.Merge.TrunkBranch
	}
	if r.cfg.Merge.Window > 0 {
		mergeOptions.Window = r.cfg.Merge.Window
	}
	mergeOptions.OutlierFactor = r.cfg.Merge.OutlierFactor
	return report.Options{
		TopN:        r.cfg.Report.TopN,
		Merge:       mergeOptions,
		Window:      window,
		GeneratedAt: now,
	}
}

// RunCycle collects every source once, persists the records, rebuilds the report and
// publishes KPI gauges. Source failures do not abort the cycle; they are joined into
// the returned error next to a usable result.
func (r *Runtime) RunCycle(ctx context.Context) (CycleResult, error) {
	startedAt := r.Now().UTC()
	cycleStart := time.Now()
	runID := uuid.NewString()
	logger := r.logger.With(zap.String("run_id", runID))

	ctx, span := telemetry.StartSpan(ctx, "devkpi.sync", attribute.String("run_id", runID))
	var cycleErr error
	defer func() { telemetry.EndSpan(span, cycleErr) }()

	if !r.metrics.AcquireRunLock(runLockKey, r.lockTTL(), startedAt) {
		cycleErr = ErrCycleInProgress
		return CycleResult{RunID: runID}, cycleErr
	}
	defer r.metrics.ReleaseRunLock(runLockKey)

	window := r.Window(startedAt)
	logger.Info(
		"collection cycle started",
		zap.Strings("sources", r.collectors.Names()),
		zap.Time("since", window.Since),
	)

	result := CycleResult{RunID: runID, StartedAt: startedAt}
	outcomes := r.collectors.CollectAll(ctx, window)
	var sourceErrs []error
	for _, outcome := range outcomes {
		sourceUp := 1.0
		if outcome.Err != nil {
			sourceUp = 0
			result.FailedSources = append(result.FailedSources, outcome.Source)
			sourceErrs = append(sourceErrs, fmt.Errorf("source %s: %w", outcome.Source, outcome.Err))
			logger.Warn("source collection failed", zap.String("source", outcome.Source), zap.Error(outcome.Err))
		} else {
			summary := outcome.Result.Summary
			result.Summary.Merge(summary)
			result.Missed = append(result.Missed, outcome.Result.Missed...)
			logger.Info(
				"source collection summary",
				zap.String("source", outcome.Source),
				zap.Int("repos_discovered", summary.ReposDiscovered),
				zap.Int("repos_processed", summary.ReposProcessed),
				zap.Int("repos_failed", summary.ReposFailed),
				zap.Int("repos_truncated", summary.ReposTruncated),
				zap.Int("branches_scanned", summary.BranchesScanned),
				zap.Int("commits_listed", summary.CommitsListed),
				zap.Int("records", summary.RecordsProduced),
				zap.Int("stats_fetched", summary.StatsFetched),
				zap.Int("stats_cached", summary.StatsCached),
				zap.Int("stats_failed", summary.StatsFailed),
			)
			for _, missed := range outcome.Result.Missed {
				logger.Debug(
					"repository missed",
					zap.String("source", missed.Source),
					zap.String("repo", missed.Repo),
					zap.String("branch", missed.Branch),
					zap.String("reason", missed.Reason),
				)
			}
		}
		r.recordBestEffort(startedAt, metricSourceUp, sourceUp, map[string]string{"source": outcome.Source})
		r.recordBestEffort(startedAt, metricSourceRecords, float64(len(outcome.Result.Records)), map[string]string{"source": outcome.Source})
		r.recordBestEffort(startedAt, metricSourceMissed, float64(len(outcome.Result.Missed)), map[string]string{"source": outcome.Source})
		for key, count := range outcome.Result.Summary.RequestTotals {
			endpoint, class := splitRequestKey(key)
			r.recordBestEffort(startedAt, metricSourceRequests, float64(count), map[string]string{
				"source":   outcome.Source,
				"endpoint": endpoint,
				"status":   class,
			})
		}
	}
	sort.Strings(result.FailedSources)

	collected := r.resolver.Apply(collect.Records(outcomes))
	result.Collected = len(collected)

	records, err := r.persistAndLoad(ctx, collected, window)
	if err != nil {
		logger.Warn("record store unavailable; reporting collected records only", zap.Error(err))
		sourceErrs = append(sourceErrs, err)
		records = collected
	}
	result.Records = len(records)

	rep := report.Build(records, r.reportOptions(startedAt, window))
	result.Report = rep
	writeFailures := r.publish(rep, startedAt, logger)

	finishedAt := r.Now().UTC()
	result.FinishedAt = finishedAt
	r.recordBestEffort(startedAt, metricSyncLastRun, float64(finishedAt.Unix()), nil)
	r.recordBestEffort(startedAt, metricSyncDuration, time.Since(cycleStart).Seconds(), nil)
	r.recordBestEffort(startedAt, metricSyncRecords, float64(result.Records), nil)
	r.recordBestEffort(startedAt, metricStoreWriteFails, float64(writeFailures), nil)
	r.metrics.GC(startedAt)

	run := store.SyncRun{
		RunID:         runID,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
		Records:       result.Records,
		SourcesFailed: len(result.FailedSources),
		Status:        runStatus(len(outcomes), len(result.FailedSources)),
	}
	if r.records != nil {
		if err := r.records.RecordRun(ctx, run); err != nil {
			logger.Warn("failed to record sync run", zap.Error(err))
			sourceErrs = append(sourceErrs, fmt.Errorf("record sync run: %w", err))
		}
	}

	r.mu.Lock()
	r.latest = &rep
	r.lastRun = run
	r.failedSources = result.FailedSources
	r.mu.Unlock()

	logger.Info(
		"collection cycle completed",
		zap.String("status", run.Status),
		zap.Int("sources", len(outcomes)),
		zap.Int("sources_failed", len(result.FailedSources)),
		zap.Int("collected", result.Collected),
		zap.Int("records", result.Records),
		zap.Int("developers", len(rep.Developers)),
		zap.Int("store_write_failures", writeFailures),
		zap.Duration("duration", time.Since(cycleStart)),
	)

	cycleErr = errors.Join(sourceErrs...)
	return result, cycleErr
}

// persistAndLoad saves collected records and reads the full window back, so sources
// that failed this cycle still report their previously stored history.
func (r *Runtime) persistAndLoad(ctx context.Context, collected []activity.ChangeRecord, window activity.Window) ([]activity.ChangeRecord, error) {
	if r.records == nil {
		return collected, nil
	}
	if err := r.records.SaveRecords(ctx, collected); err != nil {
		return nil, fmt.Errorf("save records: %w", err)
	}
	stored, err := r.records.ListRecords(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return r.resolver.Apply(stored), nil
}

// BuildFromHistory rebuilds the report from the record store without contacting any
// source.
func (r *Runtime) BuildFromHistory(ctx context.Context) (report.Report, error) {
	if r.records == nil {
		return report.Report{}, fmt.Errorf("record store is not configured")
	}
	now := r.Now().UTC()
	window := r.Window(now)
	stored, err := r.records.ListRecords(ctx, window)
	if err != nil {
		return report.Report{}, fmt.Errorf("list records: %w", err)
	}
	rep := report.Build(r.resolver.Apply(stored), r.reportOptions(now, window))

	r.mu.Lock()
	r.latest = &rep
	if r.lastRun.RunID == "" {
		if run, ok, runErr := r.records.LatestRun(ctx); runErr == nil && ok {
			r.lastRun = run
		}
	}
	r.mu.Unlock()
	return rep, nil
}

func (r *Runtime) publish(rep report.Report, at time.Time, logger *zap.Logger) int {
	points, err := report.MetricPoints(rep, at)
	if err != nil {
		logger.Warn("failed to build kpi metric points", zap.Error(err))
	}
	failures := 0
	for _, point := range points {
		if err := r.metrics.UpsertMetric(point); err != nil {
			failures++
			logger.Debug("failed to upsert kpi metric", zap.String("metric", point.Name), zap.Error(err))
		}
	}
	if failures > 0 {
		logger.Warn("kpi metrics dropped", zap.Int("failures", failures), zap.Int("points", len(points)))
	}
	return failures
}

func (r *Runtime) recordBestEffort(at time.Time, name string, value float64, labels map[string]string) {
	err := r.metrics.UpsertMetric(store.MetricPoint{
		Name:      name,
		Labels:    labels,
		Value:     value,
		UpdatedAt: at,
	})
	if err != nil {
		r.logger.Warn("failed to persist operational metric", zap.String("metric", name), zap.Error(err))
	}
}

func (r *Runtime) refreshInterval() time.Duration {
	if r.cfg.Schedule.RefreshInterval > 0 {
		return r.cfg.Schedule.RefreshInterval
	}
	return defaultRefreshInterval
}

func (r *Runtime) lockTTL() time.Duration {
	return r.refreshInterval()
}

// Run rebuilds the report from stored history, then collects every refresh interval
// until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) {
	r.mu.Lock()
	r.schedulerRunning = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.schedulerRunning = false
		r.mu.Unlock()
	}()

	interval := r.refreshInterval()
	r.logger.Info("starting refresh loop", zap.Duration("interval", interval), zap.Strings("sources", r.collectors.Names()))
	if r.records != nil {
		if _, err := r.BuildFromHistory(ctx); err != nil {
			r.logger.Warn("failed to rebuild report from history", zap.Error(err))
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.runCycleLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("refresh loop stopped")
			return
		case <-ticker.C:
			r.runCycleLogged(ctx)
		}
	}
}

func (r *Runtime) runCycleLogged(ctx context.Context) {
	if _, err := r.RunCycle(ctx); err != nil {
		r.logger.Warn("collection cycle finished with errors", zap.Error(err))
	}
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	recordsHealthy := true
	if r.records != nil {
		if _, _, err := r.records.LatestRun(pingCtx); err != nil {
			recordsHealthy = false
		}
	}

	storeHealthy := r.metrics.Ping(pingCtx) == nil

	r.mu.RLock()
	input := health.Input{
		StoreHealthy:       storeHealthy,
		RecordStoreHealthy: recordsHealthy,
		SchedulerHealthy:   r.schedulerRunning,
		ExporterHealthy:    r.snapshots != nil,
		FailedSources:      append([]string(nil), r.failedSources...),
		LastSync:           r.lastRun.FinishedAt,
		StaleAfter:         2 * r.refreshInterval(),
		Now:                r.Now().UTC(),
	}
	r.mu.RUnlock()
	return r.evaluator.Evaluate(input)
}

func runStatus(sources, failed int) string {
	switch {
	case failed == 0:
		return runStatusSuccess
	case failed < sources:
		return runStatusPartial
	default:
		return runStatusFailed
	}
}

func splitRequestKey(key string) (string, string) {
	idx := strings.LastIndex(key, "|")
	if idx < 0 {
		return key, "unknown"
	}
	return key[:idx], key[idx+1:]
}
