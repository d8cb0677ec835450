// Package collect turns SCM server history into change records.
package collect

import (
	"context"
	"fmt"
	"strings"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
	"github.com/cam3ron2/scm-dev-kpi/internal/diffstat"
	"golang.org/x/sync/errgroup"
)

// Result is the collection output for one source.
type Result struct {
	Records []activity.ChangeRecord
	Missed  []MissedRepo
	Summary Summary
}

// MissedRepo describes a repository or branch that could not be read in this run.
type MissedRepo struct {
	Source string
	Repo   string
	Branch string
	Reason string
}

// Summary provides per-source collection counters.
type Summary struct {
	ReposDiscovered int
	ReposTargeted   int
	ReposProcessed  int
	ReposFailed     int
	ReposTruncated  int
	BranchesScanned int
	CommitsListed   int
	RecordsProduced int
	StatsFetched    int
	StatsCached     int
	StatsFailed     int
	// Methods counts change-count methods by name, e.g. "changes_with_counts" or "patch".
	Methods map[string]int
	// RequestTotals counts API calls by "endpoint|status_class".
	RequestTotals map[string]int
}

// Outcome contains collection results and errors for one source.
type Outcome struct {
	Source string
	Result Result
	Err    error
}

// Collector reads change records from one configured source.
type Collector interface {
	Name() string
	Collect(ctx context.Context, window activity.Window) (Result, error)
}

// ChangeCache remembers per-commit change counts across runs. Commits are immutable,
// so cached counts never go stale.
type ChangeCache interface {
	GetChangeCounts(ctx context.Context, key string) (diffstat.Counts, bool, error)
	SetChangeCounts(ctx context.Context, key string, counts diffstat.Counts) error
}

// ChangeCacheKey builds the cache key of one commit.
func ChangeCacheKey(source, project, repo, commit string) string {
	return strings.Join([]string{source, project, repo}, "/") + "@" + commit
}

// Manager runs configured collectors.
type Manager struct {
	collectors []Collector
	index      map[string]Collector
}

// NewManager creates a collection manager.
func NewManager(collectors ...Collector) *Manager {
	manager := &Manager{index: make(map[string]Collector, len(collectors))}
	for _, collector := range collectors {
		if collector == nil {
			continue
		}
		manager.collectors = append(manager.collectors, collector)
		manager.index[collector.Name()] = collector
	}
	return manager
}

// Names returns configured source names in configuration order.
func (m *Manager) Names() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.collectors))
	for _, collector := range m.collectors {
		names = append(names, collector.Name())
	}
	return names
}

// CollectAll performs one parallel pass across all sources. A failing source
// does not cancel the others.
func (m *Manager) CollectAll(ctx context.Context, window activity.Window) []Outcome {
	if m == nil || len(m.collectors) == 0 {
		return nil
	}

	outcomes := make([]Outcome, len(m.collectors))
	var group errgroup.Group
	for i, collector := range m.collectors {
		group.Go(func() error {
			outcomes[i] = collectOne(ctx, collector, window)
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}

// Collect runs a single named source.
func (m *Manager) Collect(ctx context.Context, name string, window activity.Window) Outcome {
	if m == nil {
		return Outcome{Source: name, Err: fmt.Errorf("collect manager is not initialized")}
	}
	collector, ok := m.index[strings.TrimSpace(name)]
	if !ok {
		return Outcome{Source: name, Err: fmt.Errorf("source %q is not configured", name)}
	}
	return collectOne(ctx, collector, window)
}

func collectOne(ctx context.Context, collector Collector, window activity.Window) Outcome {
	result, err := collector.Collect(ctx, window)
	return Outcome{
		Source: collector.Name(),
		Result: result,
		Err:    err,
	}
}

// Records concatenates the records of all successful outcomes.
func Records(outcomes []Outcome) []activity.ChangeRecord {
	var records []activity.ChangeRecord
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			continue
		}
		records = append(records, outcome.Result.Records...)
	}
	return activity.SortChronologically(records)
}

// Merge folds other into s.
func (s *Summary) Merge(other Summary) {
	s.ReposDiscovered += other.ReposDiscovered
	s.ReposTargeted += other.ReposTargeted
	s.ReposProcessed += other.ReposProcessed
	s.ReposFailed += other.ReposFailed
	s.ReposTruncated += other.ReposTruncated
	s.BranchesScanned += other.BranchesScanned
	s.CommitsListed += other.CommitsListed
	s.RecordsProduced += other.RecordsProduced
	s.StatsFetched += other.StatsFetched
	s.StatsCached += other.StatsCached
	s.StatsFailed += other.StatsFailed
	s.Methods = mergeCounts(s.Methods, other.Methods)
	s.RequestTotals = mergeCounts(s.RequestTotals, other.RequestTotals)
}

func mergeCounts(into, from map[string]int) map[string]int {
	if len(from) == 0 {
		return into
	}
	if into == nil {
		into = make(map[string]int, len(from))
	}
	for key, value := range from {
		into[key] += value
	}
	return into
}
