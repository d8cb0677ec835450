package report

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
	"github.com/cam3ron2/scm-dev-kpi/internal/store"
)

const (
	// LabelDeveloper is the canonical developer label key.
	LabelDeveloper = "developer"
	// LabelWeek is the ISO week start label key, formatted as YYYY-MM-DD.
	LabelWeek = "week"
	// LabelProject is the project label key.
	LabelProject = "project"
	// LabelBranch is the branch label key.
	LabelBranch = "branch"
	// LabelSource is the trunk attribution source label key.
	LabelSource = "source"

	// UnknownLabelValue is used when a required label is blank.
	UnknownLabelValue = "unknown"
	// DirectPushSource labels trunk commits without a source branch.
	DirectPushSource = "direct"

	// Weekly gauges per developer and week.
	MetricWeeklyCommits      = "devkpi_weekly_commits"
	MetricWeeklyLinesAdded   = "devkpi_weekly_lines_added"
	MetricWeeklyLinesRemoved = "devkpi_weekly_lines_removed"
	MetricWeeklyLinesNet     = "devkpi_weekly_lines_net"
	MetricWeeklyFilesChanged = "devkpi_weekly_files_changed"

	// Whole-window gauges per developer.
	MetricDeveloperCommits     = "devkpi_developer_commits"
	MetricDeveloperLinesAdded  = "devkpi_developer_lines_added"
	MetricDeveloperActiveWeeks = "devkpi_developer_active_weeks"

	// Project and branch gauges.
	MetricProjectCommits = "devkpi_project_commits"
	MetricBranchCommits  = "devkpi_branch_commits"
	MetricBranchLinesNet = "devkpi_branch_lines_net"

	// Trunk attribution gauges.
	MetricTrunkCommits         = "devkpi_trunk_commits"
	MetricTrunkMergeCandidates = "devkpi_trunk_merge_candidates"
)

// metricLabels maps every KPI metric to its exact label set.
var metricLabels = map[string][]string{
	MetricWeeklyCommits:        {LabelDeveloper, LabelWeek},
	MetricWeeklyLinesAdded:     {LabelDeveloper, LabelWeek},
	MetricWeeklyLinesRemoved:   {LabelDeveloper, LabelWeek},
	MetricWeeklyLinesNet:       {LabelDeveloper, LabelWeek},
	MetricWeeklyFilesChanged:   {LabelDeveloper, LabelWeek},
	MetricDeveloperCommits:     {LabelDeveloper},
	MetricDeveloperLinesAdded:  {LabelDeveloper},
	MetricDeveloperActiveWeeks: {LabelDeveloper},
	MetricProjectCommits:       {LabelProject},
	MetricBranchCommits:        {LabelProject, LabelBranch},
	MetricBranchLinesNet:       {LabelProject, LabelBranch},
	MetricTrunkCommits:         {LabelProject, LabelSource},
	MetricTrunkMergeCandidates: {LabelProject},
}

// KPIMetricNames returns the supported KPI metric names in sorted order.
func KPIMetricNames() []string {
	names := slices.Collect(maps.Keys(metricLabels))
	slices.Sort(names)
	return names
}

// IsKPIMetric reports whether name belongs to the KPI metric contract.
func IsKPIMetric(name string) bool {
	_, ok := metricLabels[strings.TrimSpace(name)]
	return ok
}

// NewKPIMetric builds a metric point, replacing blank label values with UnknownLabelValue.
func NewKPIMetric(name string, labels map[string]string, value float64, updatedAt time.Time) (store.MetricPoint, error) {
	if updatedAt.IsZero() {
		return store.MetricPoint{}, fmt.Errorf("updated time is required")
	}

	normalized := make(map[string]string, len(labels))
	for key, raw := range labels {
		normalized[key] = normalizeLabel(raw)
	}
	point := store.MetricPoint{
		Name:      strings.TrimSpace(name),
		Labels:    normalized,
		Value:     value,
		UpdatedAt: updatedAt,
	}
	if err := ValidateKPIMetric(point); err != nil {
		return store.MetricPoint{}, err
	}
	return point, nil
}

// ValidateKPIMetric checks a point against the KPI metric contract.
func ValidateKPIMetric(point store.MetricPoint) error {
	required, ok := metricLabels[point.Name]
	if !ok {
		return fmt.Errorf("unsupported kpi metric: %s", point.Name)
	}
	if len(point.Labels) != len(required) {
		return fmt.Errorf("kpi metric %s labels must be exactly %s", point.Name, strings.Join(required, ", "))
	}
	for _, key := range required {
		value, ok := point.Labels[key]
		if !ok {
			return fmt.Errorf("kpi metric %s is missing %q label", point.Name, key)
		}
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("kpi metric %s %q label must be non-empty", point.Name, key)
		}
	}
	return nil
}

// MetricPoints converts the report into KPI gauge points stamped with at.
func MetricPoints(r Report, at time.Time) ([]store.MetricPoint, error) {
	builder := pointBuilder{at: at}

	for _, row := range r.Weekly {
		labels := map[string]string{LabelDeveloper: row.Developer, LabelWeek: row.WeekStart.Format(time.DateOnly)}
		builder.add(MetricWeeklyCommits, labels, row.Commits)
		builder.add(MetricWeeklyLinesAdded, labels, row.LinesAdded)
		builder.add(MetricWeeklyLinesRemoved, labels, row.LinesRemoved)
		builder.add(MetricWeeklyLinesNet, labels, row.LinesNet)
		builder.add(MetricWeeklyFilesChanged, labels, row.FilesChanged)
	}
	for _, summary := range r.Developers {
		labels := map[string]string{LabelDeveloper: summary.Developer}
		builder.add(MetricDeveloperCommits, labels, summary.Commits)
		builder.add(MetricDeveloperLinesAdded, labels, summary.LinesAdded)
		builder.add(MetricDeveloperActiveWeeks, labels, summary.ActiveWeeks)
	}
	for _, project := range r.Projects {
		builder.add(MetricProjectCommits, map[string]string{LabelProject: project.Project}, project.Commits)
	}
	for _, branch := range r.Branches {
		labels := map[string]string{LabelProject: branch.Project, LabelBranch: branch.Branch}
		builder.add(MetricBranchCommits, labels, branch.Commits)
		builder.add(MetricBranchLinesNet, labels, branch.LinesNet)
	}
	for _, trunk := range r.Trunk {
		builder.add(MetricTrunkCommits, map[string]string{LabelProject: trunk.Project, LabelSource: DirectPushSource}, trunk.Summary.DirectPushes)
		for _, source := range trunk.Summary.Sources {
			builder.add(MetricTrunkCommits, map[string]string{LabelProject: trunk.Project, LabelSource: source.Branch}, source.Commits)
		}
		builder.add(MetricTrunkMergeCandidates, map[string]string{LabelProject: trunk.Project}, trunk.Summary.MergeCandidates)
	}

	if builder.err != nil {
		return nil, builder.err
	}
	return builder.points, nil
}

type pointBuilder struct {
	at     time.Time
	points []store.MetricPoint
	err    error
}

func (b *pointBuilder) add(name string, labels map[string]string, value int) {
	if b.err != nil {
		return
	}
	point, err := NewKPIMetric(name, labels, float64(value), b.at)
	if err != nil {
		b.err = fmt.Errorf("build %s: %w", name, err)
		return
	}
	b.points = append(b.points, point)
}

func normalizeLabel(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UnknownLabelValue
	}
	return trimmed
}

// weeklyValue picks one counter of a weekly row by metric name.
func weeklyValue(metric string) func(activity.WeeklyRow) int {
	switch metric {
	case MetricWeeklyLinesAdded:
		return func(row activity.WeeklyRow) int { return row.LinesAdded }
	case MetricWeeklyLinesRemoved:
		return func(row activity.WeeklyRow) int { return row.LinesRemoved }
	case MetricWeeklyLinesNet:
		return func(row activity.WeeklyRow) int { return row.LinesNet }
	case MetricWeeklyFilesChanged:
		return func(row activity.WeeklyRow) int { return row.FilesChanged }
	default:
		return func(row activity.WeeklyRow) int { return row.Commits }
	}
}
