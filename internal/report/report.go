// Package report turns change records into the weekly developer KPI report and
// renders it as console tables, CSV files, HTML charts and metric points.
package report

import (
	"strings"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
	"github.com/cam3ron2/scm-dev-kpi/internal/merge"
	"github.com/samber/lo"
)

// DefaultTopN is the number of developers shown in per-developer views.
const DefaultTopN = 10

// Options configures Build.
type Options struct {
	TopN        int
	Merge       merge.Options
	Window      activity.Window
	GeneratedAt time.Time
}

// Report is the complete KPI view over one set of records.
type Report struct {
	GeneratedAt   time.Time                   `json:"generated_at"`
	Since         time.Time                   `json:"since,omitempty"`
	Until         time.Time                   `json:"until,omitempty"`
	Records       []activity.ChangeRecord     `json:"-"`
	Weeks         []time.Time                 `json:"weeks"`
	Weekly        []activity.WeeklyRow        `json:"weekly"`
	Developers    []activity.DeveloperSummary `json:"developers"`
	TopDevelopers []string                    `json:"top_developers"`
	Projects      []activity.ProjectSummary   `json:"projects"`
	Branches      []activity.BranchSummary    `json:"branches"`
	Timelines     []activity.BranchTimeline   `json:"-"`
	BranchWeeks   []activity.BranchWeek       `json:"-"`
	Trunk         []merge.ProjectAttributions `json:"trunk"`
}

// Build aggregates records. Records are sorted chronologically first, so callers may
// pass them in any order.
func Build(records []activity.ChangeRecord, opts Options) Report {
	topN := opts.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}
	generatedAt := opts.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}

	sorted := activity.SortChronologically(records)
	developers := activity.Developers(sorted)

	return Report{
		GeneratedAt:   generatedAt.UTC(),
		Since:         opts.Window.Since,
		Until:         opts.Window.Until,
		Records:       sorted,
		Weeks:         activity.Weeks(sorted),
		Weekly:        activity.Weekly(sorted),
		Developers:    developers,
		TopDevelopers: activity.TopDevelopers(developers, topN),
		Projects:      activity.Projects(sorted),
		Branches:      activity.Branches(sorted),
		Timelines:     activity.BranchTimelines(sorted),
		BranchWeeks:   activity.ProjectBranchWeekly(sorted),
		Trunk:         merge.AttributeByProject(sorted, opts.Merge),
	}
}

// Empty reports whether no records were aggregated.
func (r Report) Empty() bool {
	return len(r.Records) == 0
}

// WeeklyTop returns the weekly rows of the top developers only.
func (r Report) WeeklyTop() []activity.WeeklyRow {
	return lo.Filter(r.Weekly, func(row activity.WeeklyRow, _ int) bool {
		return lo.Contains(r.TopDevelopers, row.Developer)
	})
}

// DeveloperSummaries returns the leaderboard limited to the top developers.
func (r Report) DeveloperSummaries() []activity.DeveloperSummary {
	return lo.Filter(r.Developers, func(summary activity.DeveloperSummary, _ int) bool {
		return lo.Contains(r.TopDevelopers, summary.Developer)
	})
}

// Developer returns one developer's summary and weekly rows. The lookup ignores case.
func (r Report) Developer(name string) (activity.DeveloperSummary, []activity.WeeklyRow, bool) {
	summary, found := lo.Find(r.Developers, func(summary activity.DeveloperSummary) bool {
		return strings.EqualFold(summary.Developer, strings.TrimSpace(name))
	})
	if !found {
		return activity.DeveloperSummary{}, nil, false
	}
	weeks := lo.Filter(r.Weekly, func(row activity.WeeklyRow, _ int) bool {
		return row.Developer == summary.Developer
	})
	return summary, weeks, true
}

// ProjectTrunk returns the trunk attributions of one project.
func (r Report) ProjectTrunk(project string) (merge.ProjectAttributions, bool) {
	return lo.Find(r.Trunk, func(item merge.ProjectAttributions) bool {
		return item.Project == project
	})
}

// weekValues lays out one developer's weekly values along r.Weeks, filling gaps with zero.
func (r Report) weekValues(developer string, value func(activity.WeeklyRow) int) []int {
	byWeek := map[time.Time]int{}
	for _, row := range r.Weekly {
		if row.Developer == developer {
			byWeek[row.WeekStart] = value(row)
		}
	}
	return lo.Map(r.Weeks, func(week time.Time, _ int) int {
		return byWeek[week]
	})
}

func weekLabels(weeks []time.Time) []string {
	return lo.Map(weeks, func(week time.Time, _ int) string {
		return week.Format(time.DateOnly)
	})
}
