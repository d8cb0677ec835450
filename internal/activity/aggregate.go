package activity

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

// Totals are the additive counters shared by every aggregate.
type Totals struct {
	Commits      int `json:"commits"`
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
	LinesNet     int `json:"lines_net"`
	FilesChanged int `json:"files_changed"`
}

func (t *Totals) add(record ChangeRecord) {
	t.Commits++
	t.LinesAdded += record.LinesAdded
	t.LinesRemoved += record.LinesRemoved
	t.LinesNet += record.LinesNet()
	t.FilesChanged += record.FilesChanged
}

func totalsOf(records []ChangeRecord) Totals {
	totals := Totals{}
	for _, record := range records {
		totals.add(record)
	}
	return totals
}

// WeeklyRow is one developer's activity in one week.
type WeeklyRow struct {
	WeekStart       time.Time `json:"week_start"`
	Developer       string    `json:"developer"`
	ReposTouched    int       `json:"repos_touched"`
	BranchesTouched int       `json:"branches_touched"`
	Totals
}

// DeveloperSummary is one developer's activity over the whole window.
type DeveloperSummary struct {
	Developer       string `json:"developer"`
	ReposTouched    int    `json:"repos_touched"`
	BranchesTouched int    `json:"branches_touched"`
	ActiveWeeks     int    `json:"active_weeks"`
	Totals
}

// ProjectSummary aggregates one project.
type ProjectSummary struct {
	Project    string `json:"project"`
	Developers int    `json:"developers"`
	Branches   int    `json:"branches"`
	Totals
}

// BranchSummary aggregates one branch of one project.
type BranchSummary struct {
	Project    string `json:"project"`
	Branch     string `json:"branch"`
	Developers int    `json:"developers"`
	Totals
}

// CumulativePoint is a running total at one commit.
type CumulativePoint struct {
	At time.Time `json:"at"`
	Totals
}

// BranchTimeline is the cumulative history of one branch.
type BranchTimeline struct {
	Project string            `json:"project"`
	Branch  string            `json:"branch"`
	Points  []CumulativePoint `json:"points"`
}

// BranchWeek is one branch's activity in one week.
type BranchWeek struct {
	Project   string    `json:"project"`
	Branch    string    `json:"branch"`
	WeekStart time.Time `json:"week_start"`
	Totals
}

type weekDeveloper struct {
	week      time.Time
	developer string
}

// Weekly groups records by week and developer, ordered by week then commits descending.
func Weekly(records []ChangeRecord) []WeeklyRow {
	groups := lo.GroupBy(records, func(record ChangeRecord) weekDeveloper {
		return weekDeveloper{week: WeekStart(record.Timestamp), developer: record.Developer}
	})

	rows := make([]WeeklyRow, 0, len(groups))
	for key, group := range groups {
		rows = append(rows, WeeklyRow{
			WeekStart:       key.week,
			Developer:       key.developer,
			ReposTouched:    countDistinct(group, ChangeRecord.RepoKey),
			BranchesTouched: countDistinct(group, branchKey),
			Totals:          totalsOf(group),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].WeekStart.Equal(rows[j].WeekStart) {
			return rows[i].WeekStart.Before(rows[j].WeekStart)
		}
		if rows[i].Commits != rows[j].Commits {
			return rows[i].Commits > rows[j].Commits
		}
		return rows[i].Developer < rows[j].Developer
	})
	return rows
}

// Developers builds the leaderboard ordered by commits, then lines added.
func Developers(records []ChangeRecord) []DeveloperSummary {
	groups := lo.GroupBy(records, func(record ChangeRecord) string {
		return record.Developer
	})

	summaries := make([]DeveloperSummary, 0, len(groups))
	for developer, group := range groups {
		summaries = append(summaries, DeveloperSummary{
			Developer:       developer,
			ReposTouched:    countDistinct(group, ChangeRecord.RepoKey),
			BranchesTouched: countDistinct(group, branchKey),
			ActiveWeeks: countDistinct(group, func(record ChangeRecord) string {
				return WeekStart(record.Timestamp).Format(time.DateOnly)
			}),
			Totals: totalsOf(group),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Commits != summaries[j].Commits {
			return summaries[i].Commits > summaries[j].Commits
		}
		if summaries[i].LinesAdded != summaries[j].LinesAdded {
			return summaries[i].LinesAdded > summaries[j].LinesAdded
		}
		return summaries[i].Developer < summaries[j].Developer
	})
	return summaries
}

// TopDevelopers returns the names of the n most active developers by commits.
// n <= 0 returns every developer.
func TopDevelopers(summaries []DeveloperSummary, n int) []string {
	names := lo.Map(summaries, func(summary DeveloperSummary, _ int) string {
		return summary.Developer
	})
	if n > 0 && len(names) > n {
		names = names[:n]
	}
	return names
}

// Projects summarizes each project, ordered by commits descending.
func Projects(records []ChangeRecord) []ProjectSummary {
	groups := lo.GroupBy(records, func(record ChangeRecord) string {
		return record.Project
	})

	summaries := make([]ProjectSummary, 0, len(groups))
	for project, group := range groups {
		summaries = append(summaries, ProjectSummary{
			Project:    project,
			Developers: countDistinct(group, developerKey),
			Branches:   countDistinct(group, branchKey),
			Totals:     totalsOf(group),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Commits != summaries[j].Commits {
			return summaries[i].Commits > summaries[j].Commits
		}
		return summaries[i].Project < summaries[j].Project
	})
	return summaries
}

type projectBranch struct {
	project string
	branch  string
}

// Branches summarizes each (project, branch), ordered by project then commits descending.
func Branches(records []ChangeRecord) []BranchSummary {
	groups := lo.GroupBy(records, func(record ChangeRecord) projectBranch {
		return projectBranch{project: record.Project, branch: record.Branch}
	})

	summaries := make([]BranchSummary, 0, len(groups))
	for key, group := range groups {
		summaries = append(summaries, BranchSummary{
			Project:    key.project,
			Branch:     key.branch,
			Developers: countDistinct(group, developerKey),
			Totals:     totalsOf(group),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Project != summaries[j].Project {
			return summaries[i].Project < summaries[j].Project
		}
		if summaries[i].Commits != summaries[j].Commits {
			return summaries[i].Commits > summaries[j].Commits
		}
		return summaries[i].Branch < summaries[j].Branch
	})
	return summaries
}

// BranchTimelines builds cumulative series per (project, branch).
func BranchTimelines(records []ChangeRecord) []BranchTimeline {
	groups := lo.GroupBy(SortChronologically(records), func(record ChangeRecord) projectBranch {
		return projectBranch{project: record.Project, branch: record.Branch}
	})

	timelines := make([]BranchTimeline, 0, len(groups))
	for key, group := range groups {
		running := Totals{}
		points := make([]CumulativePoint, 0, len(group))
		for _, record := range group {
			running.add(record)
			points = append(points, CumulativePoint{At: record.Timestamp, Totals: running})
		}
		timelines = append(timelines, BranchTimeline{
			Project: key.project,
			Branch:  key.branch,
			Points:  points,
		})
	}
	sort.Slice(timelines, func(i, j int) bool {
		if timelines[i].Project != timelines[j].Project {
			return timelines[i].Project < timelines[j].Project
		}
		return timelines[i].Branch < timelines[j].Branch
	})
	return timelines
}

type branchWeekKey struct {
	project string
	branch  string
	week    time.Time
}

// ProjectBranchWeekly groups records by project, branch and week.
func ProjectBranchWeekly(records []ChangeRecord) []BranchWeek {
	groups := lo.GroupBy(records, func(record ChangeRecord) branchWeekKey {
		return branchWeekKey{project: record.Project, branch: record.Branch, week: WeekStart(record.Timestamp)}
	})

	rows := make([]BranchWeek, 0, len(groups))
	for key, group := range groups {
		rows = append(rows, BranchWeek{
			Project:   key.project,
			Branch:    key.branch,
			WeekStart: key.week,
			Totals:    totalsOf(group),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Project != rows[j].Project {
			return rows[i].Project < rows[j].Project
		}
		if rows[i].Branch != rows[j].Branch {
			return rows[i].Branch < rows[j].Branch
		}
		return rows[i].WeekStart.Before(rows[j].WeekStart)
	})
	return rows
}

// Weeks returns the distinct week starts covered by records, ascending.
func Weeks(records []ChangeRecord) []time.Time {
	weeks := lo.Uniq(lo.Map(records, func(record ChangeRecord, _ int) time.Time {
		return WeekStart(record.Timestamp)
	}))
	sort.Slice(weeks, func(i, j int) bool {
		return weeks[i].Before(weeks[j])
	})
	return weeks
}

func branchKey(record ChangeRecord) string {
	return record.RepoKey() + "@" + record.Branch
}

func developerKey(record ChangeRecord) string {
	return record.Developer
}

func countDistinct(records []ChangeRecord, key func(ChangeRecord) string) int {
	return len(lo.Uniq(lo.Map(records, func(record ChangeRecord, _ int) string {
		return key(record)
	})))
}
