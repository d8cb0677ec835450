package merge

import (
	"sort"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
	"github.com/samber/lo"
)

// ProjectAttributions holds the trunk attributions of one project.
type ProjectAttributions struct {
	Project      string        `json:"project"`
	Attributions []Attribution `json:"attributions"`
	Summary      Summary       `json:"summary"`
}

// SourceCount is the number of trunk commits attributed to one branch.
type SourceCount struct {
	Branch  string `json:"branch"`
	Commits int    `json:"commits"`
}

// Summary counts direct pushes and merges per source branch.
type Summary struct {
	TrunkCommits    int           `json:"trunk_commits"`
	DirectPushes    int           `json:"direct_pushes"`
	MergeCandidates int           `json:"merge_candidates"`
	Sources         []SourceCount `json:"sources"`
}

// Summarize counts attributions by outcome. Sources are ordered by commits descending.
func Summarize(attributions []Attribution) Summary {
	summary := Summary{TrunkCommits: len(attributions)}
	counts := map[string]int{}
	for _, attribution := range attributions {
		if attribution.MergeCandidate {
			summary.MergeCandidates++
		}
		if attribution.Direct() {
			summary.DirectPushes++
			continue
		}
		counts[attribution.SourceBranch]++
	}
	summary.Sources = lo.MapToSlice(counts, func(branch string, commits int) SourceCount {
		return SourceCount{Branch: branch, Commits: commits}
	})
	sort.Slice(summary.Sources, func(i, j int) bool {
		if summary.Sources[i].Commits != summary.Sources[j].Commits {
			return summary.Sources[i].Commits > summary.Sources[j].Commits
		}
		return summary.Sources[i].Branch < summary.Sources[j].Branch
	})
	return summary
}

// AttributeByProject splits records by project and attributes each project separately.
// Within a project every source server is attributed on its own, so a trunk commit is
// never matched against branch activity from another server. Projects without trunk
// commits are omitted. Output is ordered by project name.
func AttributeByProject(records []activity.ChangeRecord, opts Options) []ProjectAttributions {
	sorted := activity.SortChronologically(records)
	groups := lo.GroupBy(sorted, func(record activity.ChangeRecord) string {
		return record.Project
	})

	projects := lo.Keys(groups)
	sort.Strings(projects)

	results := make([]ProjectAttributions, 0, len(projects))
	for _, project := range projects {
		attributions := attributePerSource(groups[project], opts)
		if len(attributions) == 0 {
			continue
		}
		results = append(results, ProjectAttributions{
			Project:      project,
			Attributions: attributions,
			Summary:      Summarize(attributions),
		})
	}
	return results
}

func attributePerSource(records []activity.ChangeRecord, opts Options) []Attribution {
	bySource := lo.GroupBy(records, func(record activity.ChangeRecord) string {
		return record.Source
	})
	sources := lo.Keys(bySource)
	sort.Strings(sources)

	var attributions []Attribution
	for _, source := range sources {
		attributions = append(attributions, Attribute(bySource[source], opts)...)
	}
	sort.SliceStable(attributions, func(i, j int) bool {
		return attributions[i].Trunk.Timestamp.Before(attributions[j].Trunk.Timestamp)
	})
	return attributions
}
