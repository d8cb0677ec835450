package report

import (
	"slices"
	"testing"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
	"github.com/cam3ron2/scm-dev-kpi/internal/merge"
)

func at(day, hour int) time.Time {
	return time.Date(2024, 3, day, hour, 0, 0, 0, time.UTC)
}

func fixtureRecords() []activity.ChangeRecord {
	return []activity.ChangeRecord{
		{Source: "bb", Project: "WEB", Repo: "site", Branch: "develop", Commit: "c5", Developer: "bob", Timestamp: at(13, 9), LinesAdded: 1, LinesRemoved: 1, FilesChanged: 1},
		{Source: "bb", Project: "PLAT", Repo: "api", Branch: "feature-1", Commit: "c1", Developer: "alice", Timestamp: at(4, 10), LinesAdded: 10, LinesRemoved: 2, FilesChanged: 1},
		{Source: "bb", Project: "PLAT", Repo: "api", Branch: "feature-1", Commit: "c2", Developer: "alice", Timestamp: at(5, 10), LinesAdded: 5, FilesChanged: 1},
		{Source: "bb", Project: "PLAT", Repo: "api", Branch: "master", Commit: "c3", Developer: "alice", Timestamp: at(6, 9), LinesAdded: 15, LinesRemoved: 2, FilesChanged: 2},
		{Source: "bb", Project: "PLAT", Repo: "api", Branch: "master", Commit: "c4", Developer: "bob", Timestamp: at(12, 12), LinesAdded: 100, LinesRemoved: 50, FilesChanged: 7},
	}
}

func fixtureReport() Report {
	return Build(fixtureRecords(), Options{
		TopN:        1,
		Merge:       merge.DefaultOptions(),
		GeneratedAt: at(20, 0),
	})
}

func TestBuild(t *testing.T) {
	t.Parallel()

	r := fixtureReport()

	if r.Empty() || len(r.Records) != 5 || r.Records[0].Commit != "c1" || r.Records[4].Commit != "c5" {
		t.Fatalf("Records = %+v, want chronological c1..c5", r.Records)
	}
	if !slices.Equal(weekLabels(r.Weeks), []string{"2024-03-04", "2024-03-11"}) {
		t.Fatalf("Weeks = %v", weekLabels(r.Weeks))
	}
	if len(r.Weekly) != 2 {
		t.Fatalf("len(Weekly) = %d, want 2", len(r.Weekly))
	}
	alice := r.Weekly[0]
	if alice.Developer != "alice" || alice.Commits != 3 || alice.LinesAdded != 30 || alice.LinesRemoved != 4 || alice.LinesNet != 26 {
		t.Fatalf("Weekly[0] = %+v", alice)
	}
	bob := r.Weekly[1]
	if bob.Developer != "bob" || bob.Commits != 2 || bob.ReposTouched != 2 || bob.BranchesTouched != 2 {
		t.Fatalf("Weekly[1] = %+v", bob)
	}

	if !slices.Equal(r.TopDevelopers, []string{"alice"}) {
		t.Fatalf("TopDevelopers = %v, want [alice]", r.TopDevelopers)
	}
	if top := r.WeeklyTop(); len(top) != 1 || top[0].Developer != "alice" {
		t.Fatalf("WeeklyTop() = %+v", top)
	}
	if summaries := r.DeveloperSummaries(); len(summaries) != 1 || summaries[0].Developer != "alice" {
		t.Fatalf("DeveloperSummaries() = %+v", summaries)
	}

	if len(r.Projects) != 2 || r.Projects[0].Project != "PLAT" || r.Projects[0].Commits != 4 {
		t.Fatalf("Projects = %+v", r.Projects)
	}
	if len(r.Branches) != 3 || len(r.Timelines) != 3 {
		t.Fatalf("Branches = %d, Timelines = %d, want 3 each", len(r.Branches), len(r.Timelines))
	}

	if len(r.Trunk) != 1 || r.Trunk[0].Project != "PLAT" {
		t.Fatalf("Trunk = %+v, want only PLAT", r.Trunk)
	}
	summary := r.Trunk[0].Summary
	if summary.TrunkCommits != 2 || summary.DirectPushes != 1 || summary.MergeCandidates != 1 {
		t.Fatalf("Trunk summary = %+v", summary)
	}
	if len(summary.Sources) != 1 || summary.Sources[0].Branch != "feature-1" {
		t.Fatalf("Trunk sources = %+v", summary.Sources)
	}
	if !r.GeneratedAt.Equal(at(20, 0)) {
		t.Fatalf("GeneratedAt = %s", r.GeneratedAt)
	}
}

func TestBuildEmpty(t *testing.T) {
	t.Parallel()

	r := Build(nil, Options{})
	if !r.Empty() || len(r.Weekly) != 0 || len(r.Trunk) != 0 || len(r.TopDevelopers) != 0 {
		t.Fatalf("Build(nil) = %+v, want empty report", r)
	}
	if r.GeneratedAt.IsZero() {
		t.Fatalf("GeneratedAt was not defaulted")
	}
}

func TestReportLookups(t *testing.T) {
	t.Parallel()

	r := fixtureReport()

	testCases := []struct {
		name      string
		developer string
		wantFound bool
		wantWeeks int
	}{
		{name: "exact_name", developer: "alice", wantFound: true, wantWeeks: 1},
		{name: "case_insensitive", developer: " BOB ", wantFound: true, wantWeeks: 1},
		{name: "unknown_developer", developer: "carol"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, weeks, found := r.Developer(tc.developer)
			if found != tc.wantFound || len(weeks) != tc.wantWeeks {
				t.Fatalf("Developer(%q) found=%t weeks=%d, want %t/%d", tc.developer, found, len(weeks), tc.wantFound, tc.wantWeeks)
			}
		})
	}

	if _, ok := r.ProjectTrunk("PLAT"); !ok {
		t.Fatalf("ProjectTrunk(PLAT) not found")
	}
	if _, ok := r.ProjectTrunk("WEB"); ok {
		t.Fatalf("ProjectTrunk(WEB) found, want none without trunk commits")
	}

	values := r.weekValues("bob", weeklyValue(MetricWeeklyCommits))
	if !slices.Equal(values, []int{0, 2}) {
		t.Fatalf("weekValues(bob) = %v, want [0 2]", values)
	}
}
