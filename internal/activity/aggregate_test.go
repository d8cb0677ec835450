package activity

import (
	"testing"
	"time"
)

func record(developer, project, repo, branch string, ts time.Time, added, removed, files int) ChangeRecord {
	return ChangeRecord{
		Source:       "bitbucket",
		Project:      project,
		Repo:         repo,
		Branch:       branch,
		Commit:       developer + ts.Format(time.RFC3339),
		Developer:    developer,
		Timestamp:    ts,
		LinesAdded:   added,
		LinesRemoved: removed,
		FilesChanged: files,
	}
}

func TestWeekStart(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "monday_is_its_own_week_start",
			in:   time.Date(2025, 3, 3, 15, 4, 5, 0, time.UTC),
			want: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "sunday_belongs_to_previous_monday",
			in:   time.Date(2025, 3, 9, 23, 59, 0, 0, time.UTC),
			want: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "converts_to_utc_first",
			in:   time.Date(2025, 3, 10, 1, 0, 0, 0, time.FixedZone("CET", 2*3600)),
			want: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := WeekStart(tc.in); !got.Equal(tc.want) {
				t.Fatalf("WeekStart(%s) = %s, want %s", tc.in, got, tc.want)
			}
		})
	}
}

func TestWeekly(t *testing.T) {
	t.Parallel()

	monday := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	records := []ChangeRecord{
		record("alice", "core", "api", "master", monday, 10, 2, 1),
		record("alice", "core", "api", "feature-1", monday.Add(time.Hour), 5, 0, 2),
		record("alice", "core", "web", "master", monday.Add(2*time.Hour), 1, 1, 1),
		record("bob", "core", "api", "master", monday.Add(3*time.Hour), 7, 9, 3),
		record("bob", "core", "api", "master", monday.AddDate(0, 0, 7), 1, 0, 1),
	}

	rows := Weekly(records)
	if len(rows) != 3 {
		t.Fatalf("Weekly() len = %d, want 3", len(rows))
	}

	first := rows[0]
	if first.Developer != "alice" || first.Commits != 3 {
		t.Fatalf("Weekly()[0] = %+v, want alice with 3 commits", first)
	}
	if first.LinesAdded != 16 || first.LinesRemoved != 3 || first.LinesNet != 13 || first.FilesChanged != 4 {
		t.Fatalf("Weekly()[0] totals = %+v", first.Totals)
	}
	if first.ReposTouched != 2 || first.BranchesTouched != 3 {
		t.Fatalf("Weekly()[0] repos/branches = %d/%d, want 2/3", first.ReposTouched, first.BranchesTouched)
	}
	if rows[1].Developer != "bob" || rows[1].LinesNet != -2 {
		t.Fatalf("Weekly()[1] = %+v, want bob with net -2", rows[1])
	}
	if !rows[2].WeekStart.Equal(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("Weekly()[2].WeekStart = %s", rows[2].WeekStart)
	}
}

func TestDevelopers(t *testing.T) {
	t.Parallel()

	monday := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	records := []ChangeRecord{
		record("alice", "core", "api", "master", monday, 1, 0, 1),
		record("alice", "core", "api", "master", monday.AddDate(0, 0, 7), 1, 0, 1),
		record("bob", "core", "api", "master", monday, 50, 0, 1),
		record("bob", "core", "api", "master", monday.Add(time.Hour), 50, 0, 1),
		record("carol", "core", "api", "master", monday, 1, 0, 1),
	}

	summaries := Developers(records)
	got := TopDevelopers(summaries, 2)
	want := []string{"bob", "alice"}
	if len(got) != len(want) {
		t.Fatalf("TopDevelopers() = %v, want %v", got, want)
	}
	for idx := range want {
		if got[idx] != want[idx] {
			t.Fatalf("TopDevelopers() = %v, want %v", got, want)
		}
	}
	if summaries[1].ActiveWeeks != 2 {
		t.Fatalf("alice ActiveWeeks = %d, want 2", summaries[1].ActiveWeeks)
	}
	if all := TopDevelopers(summaries, 0); len(all) != 3 {
		t.Fatalf("TopDevelopers(0) len = %d, want 3", len(all))
	}
}

func TestProjectAndBranchSummaries(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	records := []ChangeRecord{
		record("alice", "billing", "svc", "master", base, 3, 1, 1),
		record("bob", "billing", "svc", "feature-1", base.Add(time.Hour), 2, 0, 1),
		record("bob", "billing", "svc", "feature-1", base.Add(2*time.Hour), 2, 2, 1),
		record("carol", "web", "ui", "master", base, 1, 0, 1),
	}

	projects := Projects(records)
	if len(projects) != 2 || projects[0].Project != "billing" {
		t.Fatalf("Projects() = %+v", projects)
	}
	if projects[0].Developers != 2 || projects[0].Branches != 2 || projects[0].Commits != 3 {
		t.Fatalf("Projects()[0] = %+v", projects[0])
	}

	branches := Branches(records)
	if len(branches) != 3 {
		t.Fatalf("Branches() len = %d, want 3", len(branches))
	}
	if branches[0].Branch != "feature-1" || branches[0].Commits != 2 {
		t.Fatalf("Branches()[0] = %+v, want feature-1 with 2 commits", branches[0])
	}

	timelines := BranchTimelines(records)
	var feature BranchTimeline
	for _, timeline := range timelines {
		if timeline.Branch == "feature-1" {
			feature = timeline
		}
	}
	if len(feature.Points) != 2 {
		t.Fatalf("feature-1 timeline points = %d, want 2", len(feature.Points))
	}
	last := feature.Points[1]
	if last.Commits != 2 || last.LinesAdded != 4 || last.LinesNet != 2 {
		t.Fatalf("feature-1 cumulative = %+v", last.Totals)
	}

	weekly := ProjectBranchWeekly(records)
	if len(weekly) != 3 {
		t.Fatalf("ProjectBranchWeekly() len = %d, want 3", len(weekly))
	}
	if weeks := Weeks(records); len(weeks) != 1 {
		t.Fatalf("Weeks() = %v, want one week", weeks)
	}
}

func TestSortChronologically(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	in := []ChangeRecord{
		record("b", "p", "r", "x", base.Add(time.Hour), 0, 0, 0),
		record("a", "p", "r", "x", base, 0, 0, 0),
	}
	out := SortChronologically(in)
	if out[0].Developer != "a" || in[0].Developer != "b" {
		t.Fatalf("SortChronologically() = %+v, input mutated = %t", out, in[0].Developer != "b")
	}
}

func TestWindowContains(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	window := WindowFromDays(now, 7)
	if !window.Contains(now.AddDate(0, 0, -7)) {
		t.Fatalf("Contains(since) = false, want true")
	}
	if window.Contains(now.AddDate(0, 0, -8)) {
		t.Fatalf("Contains(before since) = true, want false")
	}
	if window.Contains(time.Time{}) {
		t.Fatalf("Contains(zero) = true, want false")
	}
}
