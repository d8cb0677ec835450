// Package activity models per-commit change records and aggregates them into developer KPIs.
package activity

import (
	"sort"
	"time"
)

// UnknownDeveloper labels commits without a resolvable author.
const UnknownDeveloper = "unknown"

// DefaultBranchLabel labels commits fetched from a repository's default branch
// when the server does not name it.
const DefaultBranchLabel = "default"

// ChangeRecord is one commit or changeset with its change counters.
// Records are treated as immutable once produced.
type ChangeRecord struct {
	Source       string    `json:"source" db:"source"`
	Project      string    `json:"project" db:"project"`
	Repo         string    `json:"repo" db:"repo"`
	Branch       string    `json:"branch" db:"branch"`
	Commit       string    `json:"commit" db:"commit_id"`
	Developer    string    `json:"developer" db:"developer"`
	Email        string    `json:"email,omitempty" db:"email"`
	Timestamp    time.Time `json:"timestamp" db:"committed_at"`
	LinesAdded   int       `json:"lines_added" db:"lines_added"`
	LinesRemoved int       `json:"lines_removed" db:"lines_removed"`
	FilesChanged int       `json:"files_changed" db:"files_changed"`
}

// LinesNet returns added minus removed lines.
func (r ChangeRecord) LinesNet() int {
	return r.LinesAdded - r.LinesRemoved
}

// LinesChanged returns added plus removed lines.
func (r ChangeRecord) LinesChanged() int {
	return r.LinesAdded + r.LinesRemoved
}

// RepoKey identifies the repository a record belongs to across sources.
func (r ChangeRecord) RepoKey() string {
	return r.Source + ":" + r.Project + "/" + r.Repo
}

// WeekStart returns Monday 00:00 UTC of the week containing ts.
func WeekStart(ts time.Time) time.Time {
	utc := ts.UTC()
	offset := (int(utc.Weekday()) + 6) % 7
	day := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}

// SortChronologically returns a copy of records ordered by timestamp.
// Ties keep a stable order by source, repo, branch and commit id.
func SortChronologically(records []ChangeRecord) []ChangeRecord {
	sorted := append([]ChangeRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		left, right := sorted[i], sorted[j]
		if !left.Timestamp.Equal(right.Timestamp) {
			return left.Timestamp.Before(right.Timestamp)
		}
		if left.RepoKey() != right.RepoKey() {
			return left.RepoKey() < right.RepoKey()
		}
		if left.Branch != right.Branch {
			return left.Branch < right.Branch
		}
		return left.Commit < right.Commit
	})
	return sorted
}

// Window bounds a collection run. A zero Until means open-ended.
type Window struct {
	Since time.Time
	Until time.Time
}

// Contains reports whether ts falls within the window.
func (w Window) Contains(ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	if !w.Since.IsZero() && ts.Before(w.Since) {
		return false
	}
	if !w.Until.IsZero() && ts.After(w.Until) {
		return false
	}
	return true
}

// WindowFromDays builds a trailing window of days ending at now.
func WindowFromDays(now time.Time, days int) Window {
	return Window{
		Since: now.UTC().AddDate(0, 0, -days),
		Until: now.UTC(),
	}
}
