// Package merge guesses which branch a trunk commit was merged from.
//
// The guess only looks at timing and authorship: for every trunk commit it picks the
// branch on which the same developer was most active shortly before. No ancestry graph is
// consulted, so every Attribution is a candidate and never ground truth.
package merge

import (
	"sort"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
)

const (
	// DefaultTrunkBranch is the trunk branch name used when none is configured.
	DefaultTrunkBranch = "master"
	// DefaultWindow is the trailing window searched for source-branch activity.
	DefaultWindow = 72 * time.Hour
	// DefaultOutlierFactor flags trunk commits larger than this multiple of the mean change size.
	DefaultOutlierFactor = 1.5
)

// Options configures attribution.
type Options struct {
	TrunkBranch string
	Window      time.Duration
	// OutlierFactor <= 0 disables merge-candidate flagging.
	OutlierFactor float64
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		TrunkBranch:   DefaultTrunkBranch,
		Window:        DefaultWindow,
		OutlierFactor: DefaultOutlierFactor,
	}
}

func (o Options) withDefaults() Options {
	if o.TrunkBranch == "" {
		o.TrunkBranch = DefaultTrunkBranch
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	return o
}

// Attribution is the candidate source branch for one trunk commit.
type Attribution struct {
	Trunk activity.ChangeRecord `json:"trunk"`
	// SourceBranch is empty when the commit looks like a direct push.
	SourceBranch string `json:"source_branch,omitempty"`
	// SupportingCommits is how many commits on SourceBranch backed the guess.
	SupportingCommits int `json:"supporting_commits"`
	// MergeCandidate marks unusually large trunk commits.
	MergeCandidate bool `json:"merge_candidate"`
}

// Direct reports whether no source branch was found.
func (a Attribution) Direct() bool {
	return a.SourceBranch == ""
}

// Attribute produces one Attribution per trunk record, in input order.
// records must be sorted chronologically; the order is not checked.
func Attribute(records []activity.ChangeRecord, opts Options) []Attribution {
	opts = opts.withDefaults()

	trunk := make([]activity.ChangeRecord, 0, len(records))
	others := map[string][]activity.ChangeRecord{}
	for _, record := range records {
		if record.Branch == opts.TrunkBranch {
			trunk = append(trunk, record)
			continue
		}
		others[record.Developer] = append(others[record.Developer], record)
	}

	outliers := FlagOutliers(trunk, opts.OutlierFactor)
	attributions := make([]Attribution, 0, len(trunk))
	for idx, commit := range trunk {
		branch, support := likelySource(others[commit.Developer], commit.Timestamp, opts.Window)
		attributions = append(attributions, Attribution{
			Trunk:             commit,
			SourceBranch:      branch,
			SupportingCommits: support,
			MergeCandidate:    outliers[idx],
		})
	}
	return attributions
}

// likelySource picks the most frequent branch in [at-window, at] from one developer's
// chronologically sorted non-trunk records. Ties go to the branch seen first.
func likelySource(history []activity.ChangeRecord, at time.Time, window time.Duration) (string, int) {
	from := at.Add(-window)
	start := sort.Search(len(history), func(i int) bool {
		return !history[i].Timestamp.Before(from)
	})

	counts := map[string]int{}
	order := []string{}
	for _, record := range history[start:] {
		if record.Timestamp.After(at) {
			break
		}
		if _, seen := counts[record.Branch]; !seen {
			order = append(order, record.Branch)
		}
		counts[record.Branch]++
	}

	best, bestCount := "", 0
	for _, branch := range order {
		if counts[branch] > bestCount {
			best, bestCount = branch, counts[branch]
		}
	}
	return best, bestCount
}

// FlagOutliers marks records whose added+removed lines exceed factor times the mean.
// factor <= 0 flags nothing.
func FlagOutliers(records []activity.ChangeRecord, factor float64) []bool {
	flags := make([]bool, len(records))
	if factor <= 0 || len(records) == 0 {
		return flags
	}

	total := 0
	for _, record := range records {
		total += record.LinesChanged()
	}
	threshold := float64(total) / float64(len(records)) * factor
	for idx, record := range records {
		flags[idx] = float64(record.LinesChanged()) > threshold
	}
	return flags
}
