// Package diffstat counts added lines, removed lines and touched files in diff payloads.
//
// The text parser is a line counter, not a semantic diff: a changed line shows up once as
// removed and once as added, and net lines are simply added minus removed.
package diffstat

import "strings"

// Stats holds the counters derived from one diff.
type Stats struct {
	Added   int
	Removed int
	// Files is keyed by the raw file-boundary marker line.
	Files map[string]struct{}
}

// Counts is the serializable projection of Stats.
type Counts struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Files   int `json:"files"`
}

// FilesChanged returns the number of distinct file markers.
func (s Stats) FilesChanged() int {
	return len(s.Files)
}

// Net returns added minus removed.
func (s Stats) Net() int {
	return s.Added - s.Removed
}

// Counts projects s into plain counters.
func (s Stats) Counts() Counts {
	return Counts{
		Added:   s.Added,
		Removed: s.Removed,
		Files:   s.FilesChanged(),
	}
}

// Net returns added minus removed.
func (c Counts) Net() int {
	return c.Added - c.Removed
}

// lineRule inspects one line and reports whether it consumed it.
type lineRule func(line string, stats *Stats) bool

// rules are applied in order; the first rule that consumes a line wins.
var rules = []lineRule{
	fileMarkerRule("diff --git "),
	fileMarkerRule("Index: "),
	skipRule("+++ "),
	skipRule("--- "),
	counterRule("+", func(s *Stats) { s.Added++ }),
	counterRule("-", func(s *Stats) { s.Removed++ }),
}

func fileMarkerRule(prefix string) lineRule {
	return func(line string, stats *Stats) bool {
		if !strings.HasPrefix(line, prefix) {
			return false
		}
		stats.Files[strings.TrimSpace(line)] = struct{}{}
		return true
	}
}

func skipRule(prefix string) lineRule {
	return func(line string, _ *Stats) bool {
		return strings.HasPrefix(line, prefix)
	}
}

func counterRule(prefix string, inc func(*Stats)) lineRule {
	return func(line string, stats *Stats) bool {
		if !strings.HasPrefix(line, prefix) {
			return false
		}
		inc(stats)
		return true
	}
}

// Parse counts a unified or context diff of any dialect (git, svn, hg).
// It never fails; unrecognized input yields zero counters.
func Parse(text string) Stats {
	stats := Stats{Files: map[string]struct{}{}}
	for _, line := range splitLines(text) {
		for _, rule := range rules {
			if rule(line, &stats) {
				break
			}
		}
	}
	return stats
}

// LooksLikeDiff reports whether text appears to be a textual diff payload.
func LooksLikeDiff(text string) bool {
	for _, marker := range []string{"diff --git", "@@", "Index:", "---"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func splitLines(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == '\r'
	})
}
