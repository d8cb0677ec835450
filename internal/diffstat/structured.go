package diffstat

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ParseStructured counts a JSON diff in the SCM-Manager shape
// (files[].hunks[].changes[].type). ok is false when payload is not such a document.
func ParseStructured(payload []byte) (Stats, bool) {
	var doc structuredDiff
	if err := json.Unmarshal(payload, &doc); err != nil || doc.Files == nil {
		return Stats{Files: map[string]struct{}{}}, false
	}

	stats := Stats{Files: make(map[string]struct{}, len(*doc.Files))}
	for idx, file := range *doc.Files {
		stats.Files[file.key(idx)] = struct{}{}
		for _, hunk := range file.Hunks {
			for _, change := range hunk.Changes {
				switch change.Type {
				case "insert":
					stats.Added++
				case "delete":
					stats.Removed++
				}
			}
		}
	}
	return stats, true
}

// ParsePayload picks the textual or structured parser for a raw diff response body.
func ParsePayload(body []byte) (Stats, bool) {
	text := string(body)
	if LooksLikeDiff(text) {
		return Parse(text), true
	}
	if strings.HasPrefix(strings.TrimSpace(text), "{") {
		return ParseStructured(body)
	}
	return Stats{Files: map[string]struct{}{}}, false
}

type structuredDiff struct {
	Files *[]structuredFile `json:"files"`
}

type structuredFile struct {
	OldPath string           `json:"oldPath"`
	NewPath string           `json:"newPath"`
	Hunks   []structuredHunk `json:"hunks"`
}

type structuredHunk struct {
	Changes []structuredChange `json:"changes"`
}

type structuredChange struct {
	Type string `json:"type"`
}

// key is unique per files[] entry, so repeated paths still count as separate files.
func (f structuredFile) key(idx int) string {
	path := f.OldPath
	if f.NewPath != "" && f.NewPath != "/dev/null" {
		path = f.NewPath
	}
	return strconv.Itoa(idx) + ":" + path
}
