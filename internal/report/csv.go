package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// WeeklyCSVFile holds one row per developer and week.
	WeeklyCSVFile = "dev_kpi_weekly.csv"
	// ChangesetsCSVFile holds one row per collected commit.
	ChangesetsCSVFile = "dev_kpi_changesets.csv"
	// TrunkCSVFile holds one row per trunk commit with its likely source branch.
	TrunkCSVFile = "dev_kpi_trunk.csv"
)

// WriteCSV writes the weekly, changeset and trunk CSV files into dir and returns their paths.
func WriteCSV(dir string, r Report) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	files := []struct {
		name string
		rows [][]string
	}{
		{name: WeeklyCSVFile, rows: weeklyRows(r)},
		{name: ChangesetsCSVFile, rows: changesetRows(r)},
		{name: TrunkCSVFile, rows: trunkRows(r)},
	}

	written := make([]string, 0, len(files))
	for _, file := range files {
		path := filepath.Join(dir, file.name)
		if err := writeCSVFile(path, file.rows); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func writeCSVFile(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func weeklyRows(r Report) [][]string {
	rows := [][]string{{
		"week_start_utc", "developer", "commits", "lines_added", "lines_removed",
		"lines_net", "files_changed", "repos_touched", "branches_touched",
	}}
	for _, row := range r.Weekly {
		rows = append(rows, []string{
			row.WeekStart.Format(time.DateOnly),
			row.Developer,
			strconv.Itoa(row.Commits),
			strconv.Itoa(row.LinesAdded),
			strconv.Itoa(row.LinesRemoved),
			strconv.Itoa(row.LinesNet),
			strconv.Itoa(row.FilesChanged),
			strconv.Itoa(row.ReposTouched),
			strconv.Itoa(row.BranchesTouched),
		})
	}
	return rows
}

// changesetRows names the repository as project/repo in the project column.
func changesetRows(r Report) [][]string {
	rows := [][]string{{
		"project", "branch", "developer", "commits", "net_rows", "deleted_rows", "added_rows", "datetime_utc",
	}}
	for _, record := range r.Records {
		rows = append(rows, []string{
			record.Project + "/" + record.Repo,
			record.Branch,
			record.Developer,
			"1",
			strconv.Itoa(record.LinesNet()),
			strconv.Itoa(record.LinesRemoved),
			strconv.Itoa(record.LinesAdded),
			record.Timestamp.UTC().Format(time.RFC3339),
		})
	}
	return rows
}

func trunkRows(r Report) [][]string {
	rows := [][]string{{
		"project", "commit", "developer", "datetime_utc", "added_rows", "deleted_rows",
		"source_branch", "supporting_commits", "merge_candidate",
	}}
	for _, project := range r.Trunk {
		for _, attribution := range project.Attributions {
			source := attribution.SourceBranch
			if attribution.Direct() {
				source = DirectPushSource
			}
			rows = append(rows, []string{
				project.Project,
				attribution.Trunk.Commit,
				attribution.Trunk.Developer,
				attribution.Trunk.Timestamp.UTC().Format(time.RFC3339),
				strconv.Itoa(attribution.Trunk.LinesAdded),
				strconv.Itoa(attribution.Trunk.LinesRemoved),
				source,
				strconv.Itoa(attribution.SupportingCommits),
				strconv.FormatBool(attribution.MergeCandidate),
			})
		}
	}
	return rows
}
