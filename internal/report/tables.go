package report

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/rodaine/table"
)

// WriteTables prints the weekly detail of the top developers, the developer
// summary and the trunk attribution summary.
func WriteTables(w io.Writer, r Report) {
	headerFmt := color.New(color.FgGreen, color.Underline).SprintfFunc()
	firstColumnFmt := color.New(color.FgYellow).SprintfFunc()

	newTable := func(columns ...any) table.Table {
		return table.New(columns...).
			WithWriter(w).
			WithHeaderFormatter(headerFmt).
			WithFirstColumnFormatter(firstColumnFmt)
	}

	if r.Empty() {
		fmt.Fprintln(w, "No commits found in the selected window.")
		return
	}

	fmt.Fprintf(w, "Weekly activity of the top %d developers\n", len(r.TopDevelopers))
	weekly := newTable("week", "developer", "commits", "added", "removed", "net", "files", "repos", "branches")
	for _, row := range r.WeeklyTop() {
		weekly.AddRow(
			row.WeekStart.Format(time.DateOnly),
			row.Developer,
			row.Commits,
			fmt.Sprintf("+%d", row.LinesAdded),
			fmt.Sprintf("-%d", row.LinesRemoved),
			fmt.Sprintf("%+d", row.LinesNet),
			row.FilesChanged,
			row.ReposTouched,
			row.BranchesTouched,
		)
	}
	weekly.Print()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Summary by developer")
	summary := newTable("developer", "commits", "added", "removed", "net", "files", "repos", "branches", "active weeks")
	for _, developer := range r.DeveloperSummaries() {
		summary.AddRow(
			developer.Developer,
			developer.Commits,
			fmt.Sprintf("+%d", developer.LinesAdded),
			fmt.Sprintf("-%d", developer.LinesRemoved),
			fmt.Sprintf("%+d", developer.LinesNet),
			developer.FilesChanged,
			developer.ReposTouched,
			developer.BranchesTouched,
			developer.ActiveWeeks,
		)
	}
	summary.Print()

	if len(r.Trunk) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Trunk commits by likely source")
	trunk := newTable("project", "source", "commits", "merge candidates")
	for _, project := range r.Trunk {
		trunk.AddRow(project.Project, DirectPushSource, project.Summary.DirectPushes, project.Summary.MergeCandidates)
		for _, source := range project.Summary.Sources {
			trunk.AddRow(project.Project, source.Branch, source.Commits, "")
		}
	}
	trunk.Print()
}
