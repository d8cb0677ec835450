package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/samber/lo"
)

// Chart file names written by WriteCharts.
const (
	WeeklyCommitsChart    = "weekly_commits.html"
	WeeklyLinesAddedChart = "weekly_lines_added.html"
	WeeklyNetLinesChart   = "weekly_net_lines.html"
	ProjectMetricsChart   = "project_metrics.html"
	BranchMetricsChart    = "branch_metrics.html"
)

type renderer interface {
	Render(w io.Writer) error
}

// TrunkChartName returns the trunk chart file name of one project.
func TrunkChartName(project string) string {
	return "trunk_" + safeFileName(project) + ".html"
}

// WriteCharts renders the HTML charts into dir and returns their paths.
func WriteCharts(dir string, r Report) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	type chartFile struct {
		name  string
		chart renderer
	}
	files := []chartFile{
		{name: WeeklyCommitsChart, chart: weeklyChart(r, "Weekly commits (top developers)", "commits", MetricWeeklyCommits)},
		{name: WeeklyLinesAddedChart, chart: weeklyChart(r, "Weekly lines added (top developers)", "lines added", MetricWeeklyLinesAdded)},
		{name: WeeklyNetLinesChart, chart: weeklyChart(r, "Weekly net lines (top developers)", "net lines", MetricWeeklyLinesNet)},
		{name: ProjectMetricsChart, chart: projectChart(r)},
		{name: BranchMetricsChart, chart: branchChart(r)},
	}
	for _, project := range r.Trunk {
		files = append(files, chartFile{name: TrunkChartName(project.Project), chart: trunkChart(project.Project, r)})
	}

	written := make([]string, 0, len(files))
	for _, file := range files {
		path := filepath.Join(dir, file.name)
		if err := renderToFile(path, file.chart); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func renderToFile(path string, chart renderer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if err := chart.Render(f); err != nil {
		return fmt.Errorf("render %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func globalOptions(title, yName string) []charts.GlobalOpts {
	return []charts.GlobalOpts{
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: true, Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: true, Top: "bottom"}),
		charts.WithYAxisOpts(opts.YAxis{Name: yName}),
	}
}

func weeklyChart(r Report, title, yName, metric string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(globalOptions(title, yName)...)
	line.SetXAxis(weekLabels(r.Weeks))

	value := weeklyValue(metric)
	for _, developer := range r.TopDevelopers {
		data := lo.Map(r.weekValues(developer, value), func(v int, _ int) opts.LineData {
			return opts.LineData{Value: v}
		})
		line.AddSeries(developer, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: true}))
	}
	return line
}

func projectChart(r Report) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(globalOptions("Project metrics", "count")...)
	bar.SetXAxis(lo.Map(r.Projects, func(project activity.ProjectSummary, _ int) string {
		return project.Project
	}))

	series := []struct {
		name  string
		value func(activity.ProjectSummary) int
	}{
		{"commits", func(p activity.ProjectSummary) int { return p.Commits }},
		{"lines added", func(p activity.ProjectSummary) int { return p.LinesAdded }},
		{"lines removed", func(p activity.ProjectSummary) int { return p.LinesRemoved }},
		{"net lines", func(p activity.ProjectSummary) int { return p.LinesNet }},
	}
	for _, s := range series {
		bar.AddSeries(s.name, lo.Map(r.Projects, func(project activity.ProjectSummary, _ int) opts.BarData {
			return opts.BarData{Value: s.value(project)}
		}))
	}
	return bar
}

func branchChart(r Report) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(globalOptions("Branch metrics", "count")...)
	bar.SetXAxis(lo.Map(r.Branches, func(branch activity.BranchSummary, _ int) string {
		return branch.Project + "/" + branch.Branch
	}))
	bar.AddSeries("commits", lo.Map(r.Branches, func(branch activity.BranchSummary, _ int) opts.BarData {
		return opts.BarData{Value: branch.Commits}
	}))
	bar.AddSeries("net lines", lo.Map(r.Branches, func(branch activity.BranchSummary, _ int) opts.BarData {
		return opts.BarData{Value: branch.LinesNet}
	}))
	return bar
}

// trunkChart stacks weekly trunk commits by likely source branch.
func trunkChart(project string, r Report) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(globalOptions("Trunk commits by likely source: "+project, "commits")...)

	trunk, _ := r.ProjectTrunk(project)
	counts := map[string]map[time.Time]int{}
	weekSet := map[time.Time]struct{}{}
	for _, attribution := range trunk.Attributions {
		source := attribution.SourceBranch
		if attribution.Direct() {
			source = DirectPushSource
		}
		week := activity.WeekStart(attribution.Trunk.Timestamp)
		if counts[source] == nil {
			counts[source] = map[time.Time]int{}
		}
		counts[source][week]++
		weekSet[week] = struct{}{}
	}

	weeks := lo.Keys(weekSet)
	sort.Slice(weeks, func(i, j int) bool { return weeks[i].Before(weeks[j]) })
	bar.SetXAxis(weekLabels(weeks))

	sources := lo.Keys(counts)
	sort.Slice(sources, func(i, j int) bool {
		if sources[i] == DirectPushSource || sources[j] == DirectPushSource {
			return sources[i] == DirectPushSource
		}
		return sources[i] < sources[j]
	})
	for _, source := range sources {
		data := lo.Map(weeks, func(week time.Time, _ int) opts.BarData {
			return opts.BarData{Value: counts[source][week]}
		})
		bar.AddSeries(source, data, charts.WithBarChartOpts(opts.BarChart{Stack: "trunk"}))
	}
	return bar
}

func safeFileName(raw string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	cleaned := replacer.Replace(strings.TrimSpace(raw))
	if cleaned == "" {
		return UnknownLabelValue
	}
	return cleaned
}
