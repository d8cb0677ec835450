package report

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows
}

func TestWriteTables(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	WriteTables(&out, fixtureReport())
	text := out.String()

	for _, want := range []string{
		"Weekly activity of the top 1 developers",
		"2024-03-04",
		"alice",
		"+30",
		"Summary by developer",
		"Trunk commits by likely source",
		"feature-1",
		DirectPushSource,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("WriteTables() output missing %q:\n%s", want, text)
		}
	}

	out.Reset()
	WriteTables(&out, Build(nil, Options{}))
	if !strings.Contains(out.String(), "No commits found") {
		t.Fatalf("WriteTables(empty) = %q", out.String())
	}
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "out")
	files, err := WriteCSV(dir, fixtureReport())
	if err != nil {
		t.Fatalf("WriteCSV() unexpected error: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("WriteCSV() files = %v, want 3", files)
	}

	weekly := readCSV(t, filepath.Join(dir, WeeklyCSVFile))
	if len(weekly) != 3 || weekly[0][0] != "week_start_utc" {
		t.Fatalf("weekly csv = %v", weekly)
	}
	if strings.Join(weekly[1], ",") != "2024-03-04,alice,3,30,4,26,4,1,2" {
		t.Fatalf("weekly csv row = %v", weekly[1])
	}

	changesets := readCSV(t, filepath.Join(dir, ChangesetsCSVFile))
	if strings.Join(changesets[0], ",") != "project,branch,developer,commits,net_rows,deleted_rows,added_rows,datetime_utc" {
		t.Fatalf("changesets header = %v", changesets[0])
	}
	if len(changesets) != 6 || strings.Join(changesets[1], ",") != "PLAT/api,feature-1,alice,1,8,2,10,2024-03-04T10:00:00Z" {
		t.Fatalf("changesets csv = %v", changesets)
	}

	trunk := readCSV(t, filepath.Join(dir, TrunkCSVFile))
	if len(trunk) != 3 {
		t.Fatalf("trunk csv rows = %d, want 3", len(trunk))
	}
	if trunk[1][1] != "c3" || trunk[1][6] != "feature-1" || trunk[1][7] != "2" || trunk[1][8] != "false" {
		t.Fatalf("trunk csv row 1 = %v", trunk[1])
	}
	if trunk[2][1] != "c4" || trunk[2][6] != DirectPushSource || trunk[2][8] != "true" {
		t.Fatalf("trunk csv row 2 = %v", trunk[2])
	}
}

func TestWriteCharts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files, err := WriteCharts(dir, fixtureReport())
	if err != nil {
		t.Fatalf("WriteCharts() unexpected error: %v", err)
	}

	want := []string{
		WeeklyCommitsChart,
		WeeklyLinesAddedChart,
		WeeklyNetLinesChart,
		ProjectMetricsChart,
		BranchMetricsChart,
		TrunkChartName("PLAT"),
	}
	if len(files) != len(want) {
		t.Fatalf("WriteCharts() files = %v, want %d", files, len(want))
	}
	for idx, name := range want {
		if filepath.Base(files[idx]) != name {
			t.Fatalf("files[%d] = %s, want %s", idx, files[idx], name)
		}
		content, err := os.ReadFile(files[idx])
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !strings.Contains(string(content), "echarts") {
			t.Fatalf("%s does not look like an echarts page", name)
		}
	}

	trunkPage, _ := os.ReadFile(filepath.Join(dir, TrunkChartName("PLAT")))
	if !strings.Contains(string(trunkPage), "feature-1") || !strings.Contains(string(trunkPage), DirectPushSource) {
		t.Fatalf("trunk chart misses source series")
	}
}

func TestSafeFileName(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain", input: "PLAT", want: "PLAT"},
		{name: "separators_and_spaces", input: "team/core lib\\x", want: "team_core_lib_x"},
		{name: "blank", input: "  ", want: UnknownLabelValue},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := safeFileName(tc.input); got != tc.want {
				t.Fatalf("safeFileName(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestWriterFormats(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		formats    []string
		wantFiles  int
		wantTables bool
	}{
		{name: "all_by_default", wantFiles: 9, wantTables: true},
		{name: "tables_only", formats: []string{FormatTables}, wantTables: true},
		{name: "csv_only", formats: []string{" CSV "}, wantFiles: 3},
		{name: "charts_only", formats: []string{FormatCharts}, wantFiles: 6},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var console bytes.Buffer
			writer := NewWriter(t.TempDir(), tc.formats, zap.NewNop())
			writer.Console = &console

			files, err := writer.Write(fixtureReport())
			if err != nil {
				t.Fatalf("Write() unexpected error: %v", err)
			}
			if len(files) != tc.wantFiles {
				t.Fatalf("Write() files = %d, want %d", len(files), tc.wantFiles)
			}
			if gotTables := console.Len() > 0; gotTables != tc.wantTables {
				t.Fatalf("tables printed = %t, want %t", gotTables, tc.wantTables)
			}
		})
	}

	var nilWriter *Writer
	if _, err := nilWriter.Write(fixtureReport()); err == nil {
		t.Fatalf("nil writer Write() expected error")
	}
}

func TestWriterReportsFailures(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	writer := NewWriter(blocker, []string{FormatCSV, FormatCharts}, nil)
	_, err := writer.Write(fixtureReport())
	if err == nil || !strings.Contains(err.Error(), "write csv") || !strings.Contains(err.Error(), "write charts") {
		t.Fatalf("Write() error = %v, want joined csv and chart errors", err)
	}
}
