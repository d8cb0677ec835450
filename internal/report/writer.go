package report

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Output formats understood by Writer.
const (
	FormatTables = "tables"
	FormatCSV    = "csv"
	FormatCharts = "charts"
)

// Writer renders a report in the configured formats.
type Writer struct {
	OutputDir string
	Formats   []string
	Console   io.Writer
	Logger    *zap.Logger
}

// NewWriter creates a writer. An empty format list enables every format.
func NewWriter(outputDir string, formats []string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(formats) == 0 {
		formats = []string{FormatTables, FormatCSV, FormatCharts}
	}
	return &Writer{
		OutputDir: outputDir,
		Formats:   formats,
		Console:   os.Stdout,
		Logger:    logger,
	}
}

func (w *Writer) enabled(format string) bool {
	for _, candidate := range w.Formats {
		if strings.EqualFold(strings.TrimSpace(candidate), format) {
			return true
		}
	}
	return false
}

// Write renders r and returns the paths of every written file. A failing format does
// not stop the others; all failures are joined into the returned error.
func (w *Writer) Write(r Report) ([]string, error) {
	if w == nil {
		return nil, fmt.Errorf("report writer is not initialized")
	}
	logger := w.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if w.enabled(FormatTables) && w.Console != nil {
		WriteTables(w.Console, r)
	}

	var (
		written []string
		errs    []error
	)
	if w.enabled(FormatCSV) {
		files, err := WriteCSV(w.OutputDir, r)
		written = append(written, files...)
		if err != nil {
			errs = append(errs, fmt.Errorf("write csv: %w", err))
		}
	}
	if w.enabled(FormatCharts) {
		files, err := WriteCharts(w.OutputDir, r)
		written = append(written, files...)
		if err != nil {
			errs = append(errs, fmt.Errorf("write charts: %w", err))
		}
	}

	for _, path := range written {
		logger.Debug("report file written", zap.String("path", path))
	}
	if len(written) > 0 {
		logger.Info("report files written", zap.String("dir", w.OutputDir), zap.Int("files", len(written)))
	}
	return written, errors.Join(errs...)
}
