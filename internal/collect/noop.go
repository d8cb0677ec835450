package collect

import (
	"context"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
)

// NoopCollector returns no records. It backs offline runs that render from stored records.
type NoopCollector struct {
	SourceName string
}

// Name returns the configured name.
func (c *NoopCollector) Name() string {
	return c.SourceName
}

// Collect returns an empty result without error.
func (c *NoopCollector) Collect(_ context.Context, _ activity.Window) (Result, error) {
	return Result{}, nil
}
