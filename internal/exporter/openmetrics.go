// Package exporter renders stored KPI series on the OpenMetrics endpoint.
package exporter

import (
	"net/http"
	"sort"

	"github.com/cam3ron2/scm-dev-kpi/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricSeriesLoaded          = "devkpi_exporter_series_loaded"
	metricCacheRefreshDuration  = "devkpi_exporter_cache_refresh_duration_seconds"
	metricCacheRefreshes        = "devkpi_exporter_cache_refreshes_total"
	metricCacheLastRefreshEpoch = "devkpi_exporter_cache_last_refresh_unixtime"
)

var (
	seriesLoadedDesc = prometheus.NewDesc(
		metricSeriesLoaded, "Number of series rendered per metric name.", []string{"metric"}, nil,
	)
	cacheRefreshDurationDesc = prometheus.NewDesc(
		metricCacheRefreshDuration, "Duration of the latest snapshot cache refresh.", []string{"mode"}, nil,
	)
	cacheRefreshesDesc = prometheus.NewDesc(
		metricCacheRefreshes, "Snapshot cache refreshes by kind.", []string{"kind"}, nil,
	)
	cacheLastRefreshDesc = prometheus.NewDesc(
		metricCacheLastRefreshEpoch, "Unix time of the latest snapshot cache refresh.", nil, nil,
	)
)

// SnapshotReader reads metric snapshots.
type SnapshotReader interface {
	Snapshot() []store.MetricPoint
}

// NewOpenMetricsHandler returns a handler that renders store snapshots through the Prometheus OpenMetrics encoder.
func NewOpenMetricsHandler(reader SnapshotReader) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&snapshotCollector{reader: reader})

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

type snapshotCollector struct {
	reader SnapshotReader
}

func (c *snapshotCollector) Describe(_ chan<- *prometheus.Desc) {}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.reader == nil {
		return
	}

	loaded := map[string]int{}
	for _, point := range c.reader.Snapshot() {
		if point.Name == "" {
			continue
		}

		labelKeys := make([]string, 0, len(point.Labels))
		for key := range point.Labels {
			labelKeys = append(labelKeys, key)
		}
		sort.Strings(labelKeys)

		labelValues := make([]string, 0, len(labelKeys))
		for _, key := range labelKeys {
			labelValues = append(labelValues, point.Labels[key])
		}

		desc := prometheus.NewDesc(point.Name, point.Name, labelKeys, nil)
		metric, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, point.Value, labelValues...)
		if err != nil {
			continue
		}
		loaded[point.Name]++
		ch <- metric
	}

	for name, count := range loaded {
		ch <- prometheus.MustNewConstMetric(seriesLoadedDesc, prometheus.GaugeValue, float64(count), name)
	}

	statsReader, ok := c.reader.(cacheStatsReader)
	if !ok {
		return
	}
	stats := statsReader.CacheStats()
	ch <- prometheus.MustNewConstMetric(cacheRefreshDurationDesc, prometheus.GaugeValue, stats.RefreshDuration.Seconds(), stats.Mode)
	ch <- prometheus.MustNewConstMetric(cacheRefreshesDesc, prometheus.CounterValue, float64(stats.FullRefreshes), "full")
	ch <- prometheus.MustNewConstMetric(cacheRefreshesDesc, prometheus.CounterValue, float64(stats.DeltaRefreshes), "delta")
	if !stats.LastRefresh.IsZero() {
		ch <- prometheus.MustNewConstMetric(cacheLastRefreshDesc, prometheus.GaugeValue, float64(stats.LastRefresh.Unix()))
	}
}
