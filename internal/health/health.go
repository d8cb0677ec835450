// Package health evaluates readiness from store, scheduler and source state and
// serves the /livez, /readyz and /healthz endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"
)

// Mode indicates high-level health mode.
type Mode string

const (
	// ModeHealthy indicates all required dependencies are healthy.
	ModeHealthy Mode = "healthy"
	// ModeDegraded indicates the app is serving but some sources failed or data is stale.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy indicates a required dependency is unhealthy.
	ModeUnhealthy Mode = "unhealthy"
)

// Input represents dependency states used for health evaluation.
type Input struct {
	StoreHealthy       bool
	RecordStoreHealthy bool
	SchedulerHealthy   bool
	ExporterHealthy    bool
	// FailedSources lists sources whose latest collection failed.
	FailedSources []string
	// LastSync is the finish time of the latest completed collection cycle.
	LastSync time.Time
	// StaleAfter marks data as stale when LastSync is older; <= 0 disables the check.
	StaleAfter time.Duration
	Now        time.Time
}

// Status represents evaluated application health.
type Status struct {
	Mode          Mode            `json:"mode"`
	Ready         bool            `json:"ready"`
	Components    map[string]bool `json:"components"`
	FailedSources []string        `json:"failed_sources,omitempty"`
	LastSync      *time.Time      `json:"last_sync,omitempty"`
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// StatusEvaluator evaluates health and readiness.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Component keys reported in Status.Components.
const (
	ComponentMetricStore = "metric_store"
	ComponentRecordStore = "record_store"
	ComponentScheduler   = "scheduler"
	ComponentExporter    = "exporter_cache"
	ComponentSources     = "sources"
	ComponentDataFresh   = "data_fresh"
)

// Evaluate derives mode and readiness. Readiness needs both stores, the scheduler and
// the exporter; failed sources and stale data only degrade.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	ready := input.StoreHealthy && input.RecordStoreHealthy && input.SchedulerHealthy && input.ExporterHealthy
	sourcesOK := len(input.FailedSources) == 0
	fresh := input.fresh()

	status := Status{
		Mode:  ModeHealthy,
		Ready: ready,
		Components: map[string]bool{
			ComponentMetricStore: input.StoreHealthy,
			ComponentRecordStore: input.RecordStoreHealthy,
			ComponentScheduler:   input.SchedulerHealthy,
			ComponentExporter:    input.ExporterHealthy,
			ComponentSources:     sourcesOK,
			ComponentDataFresh:   fresh,
		},
	}
	switch {
	case !ready:
		status.Mode = ModeUnhealthy
	case !sourcesOK || !fresh:
		status.Mode = ModeDegraded
	}
	if !sourcesOK {
		status.FailedSources = slices.Sorted(slices.Values(input.FailedSources))
	}
	if !input.LastSync.IsZero() {
		lastSync := input.LastSync.UTC()
		status.LastSync = &lastSync
	}
	return status
}

func (in Input) fresh() bool {
	if in.StaleAfter <= 0 {
		return true
	}
	return !in.LastSync.IsZero() && in.Now.Sub(in.LastSync) <= in.StaleAfter
}

// NewHandler serves /livez, /readyz and /healthz for provider.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, "text/plain; charset=utf-8", []byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if provider.CurrentStatus(r.Context()).Ready {
			reply(w, http.StatusOK, "text/plain; charset=utf-8", []byte("ready"))
			return
		}
		reply(w, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("not ready"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		payload, err := json.Marshal(status)
		if err != nil {
			reply(w, http.StatusInternalServerError, "application/json", []byte(`{"mode":"unhealthy","error":"marshal health status"}`))
			return
		}
		code := http.StatusOK
		if status.Mode == ModeUnhealthy {
			code = http.StatusServiceUnavailable
		}
		reply(w, code, "application/json", payload)
	})

	return mux
}

func reply(w http.ResponseWriter, code int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
