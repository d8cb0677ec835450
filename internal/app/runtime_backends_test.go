package app

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/config"
	"github.com/cam3ron2/scm-dev-kpi/internal/store"
	"go.uber.org/zap"
)

func TestNewMetricStoreFallbacks(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		cfg  *config.Config
	}{
		{
			name: "nil_config_defaults",
			cfg:  nil,
		},
		{
			name: "memory_backend",
			cfg:  &config.Config{Store: config.StoreConfig{Backend: "memory"}},
		},
		{
			name: "unreachable_redis_falls_back",
			cfg: &config.Config{
				Store: config.StoreConfig{
					Backend:   "redis",
					RedisMode: "standalone",
					RedisAddr: "127.0.0.1:1",
				},
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			metrics := newMetricStore(tc.cfg, zap.NewNop())
			if _, ok := metrics.(*store.MemoryStore); !ok {
				t.Fatalf("metric store type = %T, want *store.MemoryStore", metrics)
			}
		})
	}
}

func TestStoreLimits(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		cfg           *config.Config
		wantRetention time.Duration
		wantMax       int
		wantTTL       time.Duration
	}{
		{
			name:          "nil_config",
			wantRetention: 30 * 24 * time.Hour,
			wantMax:       defaultMaxSeries,
		},
		{
			name: "configured",
			cfg: &config.Config{Store: config.StoreConfig{
				Retention:       48 * time.Hour,
				MaxSeriesBudget: 500,
				ChangeCacheTTL:  time.Hour,
			}},
			wantRetention: 48 * time.Hour,
			wantMax:       500,
			wantTTL:       time.Hour,
		},
		{
			name:          "zero_values_use_defaults",
			cfg:           &config.Config{},
			wantRetention: 30 * 24 * time.Hour,
			wantMax:       defaultMaxSeries,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			retention, maxSeries, changeTTL := storeLimits(tc.cfg)
			if retention != tc.wantRetention || maxSeries != tc.wantMax || changeTTL != tc.wantTTL {
				t.Fatalf("storeLimits() = %v, %d, %v", retention, maxSeries, changeTTL)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	source := config.SourceConfig{
		Name:     "bb",
		Kind:     config.KindBitbucket,
		BaseURL:  "https://bitbucket.example.com",
		Username: "svc",
		Password: "pw",
	}

	testCases := []struct {
		name        string
		cfg         func(dir string) *config.Config
		offline     bool
		wantSources []string
		errContains string
	}{
		{
			name:        "nil_config",
			cfg:         func(string) *config.Config { return nil },
			errContains: "config is required",
		},
		{
			name: "missing_sqlite_path",
			cfg: func(string) *config.Config {
				return &config.Config{Sources: []config.SourceConfig{source}}
			},
			errContains: "sqlite path is required",
		},
		{
			name: "online_builds_collectors",
			cfg: func(dir string) *config.Config {
				cfg := testConfig()
				cfg.Fetch = config.FetchConfig{MaxWorkers: 2, RequestTimeout: time.Second}
				cfg.Retry = config.RetryConfig{MaxAttempts: 1}
				cfg.Sources = []config.SourceConfig{source}
				cfg.Store.SQLitePath = filepath.Join(dir, "devkpi.db")
				return cfg
			},
			wantSources: []string{"bb"},
		},
		{
			name: "offline_registers_names_only",
			cfg: func(dir string) *config.Config {
				cfg := testConfig()
				cfg.Sources = []config.SourceConfig{source, {Name: "gh", Kind: config.KindGitHub}}
				cfg.Store.SQLitePath = filepath.Join(dir, "devkpi.db")
				return cfg
			},
			offline:     true,
			wantSources: []string{"bb", "gh"},
		},
		{
			name: "invalid_source_closes_stores",
			cfg: func(dir string) *config.Config {
				cfg := testConfig()
				cfg.Sources = []config.SourceConfig{{Name: "bb", Kind: config.KindBitbucket, BaseURL: "https://bitbucket.example.com"}}
				cfg.Store.SQLitePath = filepath.Join(dir, "devkpi.db")
				return cfg
			},
			errContains: "build collectors",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			runtime, err := Open(tc.cfg(t.TempDir()), nil, tc.offline)
			if tc.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tc.errContains) {
					t.Fatalf("Open() error = %v, want %q", err, tc.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open() unexpected error: %v", err)
			}
			t.Cleanup(func() {
				if err := runtime.Close(); err != nil {
					t.Errorf("Close() unexpected error: %v", err)
				}
			})
			if got := strings.Join(runtime.collectors.Names(), ","); got != strings.Join(tc.wantSources, ",") {
				t.Fatalf("sources = %q, want %v", got, tc.wantSources)
			}
			if runtime.records == nil {
				t.Fatalf("record store was not opened")
			}
		})
	}
}
