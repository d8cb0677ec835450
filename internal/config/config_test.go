package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfigYAML = `
server:
  listen_addr: ":9090"
  log_level: "debug"
window:
  days_back: 30
fetch:
  max_workers: 4
  request_timeout: "20s"
  max_commits_per_repo: 500
sources:
  - name: "bb-main"
    kind: "bitbucket"
    base_url: "https://bitbucket.example.com"
    username: "svc-kpi"
    password_env: "BB_PASSWORD"
    repo_allowlist: ["PLAT/api", "PLAT/web"]
  - name: "scm"
    kind: "scm_manager"
    base_url: "https://scm.example.com"
    token: "scm-token"
    max_commits_per_repo: 50
  - name: "gh"
    kind: "github"
    orgs: ["acme"]
    app_id: 111
    installation_id: 222
    private_key_path: "/keys/acme.pem"
authors:
  key: "email"
  duplicates:
    alice@example.com: ["alice@old.example.com"]
merge:
  trunk_branch: "main"
  window: "2d"
  outlier_factor: 0
report:
  output_dir: "out"
  formats: ["csv"]
store:
  backend: "redis"
  redis_addr: "redis:6379"
  retention: "2w"
`

func fakeEnv(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestLoadValidConfiguration(t *testing.T) {
	t.Parallel()

	cfg, err := load(strings.NewReader(validConfigYAML), fakeEnv(map[string]string{"BB_PASSWORD": "s3cret"}))
	if err != nil {
		t.Fatalf("load() unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != "debug" {
		t.Fatalf("Server = %+v", cfg.Server)
	}
	if cfg.Window.DaysBack != 30 {
		t.Fatalf("Window.DaysBack = %d, want 30", cfg.Window.DaysBack)
	}
	if len(cfg.Sources) != 3 {
		t.Fatalf("len(Sources) = %d, want 3", len(cfg.Sources))
	}

	bitbucket := cfg.Sources[0]
	if bitbucket.Password != "s3cret" || bitbucket.BranchMode != BranchModeDefault || bitbucket.MaxCommitsPerRepo != 500 {
		t.Fatalf("bitbucket source = %+v", bitbucket)
	}
	scm := cfg.Sources[1]
	if scm.BranchMode != BranchModeAll || scm.MaxCommitsPerRepo != 50 || scm.Token != "scm-token" {
		t.Fatalf("scm_manager source = %+v", scm)
	}
	gh := cfg.Sources[2]
	if !gh.UsesGitHubApp() || gh.BranchMode != BranchModeDefault {
		t.Fatalf("github source = %+v", gh)
	}

	if cfg.Authors.Key != "email" || len(cfg.Authors.Duplicates["alice@example.com"]) != 1 {
		t.Fatalf("Authors = %+v", cfg.Authors)
	}
	if cfg.Merge.TrunkBranch != "main" || cfg.Merge.Window != 48*time.Hour {
		t.Fatalf("Merge = %+v", cfg.Merge)
	}
	if cfg.Merge.OutlierFactor != 0 {
		t.Fatalf("Merge.OutlierFactor = %v, want explicit 0 kept", cfg.Merge.OutlierFactor)
	}
	if !cfg.Report.HasFormat("csv") || cfg.Report.HasFormat("charts") {
		t.Fatalf("Report.Formats = %v", cfg.Report.Formats)
	}
	if cfg.Store.Retention != 14*24*time.Hour {
		t.Fatalf("Store.Retention = %s, want 336h", cfg.Store.Retention)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := load(strings.NewReader(`
sources:
  - name: "gh"
    kind: "github"
    orgs: ["acme"]
    token_env: "GH_TOKEN"
`), fakeEnv(map[string]string{"GH_TOKEN": " ghp_x "}))
	if err != nil {
		t.Fatalf("load() unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != "info" {
		t.Fatalf("Server defaults = %+v", cfg.Server)
	}
	if cfg.Window.DaysBack != 90 {
		t.Fatalf("Window.DaysBack = %d, want 90", cfg.Window.DaysBack)
	}
	if cfg.Fetch.MaxWorkers != 12 || cfg.Fetch.RequestTimeout != 60*time.Second {
		t.Fatalf("Fetch defaults = %+v", cfg.Fetch)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.InitialBackoff != time.Second || cfg.Retry.MaxBackoff != 30*time.Second {
		t.Fatalf("Retry defaults = %+v", cfg.Retry)
	}
	if cfg.RateLimit.MinRemainingThreshold != 50 || cfg.RateLimit.ThrottleBackoff != time.Minute {
		t.Fatalf("RateLimit defaults = %+v", cfg.RateLimit)
	}
	if cfg.Merge.TrunkBranch != "master" || cfg.Merge.Window != 72*time.Hour || cfg.Merge.OutlierFactor != DefaultOutlierFactor {
		t.Fatalf("Merge defaults = %+v", cfg.Merge)
	}
	if cfg.Report.TopN != 10 || len(cfg.Report.Formats) != 3 {
		t.Fatalf("Report defaults = %+v", cfg.Report)
	}
	if cfg.Store.Backend != "memory" || cfg.Store.ChangeCacheTTL != 90*24*time.Hour || cfg.Store.SQLitePath != "devkpi.db" {
		t.Fatalf("Store defaults = %+v", cfg.Store)
	}
	if cfg.Schedule.RefreshInterval != 6*time.Hour {
		t.Fatalf("Schedule.RefreshInterval = %s, want 6h", cfg.Schedule.RefreshInterval)
	}
	if cfg.Telemetry.OTELTraceMode != "sampled" {
		t.Fatalf("Telemetry.OTELTraceMode = %q, want sampled", cfg.Telemetry.OTELTraceMode)
	}
	if cfg.Sources[0].Token != "ghp_x" {
		t.Fatalf("Sources[0].Token = %q, want trimmed env value", cfg.Sources[0].Token)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		yaml       string
		errSubstrs []string
	}{
		{
			name:       "empty_document_needs_sources",
			yaml:       ``,
			errSubstrs: []string{"sources must satisfy required"},
		},
		{
			name:       "explicit_empty_sources",
			yaml:       "sources: []\n",
			errSubstrs: []string{"sources must satisfy required"},
		},
		{
			name: "invalid_log_level",
			yaml: `
server:
  log_level: "verbose"
sources:
  - {name: "gh", kind: "github", orgs: ["acme"], token: "t"}
`,
			errSubstrs: []string{"server.log_level", "oneof=debug info warn error"},
		},
		{
			name: "unknown_source_kind",
			yaml: `
sources:
  - {name: "x", kind: "gitlab"}
`,
			errSubstrs: []string{"sources[0].kind"},
		},
		{
			name: "bitbucket_needs_url_and_user",
			yaml: `
sources:
  - {name: "bb", kind: "bitbucket"}
`,
			errSubstrs: []string{"sources[0].base_url is required", "sources[0].username is required"},
		},
		{
			name: "scm_manager_needs_token",
			yaml: `
sources:
  - {name: "scm", kind: "scm_manager", base_url: "https://scm.example.com"}
`,
			errSubstrs: []string{"token or token_env is required for scm_manager"},
		},
		{
			name: "github_partial_app_auth",
			yaml: `
sources:
  - {name: "gh", kind: "github", orgs: ["acme"], app_id: 1}
`,
			errSubstrs: []string{"needs app_id, installation_id and private_key_path"},
		},
		{
			name: "github_needs_orgs",
			yaml: `
sources:
  - {name: "gh", kind: "github", token: "t"}
`,
			errSubstrs: []string{"sources[0].orgs"},
		},
		{
			name: "duplicate_source_names",
			yaml: `
sources:
  - {name: "gh", kind: "github", orgs: ["a"], token: "t"}
  - {name: "gh", kind: "github", orgs: ["b"], token: "t"}
`,
			errSubstrs: []string{"duplicate name: gh"},
		},
		{
			name: "sentinel_requires_addrs",
			yaml: `
sources:
  - {name: "gh", kind: "github", orgs: ["a"], token: "t"}
store:
  backend: "redis"
  redis_mode: "sentinel"
`,
			errSubstrs: []string{"store.redis_sentinel_addrs", "store.redis_master_set"},
		},
		{
			name: "unknown_field_rejected",
			yaml: `
sources:
  - {name: "gh", kind: "github", orgs: ["a"], token: "t"}
bogus: true
`,
			errSubstrs: []string{"field bogus not found"},
		},
		{
			name: "bad_duration_unit",
			yaml: `
merge:
  window: "3y"
sources:
  - {name: "gh", kind: "github", orgs: ["a"], token: "t"}
`,
			errSubstrs: []string{"invalid unit"},
		},
		{
			name: "backoff_order",
			yaml: `
retry:
  initial_backoff: "1m"
  max_backoff: "10s"
sources:
  - {name: "gh", kind: "github", orgs: ["a"], token: "t"}
`,
			errSubstrs: []string{"retry.max_backoff must be >= retry.initial_backoff"},
		},
		{
			name: "errors_are_joined",
			yaml: `
report:
  top_n: -1
  formats: ["pdf"]
sources:
  - {name: "gh", kind: "github", orgs: ["a"], token: "t"}
`,
			errSubstrs: []string{"report.top_n", "report.formats[0]", "; "},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := load(strings.NewReader(tc.yaml), fakeEnv(nil))
			if err == nil {
				t.Fatalf("load() expected error, got nil")
			}
			for _, substr := range tc.errSubstrs {
				if !strings.Contains(err.Error(), substr) {
					t.Fatalf("load() error = %q, missing substring %q", err.Error(), substr)
				}
			}
		})
	}
}

func TestLoadNilReader(t *testing.T) {
	t.Parallel()

	if _, err := Load(nil); err == nil {
		t.Fatalf("Load(nil) expected error")
	}
}

func TestParseFlexibleDuration(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "90s", want: 90 * time.Second},
		{in: "3d", want: 72 * time.Hour},
		{in: "1.5d", want: 36 * time.Hour},
		{in: "2w", want: 14 * 24 * time.Hour},
		{in: "xd", wantErr: true},
		{in: "5y", wantErr: true},
	}

	for _, tc := range testCases {
		got, err := parseFlexibleDuration(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseFlexibleDuration(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("parseFlexibleDuration(%q) = %s, %v; want %s", tc.in, got, err, tc.want)
		}
	}
}

func TestLoadFileAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("DEVKPI_TEST_TOKEN=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("DEVKPI_TEST_TOKEN", "")
	os.Unsetenv("DEVKPI_TEST_TOKEN")

	if err := LoadDotEnv(envPath); err != nil {
		t.Fatalf("LoadDotEnv() unexpected error: %v", err)
	}
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv(missing) unexpected error: %v", err)
	}

	configPath := filepath.Join(dir, "devkpi.yaml")
	body := "sources:\n  - {name: gh, kind: github, orgs: [acme], token_env: DEVKPI_TEST_TOKEN}\n"
	if err := os.WriteFile(configPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() unexpected error: %v", err)
	}
	if cfg.Sources[0].Token != "from-dotenv" {
		t.Fatalf("Token = %q, want from-dotenv", cfg.Sources[0].Token)
	}

	if _, err := LoadFile(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Fatalf("LoadFile(absent) expected error")
	}
}
