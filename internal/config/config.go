package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// KindBitbucket is a Bitbucket Server source.
	KindBitbucket = "bitbucket"
	// KindSCMManager is an SCM-Manager v2 source.
	KindSCMManager = "scm_manager"
	// KindGitHub is a GitHub or GitHub Enterprise source.
	KindGitHub = "github"

	// BranchModeDefault scans only the default branch of each repository.
	BranchModeDefault = "default"
	// BranchModeAll scans every branch of each repository.
	BranchModeAll = "all"

	// DefaultOutlierFactor flags trunk commits above factor x median changed lines.
	DefaultOutlierFactor = 1.5
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Window    WindowConfig    `yaml:"window"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sources   []SourceConfig  `yaml:"sources" validate:"required,min=1,dive"`
	Authors   AuthorsConfig   `yaml:"authors"`
	Merge     MergeConfig     `yaml:"merge"`
	Report    ReportConfig    `yaml:"report"`
	Store     StoreConfig     `yaml:"store"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" default:":8080"`
	LogLevel   string `yaml:"log_level" default:"info" validate:"oneof=debug info warn error"`
}

// WindowConfig bounds how far back history is read.
type WindowConfig struct {
	DaysBack int `yaml:"days_back" default:"90" validate:"gte=1"`
}

// FetchConfig controls request pacing and per-source caps.
type FetchConfig struct {
	MaxWorkers         int           `yaml:"max_workers" default:"12" validate:"gte=1"`
	RequestTimeout     time.Duration `yaml:"request_timeout" default:"60s" validate:"gt=0"`
	MinRequestInterval time.Duration `yaml:"min_request_interval" validate:"gte=0"`
	// MaxRepos and MaxCommitsPerRepo apply to sources that do not set their own; 0 is unlimited.
	MaxRepos          int `yaml:"max_repos" validate:"gte=0"`
	MaxCommitsPerRepo int `yaml:"max_commits_per_repo" validate:"gte=0"`
}

// RetryConfig configures retries.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" default:"3" validate:"gte=1"`
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"1s"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"30s"`
}

// RateLimitConfig configures rate-limit controls.
type RateLimitConfig struct {
	MinRemainingThreshold int           `yaml:"min_remaining_threshold" default:"50" validate:"gte=0"`
	MinResetBuffer        time.Duration `yaml:"min_reset_buffer" default:"5s"`
	ThrottleBackoff       time.Duration `yaml:"throttle_backoff" default:"60s"`
}

// SourceConfig configures one SCM server.
type SourceConfig struct {
	Name    string `yaml:"name" validate:"required"`
	Kind    string `yaml:"kind" validate:"required,oneof=bitbucket scm_manager github"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	// APIRoot pins the SCM-Manager API root; empty means detect it.
	APIRoot  string `yaml:"api_root"`
	Username string `yaml:"username"`
	Password string `yaml:"-"`
	Token    string `yaml:"-"`

	Orgs           []string `yaml:"orgs"`
	AppID          int64    `yaml:"app_id" validate:"gte=0"`
	InstallationID int64    `yaml:"installation_id" validate:"gte=0"`
	PrivateKeyPath string   `yaml:"private_key_path"`

	RepoAllowlist     []string `yaml:"repo_allowlist"`
	BranchMode        string   `yaml:"branch_mode" validate:"oneof=default all"`
	MaxRepos          int      `yaml:"max_repos" validate:"gte=0"`
	MaxCommitsPerRepo int      `yaml:"max_commits_per_repo" validate:"gte=0"`
}

// UsesGitHubApp reports whether the source authenticates as a GitHub App installation.
func (s SourceConfig) UsesGitHubApp() bool {
	return s.AppID > 0 || s.InstallationID > 0 || strings.TrimSpace(s.PrivateKeyPath) != ""
}

// AuthorsConfig configures developer identity resolution.
type AuthorsConfig struct {
	Key        string              `yaml:"key" default:"name" validate:"oneof=name email"`
	Duplicates map[string][]string `yaml:"duplicates"`
}

// MergeConfig configures trunk merge-source attribution.
type MergeConfig struct {
	TrunkBranch string        `yaml:"trunk_branch" default:"master" validate:"required"`
	Window      time.Duration `yaml:"window" default:"72h" validate:"gt=0"`
	// OutlierFactor <= 0 disables outlier flagging.
	OutlierFactor float64 `yaml:"outlier_factor"`
}

// ReportConfig configures rendered outputs.
type ReportConfig struct {
	OutputDir string   `yaml:"output_dir" default:"devkpi-out" validate:"required"`
	TopN      int      `yaml:"top_n" default:"10" validate:"gte=1"`
	Formats   []string `yaml:"formats" default:"[\"tables\",\"csv\",\"charts\"]" validate:"dive,oneof=tables csv charts"`
}

// HasFormat reports whether format is enabled.
func (r ReportConfig) HasFormat(format string) bool {
	for _, enabled := range r.Formats {
		if enabled == format {
			return true
		}
	}
	return false
}

// StoreConfig configures metric, cache and record storage.
type StoreConfig struct {
	Backend            string        `yaml:"backend" default:"memory" validate:"oneof=memory redis"`
	Namespace          string        `yaml:"namespace" default:"scm-dev-kpi"`
	RedisMode          string        `yaml:"redis_mode" default:"standalone" validate:"oneof=standalone sentinel"`
	RedisAddr          string        `yaml:"redis_addr"`
	RedisMasterSet     string        `yaml:"redis_master_set"`
	RedisSentinelAddrs []string      `yaml:"redis_sentinel_addrs"`
	RedisPassword      string        `yaml:"redis_password"`
	RedisDB            int           `yaml:"redis_db" validate:"gte=0"`
	Retention          time.Duration `yaml:"retention" default:"720h"`
	MaxSeriesBudget    int           `yaml:"max_series_budget" validate:"gte=0"`
	ExportCacheMode    string        `yaml:"export_cache_mode" default:"incremental" validate:"oneof=full incremental"`
	ChangeCacheTTL     time.Duration `yaml:"change_cache_ttl" default:"2160h"`
	SQLitePath         string        `yaml:"sqlite_path" default:"devkpi.db" validate:"required"`
}

// ScheduleConfig configures the serve-mode refresh loop.
type ScheduleConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" default:"6h" validate:"gt=0"`
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode" default:"sampled" validate:"oneof=off errors sampled detailed"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio" validate:"gte=0,lte=1"`
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	return Load(file)
}

// LoadDotEnv loads environment variables from path. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from YAML and validates the result.
// Secrets referenced by password_env and token_env are read from the process environment.
func Load(reader io.Reader) (*Config, error) {
	return load(reader, os.LookupEnv)
}

func load(reader io.Reader, lookupEnv func(string) (string, bool)) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig(lookupEnv)
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if err := newValidator().Struct(c); err != nil {
		var validationErrs validator.ValidationErrors
		if !errors.As(err, &validationErrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fieldErr := range validationErrs {
			errs = append(errs, describeFieldError(fieldErr))
		}
	}

	seenSources := make(map[string]struct{}, len(c.Sources))
	for i, source := range c.Sources {
		prefix := fmt.Sprintf("sources[%d]", i)
		if _, ok := seenSources[source.Name]; ok && source.Name != "" {
			errs = append(errs, "sources contains duplicate name: "+source.Name)
		}
		seenSources[source.Name] = struct{}{}

		switch source.Kind {
		case KindBitbucket:
			if source.BaseURL == "" {
				errs = append(errs, prefix+".base_url is required for bitbucket")
			}
			if source.Username == "" {
				errs = append(errs, prefix+".username is required for bitbucket")
			}
		case KindSCMManager:
			if source.BaseURL == "" {
				errs = append(errs, prefix+".base_url is required for scm_manager")
			}
			if source.Token == "" {
				errs = append(errs, prefix+".token or token_env is required for scm_manager")
			}
		case KindGitHub:
			if len(source.Orgs) == 0 {
				errs = append(errs, prefix+".orgs must contain at least one organization")
			}
			if source.UsesGitHubApp() {
				if source.AppID <= 0 || source.InstallationID <= 0 || source.PrivateKeyPath == "" {
					errs = append(errs, prefix+" github app auth needs app_id, installation_id and private_key_path")
				}
			} else if source.Token == "" {
				errs = append(errs, prefix+".token or token_env is required for github without app auth")
			}
		}
	}

	if c.Retry.MaxBackoff > 0 && c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, "retry.max_backoff must be >= retry.initial_backoff")
	}

	if c.Store.Backend == "redis" {
		switch c.Store.RedisMode {
		case "standalone":
			if c.Store.RedisAddr == "" {
				errs = append(errs, "store.redis_addr is required when store.backend=redis")
			}
		case "sentinel":
			if len(c.Store.RedisSentinelAddrs) == 0 {
				errs = append(errs, "store.redis_sentinel_addrs is required when store.redis_mode=sentinel")
			}
			if c.Store.RedisMasterSet == "" {
				errs = append(errs, "store.redis_master_set is required when store.redis_mode=sentinel")
			}
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func newValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

func describeFieldError(fieldErr validator.FieldError) string {
	field := fieldErr.Namespace()
	if idx := strings.Index(field, "."); idx >= 0 {
		field = field[idx+1:]
	}
	rule := fieldErr.Tag()
	if fieldErr.Param() != "" {
		rule += "=" + fieldErr.Param()
	}
	return fmt.Sprintf("%s must satisfy %s (got %v)", field, rule, fieldErr.Value())
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// parseFlexibleDuration accepts Go durations plus day ("3d") and week ("2w") suffixes.
func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	switch {
	case strings.HasSuffix(trimmed, "d"):
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	case strings.HasSuffix(trimmed, "w"):
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}
	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Window    WindowConfig    `yaml:"window"`
	Fetch     rawFetch        `yaml:"fetch"`
	Retry     rawRetry        `yaml:"retry"`
	RateLimit rawRateLimit    `yaml:"rate_limit"`
	Sources   []rawSource     `yaml:"sources"`
	Authors   AuthorsConfig   `yaml:"authors"`
	Merge     rawMerge        `yaml:"merge"`
	Report    ReportConfig    `yaml:"report"`
	Store     rawStore        `yaml:"store"`
	Schedule  rawSchedule     `yaml:"schedule"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type rawFetch struct {
	MaxWorkers         int      `yaml:"max_workers"`
	RequestTimeout     duration `yaml:"request_timeout"`
	MinRequestInterval duration `yaml:"min_request_interval"`
	MaxRepos           int      `yaml:"max_repos"`
	MaxCommitsPerRepo  int      `yaml:"max_commits_per_repo"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
}

type rawRateLimit struct {
	MinRemainingThreshold int      `yaml:"min_remaining_threshold"`
	MinResetBuffer        duration `yaml:"min_reset_buffer"`
	ThrottleBackoff       duration `yaml:"throttle_backoff"`
}

type rawSource struct {
	Name              string   `yaml:"name"`
	Kind              string   `yaml:"kind"`
	BaseURL           string   `yaml:"base_url"`
	APIRoot           string   `yaml:"api_root"`
	Username          string   `yaml:"username"`
	Password          string   `yaml:"password"`
	PasswordEnv       string   `yaml:"password_env"`
	Token             string   `yaml:"token"`
	TokenEnv          string   `yaml:"token_env"`
	Orgs              []string `yaml:"orgs"`
	AppID             int64    `yaml:"app_id"`
	InstallationID    int64    `yaml:"installation_id"`
	PrivateKeyPath    string   `yaml:"private_key_path"`
	RepoAllowlist     []string `yaml:"repo_allowlist"`
	BranchMode        string   `yaml:"branch_mode"`
	MaxRepos          int      `yaml:"max_repos"`
	MaxCommitsPerRepo int      `yaml:"max_commits_per_repo"`
}

type rawMerge struct {
	TrunkBranch   string   `yaml:"trunk_branch"`
	Window        duration `yaml:"window"`
	OutlierFactor *float64 `yaml:"outlier_factor"`
}

type rawStore struct {
	Backend            string   `yaml:"backend"`
	Namespace          string   `yaml:"namespace"`
	RedisMode          string   `yaml:"redis_mode"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisMasterSet     string   `yaml:"redis_master_set"`
	RedisSentinelAddrs []string `yaml:"redis_sentinel_addrs"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	Retention          duration `yaml:"retention"`
	MaxSeriesBudget    int      `yaml:"max_series_budget"`
	ExportCacheMode    string   `yaml:"export_cache_mode"`
	ChangeCacheTTL     duration `yaml:"change_cache_ttl"`
	SQLitePath         string   `yaml:"sqlite_path"`
}

type rawSchedule struct {
	RefreshInterval duration `yaml:"refresh_interval"`
}

func (r rawConfig) toConfig(lookupEnv func(string) (string, bool)) *Config {
	outlierFactor := DefaultOutlierFactor
	if r.Merge.OutlierFactor != nil {
		outlierFactor = *r.Merge.OutlierFactor
	}

	cfg := &Config{
		Server: r.Server,
		Window: r.Window,
		Fetch: FetchConfig{
			MaxWorkers:         r.Fetch.MaxWorkers,
			RequestTimeout:     r.Fetch.RequestTimeout.Duration,
			MinRequestInterval: r.Fetch.MinRequestInterval.Duration,
			MaxRepos:           r.Fetch.MaxRepos,
			MaxCommitsPerRepo:  r.Fetch.MaxCommitsPerRepo,
		},
		Retry: RetryConfig{
			MaxAttempts:    r.Retry.MaxAttempts,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
		},
		RateLimit: RateLimitConfig{
			MinRemainingThreshold: r.RateLimit.MinRemainingThreshold,
			MinResetBuffer:        r.RateLimit.MinResetBuffer.Duration,
			ThrottleBackoff:       r.RateLimit.ThrottleBackoff.Duration,
		},
		Authors: r.Authors,
		Merge: MergeConfig{
			TrunkBranch:   r.Merge.TrunkBranch,
			Window:        r.Merge.Window.Duration,
			OutlierFactor: outlierFactor,
		},
		Report: r.Report,
		Store: StoreConfig{
			Backend:            r.Store.Backend,
			Namespace:          r.Store.Namespace,
			RedisMode:          r.Store.RedisMode,
			RedisAddr:          r.Store.RedisAddr,
			RedisMasterSet:     r.Store.RedisMasterSet,
			RedisSentinelAddrs: r.Store.RedisSentinelAddrs,
			RedisPassword:      r.Store.RedisPassword,
			RedisDB:            r.Store.RedisDB,
			Retention:          r.Store.Retention.Duration,
			MaxSeriesBudget:    r.Store.MaxSeriesBudget,
			ExportCacheMode:    r.Store.ExportCacheMode,
			ChangeCacheTTL:     r.Store.ChangeCacheTTL.Duration,
			SQLitePath:         r.Store.SQLitePath,
		},
		Schedule: ScheduleConfig{
			RefreshInterval: r.Schedule.RefreshInterval.Duration,
		},
		Telemetry: r.Telemetry,
	}

	for _, source := range r.Sources {
		kind := strings.TrimSpace(source.Kind)
		branchMode := strings.TrimSpace(source.BranchMode)
		if branchMode == "" {
			branchMode = defaultBranchMode(kind)
		}
		maxRepos := source.MaxRepos
		if maxRepos == 0 {
			maxRepos = r.Fetch.MaxRepos
		}
		maxCommits := source.MaxCommitsPerRepo
		if maxCommits == 0 {
			maxCommits = r.Fetch.MaxCommitsPerRepo
		}

		cfg.Sources = append(cfg.Sources, SourceConfig{
			Name:              strings.TrimSpace(source.Name),
			Kind:              kind,
			BaseURL:           strings.TrimSpace(source.BaseURL),
			APIRoot:           strings.TrimSpace(source.APIRoot),
			Username:          strings.TrimSpace(source.Username),
			Password:          secret(source.Password, source.PasswordEnv, lookupEnv),
			Token:             secret(source.Token, source.TokenEnv, lookupEnv),
			Orgs:              source.Orgs,
			AppID:             source.AppID,
			InstallationID:    source.InstallationID,
			PrivateKeyPath:    strings.TrimSpace(source.PrivateKeyPath),
			RepoAllowlist:     source.RepoAllowlist,
			BranchMode:        branchMode,
			MaxRepos:          maxRepos,
			MaxCommitsPerRepo: maxCommits,
		})
	}

	return cfg
}

// defaultBranchMode scans all branches on SCM-Manager and only the default branch elsewhere.
func defaultBranchMode(kind string) string {
	if kind == KindSCMManager {
		return BranchModeAll
	}
	return BranchModeDefault
}

func secret(inline, envName string, lookupEnv func(string) (string, bool)) string {
	if value := strings.TrimSpace(inline); value != "" {
		return value
	}
	if strings.TrimSpace(envName) == "" || lookupEnv == nil {
		return ""
	}
	value, _ := lookupEnv(strings.TrimSpace(envName))
	return strings.TrimSpace(value)
}
