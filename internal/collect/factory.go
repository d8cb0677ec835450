package collect

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/config"
	"github.com/cam3ron2/scm-dev-kpi/internal/scmapi"
)

// NewCollectorsFromConfig builds one collector per configured source.
func NewCollectorsFromConfig(cfg *config.Config, cache ChangeCache) ([]Collector, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	collectors := make([]Collector, 0, len(cfg.Sources))
	for _, sourceCfg := range cfg.Sources {
		collector, err := newCollector(cfg, sourceCfg, cache)
		if err != nil {
			return nil, fmt.Errorf("create collector %q: %w", sourceCfg.Name, err)
		}
		collectors = append(collectors, collector)
	}
	return collectors, nil
}

func newCollector(cfg *config.Config, sourceCfg config.SourceConfig, cache ChangeCache) (Collector, error) {
	timeout := cfg.Fetch.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	options := Options{
		RepoAllowlist:     sourceCfg.RepoAllowlist,
		BranchMode:        sourceCfg.BranchMode,
		MaxRepos:          sourceCfg.MaxRepos,
		MaxCommitsPerRepo: sourceCfg.MaxCommitsPerRepo,
		MaxWorkers:        cfg.Fetch.MaxWorkers,
	}

	switch sourceCfg.Kind {
	case config.KindBitbucket:
		httpClient, err := scmapi.NewBasicAuthHTTPClient(sourceCfg.Username, sourceCfg.Password, timeout)
		if err != nil {
			return nil, err
		}
		api, err := scmapi.NewBitbucketClient(sourceCfg.BaseURL, newRequestClient(cfg, httpClient))
		if err != nil {
			return nil, err
		}
		return NewBitbucketCollector(sourceCfg.Name, api, options, cache)

	case config.KindSCMManager:
		httpClient, err := scmapi.NewTokenHTTPClient(sourceCfg.Token, timeout)
		if err != nil {
			return nil, err
		}
		api, err := scmapi.NewSCMManagerClient(sourceCfg.BaseURL, sourceCfg.APIRoot, newRequestClient(cfg, httpClient))
		if err != nil {
			return nil, err
		}
		return NewSCMManagerCollector(sourceCfg.Name, api, options, cache)

	case config.KindGitHub:
		authClient := &http.Client{Timeout: timeout}
		token := sourceCfg.Token
		if sourceCfg.UsesGitHubApp() {
			installationClient, err := scmapi.NewInstallationHTTPClient(scmapi.InstallationAuthConfig{
				AppID:          sourceCfg.AppID,
				InstallationID: sourceCfg.InstallationID,
				PrivateKeyPath: sourceCfg.PrivateKeyPath,
				Timeout:        timeout,
				BaseTransport:  http.DefaultTransport,
			})
			if err != nil {
				return nil, err
			}
			authClient = installationClient
			token = ""
		}

		// go-github drives requests through the retry client so pacing and backoff apply.
		requestClient := newRequestClient(cfg, authClient)
		rest, err := scmapi.NewGitHubRESTClient(&http.Client{Transport: requestClient.RoundTripper()}, sourceCfg.BaseURL, token)
		if err != nil {
			return nil, err
		}
		api, err := scmapi.NewGitHubClient(rest)
		if err != nil {
			return nil, err
		}
		return NewGitHubCollector(sourceCfg.Name, api, sourceCfg.Orgs, options, cache)
	}
	return nil, fmt.Errorf("unsupported source kind %q", sourceCfg.Kind)
}

func newRequestClient(cfg *config.Config, doer scmapi.HTTPDoer) *scmapi.Client {
	return scmapi.NewClient(doer, scmapi.RetryConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}, scmapi.RateLimitPolicy{
		MinRemainingThreshold: cfg.RateLimit.MinRemainingThreshold,
		MinResetBuffer:        cfg.RateLimit.MinResetBuffer,
		ThrottleBackoff:       cfg.RateLimit.ThrottleBackoff,
	}, scmapi.WithMinInterval(cfg.Fetch.MinRequestInterval))
}
