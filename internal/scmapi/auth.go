package scmapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
)

const userAgent = "scm-dev-kpi"

// BasicAuthTransport adds HTTP basic credentials to every request.
type BasicAuthTransport struct {
	Username string
	Password string
	Base     http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *BasicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := req.Clone(req.Context())
	next.SetBasicAuth(t.Username, t.Password)
	next.Header.Set("User-Agent", userAgent)
	return baseTransport(t.Base).RoundTrip(next)
}

// BearerTokenTransport authenticates with an API token. SCM-Manager reads the token
// from the X-Bearer-Token cookie; the Authorization header covers other deployments.
type BearerTokenTransport struct {
	Token string
	Base  http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *BearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := req.Clone(req.Context())
	next.Header.Set("Authorization", "Bearer "+t.Token)
	next.AddCookie(&http.Cookie{Name: "X-Bearer-Token", Value: t.Token})
	next.Header.Set("User-Agent", userAgent)
	return baseTransport(t.Base).RoundTrip(next)
}

func baseTransport(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		return http.DefaultTransport
	}
	return rt
}

// NewBasicAuthHTTPClient creates an HTTP client for username/password servers.
func NewBasicAuthHTTPClient(username, password string, timeout time.Duration) (*http.Client, error) {
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("username is required")
	}
	return &http.Client{
		Transport: &BasicAuthTransport{Username: username, Password: password},
		Timeout:   timeout,
	}, nil
}

// NewTokenHTTPClient creates an HTTP client for bearer-token servers.
func NewTokenHTTPClient(token string, timeout time.Duration) (*http.Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("token is required")
	}
	return &http.Client{
		Transport: &BearerTokenTransport{Token: token},
		Timeout:   timeout,
	}, nil
}

// InstallationAuthConfig configures GitHub App installation authentication.
type InstallationAuthConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	Timeout        time.Duration
	BaseTransport  http.RoundTripper
}

// NewInstallationHTTPClient creates an authenticated HTTP client for one GitHub App installation.
func NewInstallationHTTPClient(cfg InstallationAuthConfig) (*http.Client, error) {
	if cfg.AppID <= 0 {
		return nil, fmt.Errorf("app id must be > 0")
	}
	if cfg.InstallationID <= 0 {
		return nil, fmt.Errorf("installation id must be > 0")
	}
	if strings.TrimSpace(cfg.PrivateKeyPath) == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	transport, err := ghinstallation.NewKeyFromFile(baseTransport(cfg.BaseTransport), cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("create github app transport: %w", err)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}, nil
}

// NewGitHubRESTClient creates a go-github client with optional API base URL override.
// A non-empty token is sent as a personal access token.
func NewGitHubRESTClient(httpClient *http.Client, apiBaseURL, token string) (*github.Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	client := github.NewClient(httpClient)
	if strings.TrimSpace(token) != "" {
		client = client.WithAuthToken(token)
	}
	client.UserAgent = userAgent

	trimmedBaseURL := strings.TrimSpace(apiBaseURL)
	if trimmedBaseURL == "" {
		return client, nil
	}

	parsedURL, err := url.Parse(trimmedBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
	}

	client.BaseURL = parsedURL
	return client, nil
}
