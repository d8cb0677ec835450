package scmapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/diffstat"
)

const (
	scmPageSize         = 50
	scmDiffFailureLimit = 5
)

var scmAPIRootCandidates = []string{"scm/api/v2", "api/v2"}

// SCMRepository is one SCM-Manager repository.
type SCMRepository struct {
	Namespace string
	Name      string
	Type      string
}

// SCMRepositoriesResult is the typed result for listing repositories.
type SCMRepositoriesResult struct {
	Status   EndpointStatus
	Repos    []SCMRepository
	Metadata CallMetadata
}

// SCMRepositoryLinks holds the collection links discovered on a repository.
type SCMRepositoryLinks struct {
	Status        EndpointStatus
	BranchesURL   string
	ChangesetsURL string
	Metadata      CallMetadata
}

// SCMBranch is one SCM-Manager branch.
type SCMBranch struct {
	Name string
	// HistoryURL is the branch's own changeset listing when advertised.
	HistoryURL string
}

// SCMBranchesResult is the typed result for listing branches.
type SCMBranchesResult struct {
	Status   EndpointStatus
	Branches []SCMBranch
	Metadata CallMetadata
}

// SCMManagerClient is a typed SCM-Manager v2 HAL client.
type SCMManagerClient struct {
	host          *url.URL
	requestClient *Client
	negotiator    DiffAcceptStateMachine
	now           func() time.Time

	mu        sync.Mutex
	apiRoot   *url.URL
	diffState DiffAcceptState
}

// NewSCMManagerClient creates an SCM-Manager client. apiRoot may be empty, in which case
// DetectAPIRoot must be called before other operations.
func NewSCMManagerClient(host, apiRoot string, requestClient *Client) (*SCMManagerClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}
	parsedHost, err := parseBaseURL(host, "scm-manager")
	if err != nil {
		return nil, err
	}

	client := &SCMManagerClient{
		host:          parsedHost,
		requestClient: requestClient,
		negotiator:    DiffAcceptStateMachine{FailureThreshold: scmDiffFailureLimit},
		now:           time.Now,
		diffState:     DiffAcceptState{Mode: DiffAcceptUnknown},
	}
	if strings.TrimSpace(apiRoot) != "" {
		root, err := client.resolve(apiRoot)
		if err != nil {
			return nil, err
		}
		client.apiRoot = root
	}
	return client, nil
}

// DetectAPIRoot tries the well-known API roots and remembers the first that answers
// the repository listing with JSON.
func (c *SCMManagerClient) DetectAPIRoot(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.apiRoot != nil {
		root := c.apiRoot.String()
		c.mu.Unlock()
		return root, nil
	}
	c.mu.Unlock()

	g := getter{baseURL: c.host, requestClient: c.requestClient}
	var failures []string
	for _, candidate := range scmAPIRootCandidates {
		candidateURL := g.endpoint(url.Values{"page": []string{"0"}, "pageSize": []string{"1"}}, candidate, "repositories")
		var payload map[string]any
		status, _, err := g.getJSON(ctx, candidateURL, acceptAny, "detect api root", &payload)
		if err != nil {
			failures = append(failures, candidate+": "+err.Error())
			continue
		}
		if status != EndpointStatusOK {
			failures = append(failures, candidate+": "+string(status))
			continue
		}

		root := cloneURL(c.host)
		root.Path = joinURLPath(root.Path, candidate)
		c.mu.Lock()
		c.apiRoot = root
		c.mu.Unlock()
		return root.String(), nil
	}
	return "", fmt.Errorf("detect scm-manager api root: tried %s", strings.Join(failures, "; "))
}

// ListRepositories lists every repository visible to the token.
func (c *SCMManagerClient) ListRepositories(ctx context.Context) (SCMRepositoriesResult, error) {
	root, err := c.root()
	if err != nil {
		return SCMRepositoriesResult{}, err
	}

	result := SCMRepositoriesResult{}
	target := cloneURL(root)
	target.Path = joinURLPath(target.Path, "repositories")
	status, metadata, err := c.pages(ctx, target, "list repositories", []string{"repositories"}, func(raw json.RawMessage) bool {
		var repo scmRepositoryPayload
		if json.Unmarshal(raw, &repo) == nil && repo.Namespace != "" && repo.Name != "" {
			result.Repos = append(result.Repos, SCMRepository{Namespace: repo.Namespace, Name: repo.Name, Type: repo.Type})
		}
		return true
	})
	if err != nil {
		return SCMRepositoriesResult{}, err
	}
	result.Status = status
	result.Metadata = metadata
	return result, nil
}

// GetRepositoryLinks reads a repository and resolves its branch and changeset links,
// falling back to the conventional paths.
func (c *SCMManagerClient) GetRepositoryLinks(ctx context.Context, repo SCMRepository) (SCMRepositoryLinks, error) {
	root, err := c.root()
	if err != nil {
		return SCMRepositoryLinks{}, err
	}
	if repo.Namespace == "" || repo.Name == "" {
		return SCMRepositoryLinks{}, fmt.Errorf("repository namespace and name are required")
	}

	detailURL := cloneURL(root)
	detailURL.Path = joinURLPath(detailURL.Path, "repositories", repo.Namespace, repo.Name)
	g := getter{baseURL: root, requestClient: c.requestClient}
	var detail struct {
		Links halLinks `json:"_links"`
	}
	status, metadata, err := g.getJSON(ctx, detailURL, acceptAny, "repository detail", &detail)
	if err != nil {
		return SCMRepositoryLinks{}, err
	}
	result := SCMRepositoryLinks{Status: status, Metadata: metadata}
	if status != EndpointStatusOK {
		return result, nil
	}

	result.BranchesURL = c.resolveOr(detail.Links.first("branches", "refs"), root, "repositories", repo.Namespace, repo.Name, "branches")
	result.ChangesetsURL = c.resolveOr(detail.Links.first("changesets", "commits", "log", "history"), root, "repositories", repo.Namespace, repo.Name, "changesets")
	return result, nil
}

// ListBranches lists branches from a branches collection link.
func (c *SCMManagerClient) ListBranches(ctx context.Context, branchesURL string) (SCMBranchesResult, error) {
	target, err := c.resolve(branchesURL)
	if err != nil {
		return SCMBranchesResult{}, err
	}

	result := SCMBranchesResult{}
	status, metadata, err := c.pages(ctx, target, "list branches", []string{"branches"}, func(raw json.RawMessage) bool {
		var branch scmBranchPayload
		if json.Unmarshal(raw, &branch) == nil && branch.Name != "" {
			history := ""
			if href := branch.Links.first("history", "changesets"); href != "" {
				if resolved, err := c.resolve(href); err == nil {
					history = resolved.String()
				}
			}
			result.Branches = append(result.Branches, SCMBranch{Name: branch.Name, HistoryURL: history})
		}
		return true
	})
	if err != nil {
		return SCMBranchesResult{}, err
	}
	result.Status = status
	result.Metadata = metadata
	return result, nil
}

// ListChangesets lists changesets newer than since, newest first. branch is sent as a
// query parameter when set. maxChangesets <= 0 disables the cap.
func (c *SCMManagerClient) ListChangesets(ctx context.Context, repo SCMRepository, changesetsURL, branch string, since time.Time, maxChangesets int) (CommitListResult, error) {
	target, err := c.resolve(changesetsURL)
	if err != nil {
		return CommitListResult{}, err
	}
	root, err := c.root()
	if err != nil {
		return CommitListResult{}, err
	}
	if branch != "" {
		query := target.Query()
		query.Set("branch", branch)
		target.RawQuery = query.Encode()
	}

	result := CommitListResult{}
	cutoff := since.UTC()
	status, metadata, err := c.pages(ctx, target, "list changesets", []string{"changesets", "commits"}, func(raw json.RawMessage) bool {
		var changeset scmChangesetPayload
		if json.Unmarshal(raw, &changeset) != nil {
			return true
		}
		ts := firstTime(changeset.Date, changeset.Timestamp, changeset.CreationDate)
		if ts.IsZero() {
			return true
		}
		if !cutoff.IsZero() && ts.Before(cutoff) {
			return false
		}

		commit := Commit{
			ID:          changeset.id(),
			AuthorName:  firstNonEmpty(changeset.Author.Name, changeset.Author.DisplayName, changeset.AuthorName),
			AuthorEmail: firstNonEmpty(changeset.Author.Mail, changeset.Author.Email),
			Timestamp:   ts,
		}
		if href := changeset.Links.first("diff", "patch"); href != "" {
			if resolved, err := c.resolve(href); err == nil {
				commit.DiffURL = resolved.String()
			}
		}
		if commit.DiffURL == "" && commit.ID != "" {
			diffURL := cloneURL(root)
			diffURL.Path = joinURLPath(diffURL.Path, "repositories", repo.Namespace, repo.Name, "changesets", commit.ID, "diff")
			commit.DiffURL = diffURL.String()
		}
		result.Commits = append(result.Commits, commit)
		if maxChangesets > 0 && len(result.Commits) >= maxChangesets {
			result.Truncated = true
			return false
		}
		return true
	})
	if err != nil {
		return CommitListResult{}, err
	}
	result.Status = status
	result.Metadata = metadata
	return result, nil
}

// GetDiffCounts downloads one diff and counts it. Text and structured JSON diffs are
// both accepted; the Accept header that worked last is tried first. Unparseable or
// refused diffs degrade to zero counts.
func (c *SCMManagerClient) GetDiffCounts(ctx context.Context, diffURL string) (ChangeCountsResult, error) {
	if strings.TrimSpace(diffURL) == "" {
		return ChangeCountsResult{Method: ChangeCountNone}, nil
	}
	target, err := c.resolve(diffURL)
	if err != nil {
		return ChangeCountsResult{}, err
	}

	result := ChangeCountsResult{Method: ChangeCountNone}
	g := getter{baseURL: c.host, requestClient: c.requestClient}
	for _, accept := range c.DiffState().AcceptOrder() {
		resp, status, metadata, err := g.get(ctx, target, accept, "changeset diff")
		result.Metadata = mergeMetadata(result.Metadata, metadata)
		if err != nil {
			if ctx.Err() != nil {
				return ChangeCountsResult{}, err
			}
			c.observeDiff(accept, EndpointStatusUnknown, false)
			continue
		}
		if status != EndpointStatusOK {
			c.observeDiff(accept, status, false)
			continue
		}

		body, err := readBodyAndClose(resp)
		if err != nil {
			c.observeDiff(accept, status, false)
			continue
		}
		stats, ok := diffstat.ParsePayload(body)
		c.observeDiff(accept, status, ok)
		if ok {
			result.Counts = stats.Counts()
			result.Method = ChangeCountPatch
			return result, nil
		}
	}
	return result, nil
}

// DiffState returns the current diff negotiation state.
func (c *SCMManagerClient) DiffState() DiffAcceptState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diffState
}

func (c *SCMManagerClient) observeDiff(accept string, status EndpointStatus, parsed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diffState = c.negotiator.Apply(c.diffState, DiffAcceptEvent{
		ObservedAt: c.now(),
		Accept:     accept,
		Status:     status,
		Parsed:     parsed,
	})
}

func (c *SCMManagerClient) root() (*url.URL, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.apiRoot == nil {
		return nil, fmt.Errorf("scm-manager api root is not detected")
	}
	return cloneURL(c.apiRoot), nil
}

// resolve turns an href into an absolute URL. Relative hrefs are taken from the host root.
func (c *SCMManagerClient) resolve(href string) (*url.URL, error) {
	trimmed := strings.TrimSpace(href)
	if trimmed == "" {
		return nil, fmt.Errorf("link href is required")
	}
	ref, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse link %q: %w", trimmed, err)
	}
	if ref.IsAbs() {
		return ref, nil
	}
	hostRoot := &url.URL{Scheme: c.host.Scheme, Host: c.host.Host, Path: "/"}
	if !strings.HasPrefix(ref.Path, "/") {
		ref.Path = "/" + ref.Path
	}
	return hostRoot.ResolveReference(ref), nil
}

func (c *SCMManagerClient) resolveOr(href string, root *url.URL, fallback ...string) string {
	if href != "" {
		if resolved, err := c.resolve(href); err == nil {
			return resolved.String()
		}
	}
	target := cloneURL(root)
	target.Path = joinURLPath(target.Path, fallback...)
	return target.String()
}

// pages walks a page/pageSize HAL collection. visit returns false to stop early.
func (c *SCMManagerClient) pages(
	ctx context.Context,
	target *url.URL,
	operation string,
	preferredKeys []string,
	visit func(json.RawMessage) bool,
) (EndpointStatus, CallMetadata, error) {
	g := getter{baseURL: c.host, requestClient: c.requestClient}
	metadata := CallMetadata{}
	key := ""
	for page := 0; ; page++ {
		pageURL := cloneURL(target)
		query := pageURL.Query()
		query.Set("page", strconv.Itoa(page))
		query.Set("pageSize", strconv.Itoa(scmPageSize))
		pageURL.RawQuery = query.Encode()

		var payload halPage
		status, callMetadata, err := g.getJSON(ctx, pageURL, acceptAny, operation, &payload)
		metadata = mergeMetadata(metadata, callMetadata)
		if err != nil {
			return status, metadata, err
		}
		if status != EndpointStatusOK {
			return status, metadata, nil
		}

		if key == "" {
			key = payload.embeddedKey(preferredKeys...)
		}
		var items []json.RawMessage
		if raw, ok := payload.Embedded[key]; ok {
			if err := json.Unmarshal(raw, &items); err != nil {
				return EndpointStatusUnknown, metadata, fmt.Errorf("decode %s items: %w", operation, err)
			}
		}
		for _, item := range items {
			if !visit(item) {
				return EndpointStatusOK, metadata, nil
			}
		}
		if len(items) == 0 || !payload.hasNext(page) {
			return EndpointStatusOK, metadata, nil
		}
	}
}

type scmRepositoryPayload struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Type      string `json:"type"`
}

type scmBranchPayload struct {
	Name  string   `json:"name"`
	Links halLinks `json:"_links"`
}

type scmChangesetPayload struct {
	ID           string       `json:"id"`
	Revision     string       `json:"revision"`
	ChangesetID  string       `json:"changesetId"`
	Date         flexibleTime `json:"date"`
	Timestamp    flexibleTime `json:"timestamp"`
	CreationDate flexibleTime `json:"creationDate"`
	AuthorName   string       `json:"authorName"`
	Author       struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
		Mail        string `json:"mail"`
		Email       string `json:"email"`
	} `json:"author"`
	Links halLinks `json:"_links"`
}

func (c scmChangesetPayload) id() string {
	return firstNonEmpty(c.ID, c.Revision, c.ChangesetID)
}
