package scmapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/diffstat"
)

const (
	bitbucketAPIPrefix     = "rest/api/1.0"
	bitbucketPageLimit     = 100
	bitbucketChangesLimit  = 500
	bitbucketChangesPerReq = 1000
)

// ChangeCountMethod names the endpoint that produced change counts.
type ChangeCountMethod string

const (
	// ChangeCountWithCounts means the changes endpoint reported per-file line counts.
	ChangeCountWithCounts ChangeCountMethod = "changes_with_counts"
	// ChangeCountFilesOnly means only the changed-file list was available.
	ChangeCountFilesOnly ChangeCountMethod = "changes_files_only"
	// ChangeCountPatch means line counts were parsed from the raw patch.
	ChangeCountPatch ChangeCountMethod = "patch"
	// ChangeCountNone means every strategy failed and counts are zero.
	ChangeCountNone ChangeCountMethod = "none"
)

// BitbucketRepository is one repository on a Bitbucket Server.
type BitbucketRepository struct {
	ProjectKey string
	Slug       string
	Name       string
}

// BitbucketReposResult is the typed result for repository discovery.
type BitbucketReposResult struct {
	Status EndpointStatus
	Repos  []BitbucketRepository
	// Skipped lists project keys whose repository listing was refused.
	Skipped  []string
	Metadata CallMetadata
}

// Branch is one repository branch.
type Branch struct {
	Name      string
	Ref       string
	IsDefault bool
}

// BranchesResult is the typed result for listing branches.
type BranchesResult struct {
	Status   EndpointStatus
	Branches []Branch
	Metadata CallMetadata
}

// Commit is one commit summary from a commit listing.
type Commit struct {
	ID          string
	AuthorName  string
	AuthorEmail string
	Timestamp   time.Time
	// DiffURL is set when the server advertises a diff link.
	DiffURL string
}

// CommitListResult is the typed result for listing commits in a window.
type CommitListResult struct {
	Status    EndpointStatus
	Commits   []Commit
	Truncated bool
	Metadata  CallMetadata
}

// ChangeCountsResult is the typed result for one commit's change counts.
type ChangeCountsResult struct {
	Counts   diffstat.Counts
	Method   ChangeCountMethod
	Metadata CallMetadata
}

// BitbucketClient is a typed Bitbucket Server REST client.
type BitbucketClient struct {
	getter
}

// NewBitbucketClient creates a Bitbucket client over the retry/rate-limit request client.
func NewBitbucketClient(baseURL string, requestClient *Client) (*BitbucketClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}
	parsed, err := parseBaseURL(baseURL, "bitbucket")
	if err != nil {
		return nil, err
	}
	return &BitbucketClient{getter: getter{baseURL: parsed, requestClient: requestClient}}, nil
}

// ListRepos discovers repositories through the global listing, falling back to
// per-project listings when the global endpoint is unavailable or empty.
func (c *BitbucketClient) ListRepos(ctx context.Context) (BitbucketReposResult, error) {
	result := BitbucketReposResult{Status: EndpointStatusOK}

	status, metadata, err := bitbucketPages(ctx, c.getter, "list repos", nil, bitbucketPageLimit,
		func(repo bitbucketRepoPayload) bool {
			if repo.Project.Key != "" && repo.Slug != "" {
				result.Repos = append(result.Repos, repo.typed(repo.Project.Key))
			}
			return true
		}, bitbucketAPIPrefix, "repos")
	result.Metadata = mergeMetadata(result.Metadata, metadata)
	if err == nil && status == EndpointStatusOK && len(result.Repos) > 0 {
		return result, nil
	}
	result.Repos = nil

	var projects []string
	status, metadata, err = bitbucketPages(ctx, c.getter, "list projects", nil, bitbucketPageLimit,
		func(project bitbucketProjectPayload) bool {
			if project.Key != "" {
				projects = append(projects, project.Key)
			}
			return true
		}, bitbucketAPIPrefix, "projects")
	result.Metadata = mergeMetadata(result.Metadata, metadata)
	if err != nil {
		return BitbucketReposResult{}, err
	}
	if status != EndpointStatusOK {
		result.Status = status
		return result, nil
	}

	for _, key := range projects {
		projectKey := key
		status, metadata, err := bitbucketPages(ctx, c.getter, "list project repos", nil, bitbucketPageLimit,
			func(repo bitbucketRepoPayload) bool {
				if repo.Slug != "" {
					result.Repos = append(result.Repos, repo.typed(projectKey))
				}
				return true
			}, bitbucketAPIPrefix, "projects", projectKey, "repos")
		result.Metadata = mergeMetadata(result.Metadata, metadata)
		if err != nil {
			return BitbucketReposResult{}, err
		}
		if status != EndpointStatusOK {
			result.Skipped = append(result.Skipped, projectKey)
		}
	}
	return result, nil
}

// ListBranches lists the branches of one repository.
func (c *BitbucketClient) ListBranches(ctx context.Context, projectKey, slug string) (BranchesResult, error) {
	if err := requireRepo(projectKey, slug); err != nil {
		return BranchesResult{}, err
	}

	result := BranchesResult{}
	status, metadata, err := bitbucketPages(ctx, c.getter, "list branches", nil, bitbucketPageLimit,
		func(branch bitbucketBranchPayload) bool {
			result.Branches = append(result.Branches, Branch{
				Name:      branch.DisplayID,
				Ref:       branch.ID,
				IsDefault: branch.IsDefault,
			})
			return true
		}, bitbucketAPIPrefix, "projects", projectKey, "repos", slug, "branches")
	if err != nil {
		return BranchesResult{}, err
	}
	result.Status = status
	result.Metadata = metadata
	return result, nil
}

// DefaultBranch reads the repository's default branch.
func (c *BitbucketClient) DefaultBranch(ctx context.Context, projectKey, slug string) (Branch, EndpointStatus, error) {
	if err := requireRepo(projectKey, slug); err != nil {
		return Branch{}, EndpointStatusUnknown, err
	}

	var payload bitbucketBranchPayload
	target := c.endpoint(nil, bitbucketAPIPrefix, "projects", projectKey, "repos", slug, "branches", "default")
	status, _, err := c.getJSON(ctx, target, "application/json", "default branch", &payload)
	if err != nil || status != EndpointStatusOK {
		return Branch{}, status, err
	}
	return Branch{Name: payload.DisplayID, Ref: payload.ID, IsDefault: true}, status, nil
}

// ListCommits lists commits newer than since, newest first. ref selects a branch
// (empty means the default branch). maxCommits <= 0 disables the cap.
func (c *BitbucketClient) ListCommits(ctx context.Context, projectKey, slug, ref string, since time.Time, maxCommits int) (CommitListResult, error) {
	if err := requireRepo(projectKey, slug); err != nil {
		return CommitListResult{}, err
	}

	params := url.Values{}
	if strings.TrimSpace(ref) != "" {
		params.Set("until", ref)
	}

	result := CommitListResult{}
	cutoff := since.UTC()
	status, metadata, err := bitbucketPages(ctx, c.getter, "list commits", params, bitbucketPageLimit,
		func(commit bitbucketCommitPayload) bool {
			ts := commit.timestamp()
			if !cutoff.IsZero() && ts.Before(cutoff) {
				return false
			}
			name, email := commit.Author.identity()
			result.Commits = append(result.Commits, Commit{
				ID:          commit.ID,
				AuthorName:  name,
				AuthorEmail: email,
				Timestamp:   ts,
			})
			if maxCommits > 0 && len(result.Commits) >= maxCommits {
				result.Truncated = true
				return false
			}
			return true
		}, bitbucketAPIPrefix, "projects", projectKey, "repos", slug, "commits")
	if err != nil {
		return CommitListResult{}, err
	}
	result.Status = status
	result.Metadata = metadata
	return result, nil
}

// GetChangeCounts sums per-file line counts of one commit. It asks for counts first,
// then plain changes, and parses the raw patch when no line counts were reported.
// Every failure degrades to zero counts.
func (c *BitbucketClient) GetChangeCounts(ctx context.Context, projectKey, slug, commitID string) (ChangeCountsResult, error) {
	if err := requireRepo(projectKey, slug); err != nil {
		return ChangeCountsResult{}, err
	}
	if strings.TrimSpace(commitID) == "" {
		return ChangeCountsResult{}, fmt.Errorf("commit id is required")
	}

	result := ChangeCountsResult{Method: ChangeCountNone}
	attempts := []url.Values{
		{"withCounts": []string{"true"}},
		{},
	}

	filesOnly := false
	for _, params := range attempts {
		counts := diffstat.Counts{}
		sawLineCounts := false
		params.Set("limit", strconv.Itoa(bitbucketChangesPerReq))
		status, metadata, err := bitbucketPages(ctx, c.getter, "commit changes", params, bitbucketChangesLimit,
			func(change bitbucketChangePayload) bool {
				counts.Files++
				if added, ok := change.added(); ok {
					counts.Added += added
					sawLineCounts = true
				}
				if removed, ok := change.removed(); ok {
					counts.Removed += removed
					sawLineCounts = true
				}
				return true
			}, bitbucketAPIPrefix, "projects", projectKey, "repos", slug, "commits", commitID, "changes")
		result.Metadata = mergeMetadata(result.Metadata, metadata)
		if err != nil || status != EndpointStatusOK {
			continue
		}
		result.Counts = counts
		if sawLineCounts {
			result.Method = ChangeCountWithCounts
			return result, nil
		}
		filesOnly = true
		result.Method = ChangeCountFilesOnly
		break
	}

	patch, metadata, ok := c.patchStats(ctx, projectKey, slug, commitID)
	result.Metadata = mergeMetadata(result.Metadata, metadata)
	if ok {
		result.Counts.Added = patch.Added
		result.Counts.Removed = patch.Removed
		if !filesOnly || result.Counts.Files == 0 {
			result.Counts.Files = patch.FilesChanged()
		}
		result.Method = ChangeCountPatch
	}
	return result, nil
}

func (c *BitbucketClient) patchStats(ctx context.Context, projectKey, slug, commitID string) (diffstat.Stats, CallMetadata, bool) {
	target := c.endpoint(url.Values{"until": []string{commitID}}, bitbucketAPIPrefix, "projects", projectKey, "repos", slug, "patch")
	resp, status, metadata, err := c.get(ctx, target, "text/plain", "commit patch")
	if err != nil || status != EndpointStatusOK {
		return diffstat.Stats{}, metadata, false
	}
	body, err := readBodyAndClose(resp)
	if err != nil {
		return diffstat.Stats{}, metadata, false
	}
	stats, ok := diffstat.ParsePayload(body)
	return stats, metadata, ok
}

// bitbucketPages walks a start/limit paged collection. visit returns false to stop early.
func bitbucketPages[T any](
	ctx context.Context,
	g getter,
	operation string,
	params url.Values,
	limit int,
	visit func(T) bool,
	segments ...string,
) (EndpointStatus, CallMetadata, error) {
	query := url.Values{}
	for key, values := range params {
		query[key] = append([]string(nil), values...)
	}
	if query.Get("limit") == "" {
		query.Set("limit", strconv.Itoa(limit))
	}

	metadata := CallMetadata{}
	start := 0
	for {
		query.Set("start", strconv.Itoa(start))
		var page bitbucketPage[T]
		status, callMetadata, err := g.getJSON(ctx, g.endpoint(query, segments...), "application/json", operation, &page)
		metadata = mergeMetadata(metadata, callMetadata)
		if err != nil {
			return status, metadata, err
		}
		if status != EndpointStatusOK {
			return status, metadata, nil
		}

		for _, value := range page.Values {
			if !visit(value) {
				return EndpointStatusOK, metadata, nil
			}
		}
		if page.IsLastPage || page.NextPageStart == nil || *page.NextPageStart <= start {
			return EndpointStatusOK, metadata, nil
		}
		start = *page.NextPageStart
	}
}

func requireRepo(projectKey, slug string) error {
	if strings.TrimSpace(projectKey) == "" {
		return fmt.Errorf("project key is required")
	}
	if strings.TrimSpace(slug) == "" {
		return fmt.Errorf("repository slug is required")
	}
	return nil
}

func unixMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type bitbucketPage[T any] struct {
	Values        []T  `json:"values"`
	IsLastPage    bool `json:"isLastPage"`
	NextPageStart *int `json:"nextPageStart"`
}

type bitbucketProjectPayload struct {
	Key string `json:"key"`
}

type bitbucketRepoPayload struct {
	Slug    string                  `json:"slug"`
	Name    string                  `json:"name"`
	Project bitbucketProjectPayload `json:"project"`
}

func (r bitbucketRepoPayload) typed(projectKey string) BitbucketRepository {
	name := r.Name
	if name == "" {
		name = r.Slug
	}
	return BitbucketRepository{ProjectKey: projectKey, Slug: r.Slug, Name: name}
}

type bitbucketBranchPayload struct {
	ID        string `json:"id"`
	DisplayID string `json:"displayId"`
	IsDefault bool   `json:"isDefault"`
}

type bitbucketCommitPayload struct {
	ID                 string                `json:"id"`
	Author             bitbucketPersonFields `json:"author"`
	AuthorTimestamp    int64                 `json:"authorTimestamp"`
	CommitterTimestamp int64                 `json:"committerTimestamp"`
}

func (c bitbucketCommitPayload) timestamp() time.Time {
	if c.AuthorTimestamp > 0 {
		return unixMillis(c.AuthorTimestamp)
	}
	return unixMillis(c.CommitterTimestamp)
}

type bitbucketPersonFields struct {
	Name         string                 `json:"name"`
	DisplayName  string                 `json:"displayName"`
	EmailAddress string                 `json:"emailAddress"`
	User         *bitbucketPersonFields `json:"user"`
}

func (p bitbucketPersonFields) identity() (string, string) {
	name := firstNonEmpty(p.Name, p.DisplayName)
	email := p.EmailAddress
	if name == "" && p.User != nil {
		name = firstNonEmpty(p.User.Name, p.User.DisplayName)
		email = firstNonEmpty(email, p.User.EmailAddress)
	}
	return name, email
}

type bitbucketChangePayload struct {
	LinesAdded    *int `json:"linesAdded"`
	LinesRemoved  *int `json:"linesRemoved"`
	LinesInserted *int `json:"linesInserted"`
	LinesDeleted  *int `json:"linesDeleted"`
}

func (c bitbucketChangePayload) added() (int, bool) {
	return firstCount(c.LinesAdded, c.LinesInserted)
}

func (c bitbucketChangePayload) removed() (int, bool) {
	return firstCount(c.LinesRemoved, c.LinesDeleted)
}

func firstCount(values ...*int) (int, bool) {
	for _, value := range values {
		if value != nil {
			if *value < 0 {
				return 0, true
			}
			return *value, true
		}
	}
	return 0, false
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
