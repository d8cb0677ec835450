package scmapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/diffstat"
	"github.com/google/go-github/v75/github"
)

const githubPerPage = 100

// GitHubRepository is one repository in a GitHub organization.
type GitHubRepository struct {
	Owner         string
	Name          string
	DefaultBranch string
	Archived      bool
}

// GitHubReposResult is the typed result for listing organization repositories.
type GitHubReposResult struct {
	Status EndpointStatus
	Repos  []GitHubRepository
}

// GitHubClient reads commit history through the go-github REST client.
type GitHubClient struct {
	rest *github.Client
}

// NewGitHubClient wraps a configured go-github client.
func NewGitHubClient(rest *github.Client) (*GitHubClient, error) {
	if rest == nil {
		return nil, fmt.Errorf("github rest client is required")
	}
	return &GitHubClient{rest: rest}, nil
}

// ListOrgRepos lists repositories in one organization.
func (c *GitHubClient) ListOrgRepos(ctx context.Context, org string) (GitHubReposResult, error) {
	trimmedOrg := strings.TrimSpace(org)
	if trimmedOrg == "" {
		return GitHubReposResult{}, fmt.Errorf("organization is required")
	}

	result := GitHubReposResult{Status: EndpointStatusOK}
	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: github.ListOptions{PerPage: githubPerPage},
	}
	for {
		repos, resp, err := c.rest.Repositories.ListByOrg(ctx, trimmedOrg, opts)
		if status, ok := githubStatus(resp, err); !ok {
			result.Status = status
			return result, nil
		}
		if err != nil {
			return GitHubReposResult{}, fmt.Errorf("list org repos request failed: %w", err)
		}
		for _, repo := range repos {
			result.Repos = append(result.Repos, GitHubRepository{
				Owner:         repo.GetOwner().GetLogin(),
				Name:          repo.GetName(),
				DefaultBranch: repo.GetDefaultBranch(),
				Archived:      repo.GetArchived(),
			})
		}
		if resp.NextPage == 0 {
			return result, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListBranches lists the branches of one repository.
func (c *GitHubClient) ListBranches(ctx context.Context, owner, repo string) (BranchesResult, error) {
	if err := requireRepo(owner, repo); err != nil {
		return BranchesResult{}, err
	}

	result := BranchesResult{Status: EndpointStatusOK}
	opts := &github.BranchListOptions{ListOptions: github.ListOptions{PerPage: githubPerPage}}
	for {
		branches, resp, err := c.rest.Repositories.ListBranches(ctx, owner, repo, opts)
		if status, ok := githubStatus(resp, err); !ok {
			result.Status = status
			return result, nil
		}
		if err != nil {
			return BranchesResult{}, fmt.Errorf("list branches request failed: %w", err)
		}
		for _, branch := range branches {
			result.Branches = append(result.Branches, Branch{
				Name: branch.GetName(),
				Ref:  branch.GetName(),
			})
		}
		if resp.NextPage == 0 {
			return result, nil
		}
		opts.Page = resp.NextPage
	}
}

// ListCommits lists commits on ref made since the given time. maxCommits <= 0 disables the cap.
func (c *GitHubClient) ListCommits(ctx context.Context, owner, repo, ref string, since time.Time, maxCommits int) (CommitListResult, error) {
	if err := requireRepo(owner, repo); err != nil {
		return CommitListResult{}, err
	}

	result := CommitListResult{Status: EndpointStatusOK}
	opts := &github.CommitsListOptions{
		SHA:         ref,
		Since:       since.UTC(),
		ListOptions: github.ListOptions{PerPage: githubPerPage},
	}
	for {
		commits, resp, err := c.rest.Repositories.ListCommits(ctx, owner, repo, opts)
		if status, ok := githubStatus(resp, err); !ok {
			result.Status = status
			return result, nil
		}
		if err != nil {
			return CommitListResult{}, fmt.Errorf("list commits request failed: %w", err)
		}
		for _, commit := range commits {
			author := commit.GetCommit().GetAuthor()
			name := firstNonEmpty(author.GetName(), commit.GetAuthor().GetLogin())
			result.Commits = append(result.Commits, Commit{
				ID:          commit.GetSHA(),
				AuthorName:  name,
				AuthorEmail: author.GetEmail(),
				Timestamp:   author.GetDate().UTC(),
			})
			if maxCommits > 0 && len(result.Commits) >= maxCommits {
				result.Truncated = true
				return result, nil
			}
		}
		if resp.NextPage == 0 {
			return result, nil
		}
		opts.Page = resp.NextPage
	}
}

// GetCommitCounts downloads the raw diff of one commit and counts it.
func (c *GitHubClient) GetCommitCounts(ctx context.Context, owner, repo, sha string) (ChangeCountsResult, error) {
	if err := requireRepo(owner, repo); err != nil {
		return ChangeCountsResult{}, err
	}
	if strings.TrimSpace(sha) == "" {
		return ChangeCountsResult{}, fmt.Errorf("commit sha is required")
	}

	raw, resp, err := c.rest.Repositories.GetCommitRaw(ctx, owner, repo, sha, github.RawOptions{Type: github.Diff})
	if _, ok := githubStatus(resp, err); !ok {
		return ChangeCountsResult{Method: ChangeCountNone}, nil
	}
	if err != nil {
		return ChangeCountsResult{}, fmt.Errorf("commit diff request failed: %w", err)
	}
	return ChangeCountsResult{
		Counts: diffstat.Parse(raw).Counts(),
		Method: ChangeCountPatch,
	}, nil
}

// githubStatus maps a go-github response to an endpoint status. ok is false when the
// server answered with a non-success status; transport errors return ok=true so the
// caller reports them as errors.
func githubStatus(resp *github.Response, err error) (EndpointStatus, bool) {
	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return endpointStatusFromHTTP(errResp.Response.StatusCode), false
	}
	if resp != nil && resp.Response != nil && resp.StatusCode != http.StatusOK && err != nil {
		return endpointStatusFromHTTP(resp.StatusCode), false
	}
	return EndpointStatusOK, true
}
