package collect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
	"github.com/cam3ron2/scm-dev-kpi/internal/scmapi"
)

// BitbucketAPI is the Bitbucket Server interface consumed by the collector.
type BitbucketAPI interface {
	ListRepos(ctx context.Context) (scmapi.BitbucketReposResult, error)
	ListBranches(ctx context.Context, projectKey, slug string) (scmapi.BranchesResult, error)
	DefaultBranch(ctx context.Context, projectKey, slug string) (scmapi.Branch, scmapi.EndpointStatus, error)
	ListCommits(ctx context.Context, projectKey, slug, ref string, since time.Time, maxCommits int) (scmapi.CommitListResult, error)
	GetChangeCounts(ctx context.Context, projectKey, slug, commitID string) (scmapi.ChangeCountsResult, error)
}

// SCMManagerAPI is the SCM-Manager interface consumed by the collector.
type SCMManagerAPI interface {
	DetectAPIRoot(ctx context.Context) (string, error)
	ListRepositories(ctx context.Context) (scmapi.SCMRepositoriesResult, error)
	GetRepositoryLinks(ctx context.Context, repo scmapi.SCMRepository) (scmapi.SCMRepositoryLinks, error)
	ListBranches(ctx context.Context, branchesURL string) (scmapi.SCMBranchesResult, error)
	ListChangesets(ctx context.Context, repo scmapi.SCMRepository, changesetsURL, branch string, since time.Time, maxChangesets int) (scmapi.CommitListResult, error)
	GetDiffCounts(ctx context.Context, diffURL string) (scmapi.ChangeCountsResult, error)
}

// GitHubAPI is the GitHub interface consumed by the collector.
type GitHubAPI interface {
	ListOrgRepos(ctx context.Context, org string) (scmapi.GitHubReposResult, error)
	ListBranches(ctx context.Context, owner, repo string) (scmapi.BranchesResult, error)
	ListCommits(ctx context.Context, owner, repo, ref string, since time.Time, maxCommits int) (scmapi.CommitListResult, error)
	GetCommitCounts(ctx context.Context, owner, repo, sha string) (scmapi.ChangeCountsResult, error)
}

// NewBitbucketCollector collects from a Bitbucket Server.
func NewBitbucketCollector(name string, api BitbucketAPI, options Options, cache ChangeCache) (*SourceCollector, error) {
	if api == nil {
		return nil, fmt.Errorf("bitbucket api client is required")
	}
	return newSourceCollector(name, bitbucketSource{api: api}, options, cache), nil
}

// NewSCMManagerCollector collects from an SCM-Manager server.
func NewSCMManagerCollector(name string, api SCMManagerAPI, options Options, cache ChangeCache) (*SourceCollector, error) {
	if api == nil {
		return nil, fmt.Errorf("scm-manager api client is required")
	}
	return newSourceCollector(name, scmManagerSource{api: api}, options, cache), nil
}

// NewGitHubCollector collects from the repositories of GitHub organizations.
func NewGitHubCollector(name string, api GitHubAPI, orgs []string, options Options, cache ChangeCache) (*SourceCollector, error) {
	if api == nil {
		return nil, fmt.Errorf("github api client is required")
	}
	cleaned := make([]string, 0, len(orgs))
	for _, org := range orgs {
		if trimmed := strings.TrimSpace(org); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("at least one github organization is required")
	}
	return newSourceCollector(name, gitHubSource{api: api, orgs: cleaned}, options, cache), nil
}

type bitbucketSource struct {
	api BitbucketAPI
}

func (s bitbucketSource) listRepos(ctx context.Context) ([]repoRef, scmapi.EndpointStatus, error) {
	listed, err := s.api.ListRepos(ctx)
	if err != nil {
		return nil, scmapi.EndpointStatusUnknown, err
	}
	repos := make([]repoRef, 0, len(listed.Repos))
	for _, repo := range listed.Repos {
		repos = append(repos, repoRef{Project: repo.ProjectKey, Name: repo.Slug})
	}
	return repos, listed.Status, nil
}

func (s bitbucketSource) listBranches(ctx context.Context, repo repoRef, mode string) ([]branchRef, scmapi.EndpointStatus, error) {
	if mode == BranchModeDefault {
		branch, status, err := s.api.DefaultBranch(ctx, repo.Project, repo.Name)
		if err != nil || status != scmapi.EndpointStatusOK {
			return nil, status, err
		}
		return []branchRef{{Name: branch.Name, Ref: branch.Ref}}, status, nil
	}

	listed, err := s.api.ListBranches(ctx, repo.Project, repo.Name)
	if err != nil {
		return nil, scmapi.EndpointStatusUnknown, err
	}
	branches := make([]branchRef, 0, len(listed.Branches))
	for _, branch := range listed.Branches {
		branches = append(branches, branchRef{Name: branch.Name, Ref: branch.Ref})
	}
	return branches, listed.Status, nil
}

func (s bitbucketSource) listCommits(ctx context.Context, repo repoRef, branch branchRef, since time.Time, maxCommits int) (scmapi.CommitListResult, error) {
	return s.api.ListCommits(ctx, repo.Project, repo.Name, branch.Ref, since, maxCommits)
}

func (s bitbucketSource) changeCounts(ctx context.Context, repo repoRef, commit scmapi.Commit) (scmapi.ChangeCountsResult, error) {
	return s.api.GetChangeCounts(ctx, repo.Project, repo.Name, commit.ID)
}

type scmManagerSource struct {
	api SCMManagerAPI
}

func (s scmManagerSource) listRepos(ctx context.Context) ([]repoRef, scmapi.EndpointStatus, error) {
	if _, err := s.api.DetectAPIRoot(ctx); err != nil {
		return nil, scmapi.EndpointStatusUnknown, err
	}
	listed, err := s.api.ListRepositories(ctx)
	if err != nil {
		return nil, scmapi.EndpointStatusUnknown, err
	}
	repos := make([]repoRef, 0, len(listed.Repos))
	for _, repo := range listed.Repos {
		repos = append(repos, repoRef{Project: repo.Namespace, Name: repo.Name})
	}
	return repos, listed.Status, nil
}

// listBranches resolves repository links first. The default-branch mode, repositories
// whose server lists no branches and failed branch listings read the unfiltered
// changeset history.
func (s scmManagerSource) listBranches(ctx context.Context, repo repoRef, mode string) ([]branchRef, scmapi.EndpointStatus, error) {
	links, err := s.api.GetRepositoryLinks(ctx, scmRepository(repo))
	if err != nil {
		return nil, scmapi.EndpointStatusUnknown, err
	}
	if links.Status != scmapi.EndpointStatusOK {
		return nil, links.Status, nil
	}

	fallback := []branchRef{{Name: activity.DefaultBranchLabel, URL: links.ChangesetsURL}}
	if mode == BranchModeDefault || links.BranchesURL == "" {
		return fallback, scmapi.EndpointStatusOK, nil
	}

	listed, err := s.api.ListBranches(ctx, links.BranchesURL)
	if err != nil {
		return fallback, scmapi.EndpointStatusUnknown, err
	}
	if listed.Status != scmapi.EndpointStatusOK {
		return fallback, listed.Status, nil
	}
	if len(listed.Branches) == 0 {
		return fallback, scmapi.EndpointStatusOK, nil
	}

	branches := make([]branchRef, 0, len(listed.Branches))
	for _, branch := range listed.Branches {
		branches = append(branches, branchRef{Name: branch.Name, Ref: branch.Name, URL: links.ChangesetsURL})
	}
	return branches, scmapi.EndpointStatusOK, nil
}

func (s scmManagerSource) listCommits(ctx context.Context, repo repoRef, branch branchRef, since time.Time, maxCommits int) (scmapi.CommitListResult, error) {
	return s.api.ListChangesets(ctx, scmRepository(repo), branch.URL, branch.Ref, since, maxCommits)
}

func (s scmManagerSource) changeCounts(ctx context.Context, _ repoRef, commit scmapi.Commit) (scmapi.ChangeCountsResult, error) {
	return s.api.GetDiffCounts(ctx, commit.DiffURL)
}

func scmRepository(repo repoRef) scmapi.SCMRepository {
	return scmapi.SCMRepository{Namespace: repo.Project, Name: repo.Name}
}

type gitHubSource struct {
	api  GitHubAPI
	orgs []string
}

// listRepos lists every configured organization; one failing organization fails the source.
func (s gitHubSource) listRepos(ctx context.Context) ([]repoRef, scmapi.EndpointStatus, error) {
	var repos []repoRef
	for _, org := range s.orgs {
		listed, err := s.api.ListOrgRepos(ctx, org)
		if err != nil {
			return nil, scmapi.EndpointStatusUnknown, fmt.Errorf("org %q: %w", org, err)
		}
		if listed.Status != scmapi.EndpointStatusOK {
			return nil, listed.Status, nil
		}
		for _, repo := range listed.Repos {
			repos = append(repos, repoRef{Project: repo.Owner, Name: repo.Name, DefaultBranch: repo.DefaultBranch})
		}
	}
	return repos, scmapi.EndpointStatusOK, nil
}

func (s gitHubSource) listBranches(ctx context.Context, repo repoRef, mode string) ([]branchRef, scmapi.EndpointStatus, error) {
	if mode == BranchModeDefault {
		if repo.DefaultBranch == "" {
			return []branchRef{{Name: activity.DefaultBranchLabel}}, scmapi.EndpointStatusOK, nil
		}
		return []branchRef{{Name: repo.DefaultBranch, Ref: repo.DefaultBranch}}, scmapi.EndpointStatusOK, nil
	}

	listed, err := s.api.ListBranches(ctx, repo.Project, repo.Name)
	if err != nil {
		return nil, scmapi.EndpointStatusUnknown, err
	}
	branches := make([]branchRef, 0, len(listed.Branches))
	for _, branch := range listed.Branches {
		branches = append(branches, branchRef{Name: branch.Name, Ref: branch.Name})
	}
	return branches, listed.Status, nil
}

func (s gitHubSource) listCommits(ctx context.Context, repo repoRef, branch branchRef, since time.Time, maxCommits int) (scmapi.CommitListResult, error) {
	return s.api.ListCommits(ctx, repo.Project, repo.Name, branch.Ref, since, maxCommits)
}

func (s gitHubSource) changeCounts(ctx context.Context, repo repoRef, commit scmapi.Commit) (scmapi.ChangeCountsResult, error) {
	return s.api.GetCommitCounts(ctx, repo.Project, repo.Name, commit.ID)
}
