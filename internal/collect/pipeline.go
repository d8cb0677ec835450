package collect

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
	"github.com/cam3ron2/scm-dev-kpi/internal/diffstat"
	"github.com/cam3ron2/scm-dev-kpi/internal/scmapi"
	"github.com/cam3ron2/scm-dev-kpi/internal/telemetry"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxWorkers bounds concurrent API calls per source.
	DefaultMaxWorkers = 12

	// BranchModeDefault scans only the default branch.
	BranchModeDefault = "default"
	// BranchModeAll scans every branch.
	BranchModeAll = "all"

	missReasonListBranches = "list_branches_failed"
	missReasonListCommits  = "list_commits_failed"
	missReasonNoBranch     = "default_branch_missing"
)

// Options tune one source collector.
type Options struct {
	// RepoAllowlist matches "project/repo" or bare repo names; empty or "*" allows all.
	RepoAllowlist []string
	BranchMode    string
	// MaxRepos and MaxCommitsPerRepo <= 0 disable the caps.
	MaxRepos          int
	MaxCommitsPerRepo int
	MaxWorkers        int
}

// repoRef is one repository as seen by the pipeline.
type repoRef struct {
	Project       string
	Name          string
	DefaultBranch string
}

func (r repoRef) fullName() string {
	return r.Project + "/" + r.Name
}

// branchRef is one branch to scan. Name is recorded on change records, Ref is what
// the server expects and URL is an optional server-provided listing link.
type branchRef struct {
	Name string
	Ref  string
	URL  string
}

// source is the server-specific part of a collector.
type source interface {
	listRepos(ctx context.Context) ([]repoRef, scmapi.EndpointStatus, error)
	// listBranches may return fallback branches together with a failure; the failure is
	// recorded as a miss and the fallback is still scanned.
	listBranches(ctx context.Context, repo repoRef, mode string) ([]branchRef, scmapi.EndpointStatus, error)
	listCommits(ctx context.Context, repo repoRef, branch branchRef, since time.Time, maxCommits int) (scmapi.CommitListResult, error)
	changeCounts(ctx context.Context, repo repoRef, commit scmapi.Commit) (scmapi.ChangeCountsResult, error)
}

// SourceCollector runs the shared collection pipeline over one source.
type SourceCollector struct {
	name    string
	source  source
	options Options
	cache   ChangeCache
}

func newSourceCollector(name string, src source, options Options, cache ChangeCache) *SourceCollector {
	if options.MaxWorkers <= 0 {
		options.MaxWorkers = DefaultMaxWorkers
	}
	if options.BranchMode != BranchModeAll {
		options.BranchMode = BranchModeDefault
	}
	return &SourceCollector{
		name:    strings.TrimSpace(name),
		source:  src,
		options: options,
		cache:   cache,
	}
}

// Name returns the configured source name.
func (c *SourceCollector) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Collect lists repositories, branches and commits inside window and attaches change
// counts to every commit.
func (c *SourceCollector) Collect(ctx context.Context, window activity.Window) (Result, error) {
	if c == nil || c.source == nil {
		return Result{}, fmt.Errorf("source collector is not initialized")
	}

	ctx, span := telemetry.StartSpan(ctx, "collect.source",
		attribute.String("source", c.name),
		attribute.String("branch_mode", c.options.BranchMode),
	)
	result, err := c.collect(ctx, window)
	if err == nil {
		span.SetAttributes(
			attribute.Int("repos", result.Summary.ReposProcessed),
			attribute.Int("records", result.Summary.RecordsProduced),
		)
	}
	telemetry.EndSpan(span, err)
	return result, err
}

type repoScan struct {
	repo      repoRef
	commits   []branchCommit
	missed    []MissedRepo
	branches  int
	listed    int
	truncated bool
	failed    bool
}

type branchCommit struct {
	branch string
	commit scmapi.Commit
}

type statsJob struct {
	key    string
	repo   repoRef
	commit scmapi.Commit
}

type statsOutcome struct {
	key    string
	counts diffstat.Counts
	method scmapi.ChangeCountMethod
	cached bool
	failed bool
}

func (c *SourceCollector) collect(ctx context.Context, window activity.Window) (Result, error) {
	tally := newRequestTally()

	repos, status, err := c.source.listRepos(ctx)
	tally.observe("list_repos", status, err)
	if err != nil {
		return Result{}, fmt.Errorf("list repositories for %q: %w", c.name, err)
	}
	if status != scmapi.EndpointStatusOK {
		return Result{}, fmt.Errorf("list repositories for %q returned status %q", c.name, status)
	}

	result := Result{
		Summary: Summary{
			ReposDiscovered: len(repos),
			Methods:         make(map[string]int),
		},
	}

	repos = filterRepositories(repos, c.options.RepoAllowlist)
	if c.options.MaxRepos > 0 && len(repos) > c.options.MaxRepos {
		repos = repos[:c.options.MaxRepos]
	}
	result.Summary.ReposTargeted = len(repos)

	scans := runPool(c.options.MaxWorkers, repos, func(repo repoRef) repoScan {
		return c.scanRepository(ctx, repo, window, tally)
	})

	jobs := make([]statsJob, 0)
	seenJobs := make(map[string]struct{})
	for _, scan := range scans {
		result.Missed = append(result.Missed, scan.missed...)
		result.Summary.BranchesScanned += scan.branches
		result.Summary.CommitsListed += scan.listed
		if scan.truncated {
			result.Summary.ReposTruncated++
		}
		if scan.failed {
			result.Summary.ReposFailed++
			continue
		}
		result.Summary.ReposProcessed++

		for _, entry := range scan.commits {
			key := ChangeCacheKey(c.name, scan.repo.Project, scan.repo.Name, entry.commit.ID)
			if _, ok := seenJobs[key]; ok {
				continue
			}
			seenJobs[key] = struct{}{}
			jobs = append(jobs, statsJob{key: key, repo: scan.repo, commit: entry.commit})
		}
	}

	stats := runPool(c.options.MaxWorkers, jobs, func(job statsJob) statsOutcome {
		return c.fetchCounts(ctx, job, tally)
	})
	countsByKey := make(map[string]diffstat.Counts, len(stats))
	for _, outcome := range stats {
		countsByKey[outcome.key] = outcome.counts
		switch {
		case outcome.cached:
			result.Summary.StatsCached++
		case outcome.failed:
			result.Summary.StatsFailed++
		default:
			result.Summary.StatsFetched++
			result.Summary.Methods[string(outcome.method)]++
		}
	}

	for _, scan := range scans {
		if scan.failed {
			continue
		}
		for _, entry := range scan.commits {
			counts := countsByKey[ChangeCacheKey(c.name, scan.repo.Project, scan.repo.Name, entry.commit.ID)]
			result.Records = append(result.Records, activity.ChangeRecord{
				Source:       c.name,
				Project:      scan.repo.Project,
				Repo:         scan.repo.Name,
				Branch:       entry.branch,
				Commit:       entry.commit.ID,
				Developer:    entry.commit.AuthorName,
				Email:        entry.commit.AuthorEmail,
				Timestamp:    entry.commit.Timestamp.UTC(),
				LinesAdded:   counts.Added,
				LinesRemoved: counts.Removed,
				FilesChanged: counts.Files,
			})
		}
	}

	result.Records = activity.SortChronologically(result.Records)
	sort.SliceStable(result.Missed, func(i, j int) bool {
		if result.Missed[i].Repo != result.Missed[j].Repo {
			return result.Missed[i].Repo < result.Missed[j].Repo
		}
		return result.Missed[i].Branch < result.Missed[j].Branch
	})
	result.Summary.RecordsProduced = len(result.Records)
	result.Summary.RequestTotals = tally.snapshot()
	return result, nil
}

func (c *SourceCollector) scanRepository(ctx context.Context, repo repoRef, window activity.Window, tally *requestTally) repoScan {
	scan := repoScan{repo: repo}

	branches, status, err := c.source.listBranches(ctx, repo, c.options.BranchMode)
	tally.observe("list_branches", status, err)
	if err != nil || status != scmapi.EndpointStatusOK {
		reason := missReasonListBranches
		if status == scmapi.EndpointStatusNotFound && c.options.BranchMode == BranchModeDefault {
			reason = missReasonNoBranch
		}
		scan.missed = append(scan.missed, c.missed(repo, "", reason, status, err))
		if len(branches) == 0 {
			scan.failed = true
			return scan
		}
	}

	for _, branch := range branches {
		if ctx.Err() != nil {
			scan.missed = append(scan.missed, c.missed(repo, branch.Name, missReasonListCommits, scmapi.EndpointStatusUnknown, ctx.Err()))
			continue
		}
		listed, err := c.source.listCommits(ctx, repo, branch, window.Since, c.options.MaxCommitsPerRepo)
		tally.observe("list_commits", listed.Status, err)
		if err != nil || listed.Status != scmapi.EndpointStatusOK {
			scan.missed = append(scan.missed, c.missed(repo, branch.Name, missReasonListCommits, listed.Status, err))
			continue
		}

		scan.branches++
		scan.listed += len(listed.Commits)
		if listed.Truncated {
			scan.truncated = true
		}
		for _, commit := range listed.Commits {
			if commit.ID == "" || !window.Contains(commit.Timestamp) {
				continue
			}
			scan.commits = append(scan.commits, branchCommit{branch: branch.Name, commit: commit})
		}
	}
	return scan
}

func (c *SourceCollector) fetchCounts(ctx context.Context, job statsJob, tally *requestTally) statsOutcome {
	outcome := statsOutcome{key: job.key}

	if c.cache != nil {
		if counts, ok, err := c.cache.GetChangeCounts(ctx, job.key); err == nil && ok {
			outcome.counts = counts
			outcome.cached = true
			return outcome
		}
	}

	counted, err := c.source.changeCounts(ctx, job.repo, job.commit)
	if err != nil {
		tally.observe("change_counts", scmapi.EndpointStatusUnknown, err)
		outcome.failed = true
		return outcome
	}
	tally.observe("change_counts", scmapi.EndpointStatusOK, nil)

	outcome.counts = counted.Counts
	outcome.method = counted.Method
	if counted.Method != scmapi.ChangeCountNone && c.cache != nil {
		_ = c.cache.SetChangeCounts(ctx, job.key, counted.Counts)
	}
	return outcome
}

func (c *SourceCollector) missed(repo repoRef, branch, reason string, status scmapi.EndpointStatus, err error) MissedRepo {
	detail := reason
	switch {
	case err != nil:
		detail = reason + ": " + err.Error()
	case status != "" && status != scmapi.EndpointStatusOK:
		detail = reason + ": " + string(status)
	}
	return MissedRepo{
		Source: c.name,
		Repo:   repo.fullName(),
		Branch: branch,
		Reason: detail,
	}
}

// runPool runs work over items on at most workers goroutines and returns the
// outcomes in input order.
func runPool[J, O any](workers int, items []J, work func(J) O) []O {
	if len(items) == 0 {
		return nil
	}

	results := make([]O, len(items))
	var group errgroup.Group
	group.SetLimit(max(1, min(workers, len(items))))
	for idx, item := range items {
		group.Go(func() error {
			results[idx] = work(item)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func filterRepositories(repos []repoRef, allowlist []string) []repoRef {
	if len(repos) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, item := range allowlist {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			return append([]repoRef(nil), repos...)
		}
		allowed[strings.ToLower(trimmed)] = struct{}{}
	}
	if len(allowed) == 0 {
		return append([]repoRef(nil), repos...)
	}

	return lo.Filter(repos, func(repo repoRef, _ int) bool {
		if _, ok := allowed[strings.ToLower(repo.fullName())]; ok {
			return true
		}
		_, ok := allowed[strings.ToLower(repo.Name)]
		return ok
	})
}

// requestTally counts API calls per endpoint and status class.
type requestTally struct {
	mu       sync.Mutex
	requests map[string]int
}

func newRequestTally() *requestTally {
	return &requestTally{requests: make(map[string]int)}
}

func (t *requestTally) observe(endpoint string, status scmapi.EndpointStatus, err error) {
	class := endpointStatusClass(status)
	if err != nil {
		class = "error"
	}
	t.mu.Lock()
	t.requests[endpoint+"|"+class]++
	t.mu.Unlock()
}

func (t *requestTally) snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.requests))
	for key, value := range t.requests {
		out[key] = value
	}
	return out
}

func endpointStatusClass(status scmapi.EndpointStatus) string {
	switch status {
	case scmapi.EndpointStatusOK:
		return "2xx"
	case scmapi.EndpointStatusUnauthorized, scmapi.EndpointStatusForbidden,
		scmapi.EndpointStatusNotFound, scmapi.EndpointStatusNotAcceptable:
		return "4xx"
	case scmapi.EndpointStatusUnavailable:
		return "5xx"
	default:
		return "other"
	}
}
