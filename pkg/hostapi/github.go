// Package hostapi is the source-host capability: workflow failure logs,
// repo file listings, and file content, served by the GitHub REST API.
package hostapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/anchapin/cifixd/pkg/errs"
	"github.com/anchapin/cifixd/pkg/graph"
	"github.com/anchapin/cifixd/pkg/models"
)

const (
	defaultBaseURL  = "https://api.github.com"
	requestTimeout  = 30 * time.Second
	requestAttempts = 3
)

// Config identifies one repository on one GitHub host. Token may be empty
// (public repos only, lower rate limits).
type Config struct {
	BaseURL string
	Owner   string
	Repo    string
	// Ref is the commit or branch file reads resolve against. Empty means
	// the repository's default branch.
	Ref   string
	Token string
}

// ParseRepoURL extracts owner and repo from an HTTPS repository URL such as
// https://github.com/owner/repo or https://github.com/owner/repo.git.
func ParseRepoURL(rawURL string) (owner, repo string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", errs.E(errs.KindConfig, "parse repo URL", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errs.Ef(errs.KindConfig, "repo URL %q has no owner/repo path", rawURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// GitHub implements the host surface the graph nodes consume.
type GitHub struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	fileCache map[string][]string // ref -> sorted tree paths
}

var _ graph.Host = (*GitHub)(nil)

// NewGitHub creates a host client for one repository.
func NewGitHub(cfg Config, logger *slog.Logger) *GitHub {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHub{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
		fileCache:  make(map[string][]string),
	}
}

type workflowRun struct {
	ID      int64  `json:"id"`
	HeadSHA string `json:"head_sha"`
}

type workflowJob struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Conclusion string `json:"conclusion"`
	HeadSHA    string `json:"head_sha"`
}

// FetchFailureLogs resolves the run's failed job and downloads its log.
//
// Strategy widens the job selection: "extended" accepts only jobs that
// concluded failure, searching the main run then its related runs;
// "any_error" also accepts cancelled and timed-out jobs; "force_latest"
// ignores the group and takes the repository's latest failed run.
func (g *GitHub) FetchFailureLogs(ctx context.Context, group models.RunGroup, strategy string) (*graph.FailureLogs, error) {
	runIDs := append([]int64{group.MainRunID}, group.RelatedRuns...)
	if strategy == graph.LogStrategyForceLatest {
		latest, err := g.latestFailedRun(ctx)
		if err != nil {
			return nil, err
		}
		runIDs = []int64{latest.ID}
	}

	for _, runID := range runIDs {
		jobs, err := g.listJobs(ctx, runID)
		if err != nil {
			return nil, err
		}
		job := selectJob(jobs, strategy)
		if job == nil {
			continue
		}
		logText, err := g.jobLogs(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		return &graph.FailureLogs{LogText: logText, HeadSHA: job.HeadSHA, JobName: job.Name}, nil
	}

	return nil, errs.Ef(errs.KindClient, "no failed job in runs %v (strategy %s)", runIDs, strategy)
}

// selectJob picks the first job matching the strategy's conclusion filter.
func selectJob(jobs []workflowJob, strategy string) *workflowJob {
	for i, job := range jobs {
		switch job.Conclusion {
		case "failure":
			return &jobs[i]
		case "cancelled", "timed_out":
			if strategy != graph.LogStrategyExtended {
				return &jobs[i]
			}
		}
	}
	return nil
}

func (g *GitHub) latestFailedRun(ctx context.Context) (*workflowRun, error) {
	var payload struct {
		WorkflowRuns []workflowRun `json:"workflow_runs"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/runs?status=failure&per_page=1", g.cfg.Owner, g.cfg.Repo)
	if err := g.getJSON(ctx, path, &payload); err != nil {
		return nil, err
	}
	if len(payload.WorkflowRuns) == 0 {
		return nil, errs.Ef(errs.KindClient, "repository %s/%s has no failed workflow runs", g.cfg.Owner, g.cfg.Repo)
	}
	return &payload.WorkflowRuns[0], nil
}

func (g *GitHub) listJobs(ctx context.Context, runID int64) ([]workflowJob, error) {
	var payload struct {
		Jobs []workflowJob `json:"jobs"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs?per_page=100", g.cfg.Owner, g.cfg.Repo, runID)
	if err := g.getJSON(ctx, path, &payload); err != nil {
		return nil, err
	}
	return payload.Jobs, nil
}

func (g *GitHub) jobLogs(ctx context.Context, jobID int64) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/jobs/%d/logs", g.cfg.Owner, g.cfg.Repo, jobID)
	body, err := g.getRaw(ctx, path, "")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// GetFileContent returns the raw content of a repo file at the configured ref.
func (g *GitHub) GetFileContent(ctx context.Context, filePath string) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/contents/%s", g.cfg.Owner, g.cfg.Repo, escapePath(filePath))
	if g.cfg.Ref != "" {
		path += "?ref=" + url.QueryEscape(g.cfg.Ref)
	}
	body, err := g.getRaw(ctx, path, "application/vnd.github.raw+json")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ListFiles lists all file paths in the repo tree at the configured ref.
// The listing is cached per ref for the client's lifetime.
func (g *GitHub) ListFiles(ctx context.Context) ([]string, error) {
	ref := g.cfg.Ref
	if ref == "" {
		ref = "HEAD"
	}

	g.mu.Lock()
	cached, ok := g.fileCache[ref]
	g.mu.Unlock()
	if ok {
		return cached, nil
	}

	var payload struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
		} `json:"tree"`
		Truncated bool `json:"truncated"`
	}
	path := fmt.Sprintf("/repos/%s/%s/git/trees/%s?recursive=1", g.cfg.Owner, g.cfg.Repo, url.PathEscape(ref))
	if err := g.getJSON(ctx, path, &payload); err != nil {
		return nil, err
	}
	if payload.Truncated {
		g.logger.Warn("Repo tree listing truncated", "repo", g.cfg.Repo, "ref", ref)
	}

	files := make([]string, 0, len(payload.Tree))
	for _, entry := range payload.Tree {
		if entry.Type == "blob" {
			files = append(files, entry.Path)
		}
	}

	g.mu.Lock()
	g.fileCache[ref] = files
	g.mu.Unlock()
	return files, nil
}

// FindClosestFile resolves a possibly inexact path against the repo tree.
// Exact match wins, then the shortest path with a matching suffix, then the
// shortest path with the same base name. Empty means nothing matched.
func (g *GitHub) FindClosestFile(ctx context.Context, filePath string) (string, error) {
	files, err := g.ListFiles(ctx)
	if err != nil {
		return "", err
	}
	return ClosestFile(filePath, files), nil
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// getJSON performs a GET and decodes the JSON response into out.
func (g *GitHub) getJSON(ctx context.Context, path string, out any) error {
	body, err := g.getRaw(ctx, path, "application/vnd.github.v3+json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.E(errs.KindInternal, "decode GitHub response", err)
	}
	return nil
}

// getRaw performs a GET with retry. 5xx responses and network failures are
// retried with exponential backoff; 4xx responses fail immediately.
func (g *GitHub) getRaw(ctx context.Context, path, accept string) ([]byte, error) {
	var body []byte
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+path, nil)
		if err != nil {
			return backoff.Permanent(errs.E(errs.KindInternal, "create request", err))
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		if g.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return errs.E(errs.KindTransport, "GitHub request failed", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return errs.Ef(errs.KindTransport, "GitHub returned HTTP %d for %s", resp.StatusCode, path)
		case resp.StatusCode >= 400:
			return backoff.Permanent(errs.Ef(errs.KindClient, "GitHub returned HTTP %d for %s", resp.StatusCode, path))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return errs.E(errs.KindTransport, "read GitHub response", err)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), requestAttempts-1), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return body, nil
}
