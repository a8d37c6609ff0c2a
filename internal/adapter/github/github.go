// Package github implements [adapter.SourceHost] against the GitHub REST API.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"sdlcflow/internal/adapter"
)

const (
	defaultAPIURL = "https://api.github.com"
	pageSize      = 100
)

// Config identifies the repository and credentials.
type Config struct {
	APIURL     string `mapstructure:"api_url"`
	Token      string `mapstructure:"token"`
	Repository string `mapstructure:"repository"`
	// WebhookSecret verifies inbound webhook deliveries.
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// Client is a GitHub source host for one repository.
type Client struct {
	cfg  Config
	http *adapter.JSONClient
}

var _ adapter.SourceHost = (*Client)(nil)

// New creates a Client.
func New(cfg Config, retry adapter.RetryPolicy, timeout time.Duration) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	return &Client{
		cfg: cfg,
		http: &adapter.JSONClient{
			Service: "github",
			BaseURL: strings.TrimRight(cfg.APIURL, "/") + "/repos/" + cfg.Repository,
			HTTP:    adapter.NewHTTPClient(timeout),
			Retry:   retry,
			Authorize: func(r *http.Request) {
				if cfg.Token != "" {
					r.Header.Set("Authorization", "Bearer "+cfg.Token)
				}
				if r.Header.Get("Accept") == "application/json" {
					r.Header.Set("Accept", "application/vnd.github+json")
				}
				r.Header.Set("X-GitHub-Api-Version", "2022-11-28")
			},
		},
	}
}

type ref struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type pullRequest struct {
	Number   int        `json:"number"`
	Title    string     `json:"title"`
	Body     string     `json:"body"`
	State    string     `json:"state"`
	HTMLURL  string     `json:"html_url"`
	Merged   bool       `json:"merged"`
	MergedAt *time.Time `json:"merged_at"`
	Head     ref        `json:"head"`
	Base     ref        `json:"base"`
}

func (p pullRequest) toAdapter() adapter.PullRequest {
	return adapter.PullRequest{
		Number:  p.Number,
		Title:   p.Title,
		Body:    p.Body,
		Branch:  p.Head.Ref,
		BaseRef: p.Base.Ref,
		HeadSHA: p.Head.SHA,
		Merged:  p.Merged || p.MergedAt != nil,
		URL:     p.HTMLURL,
	}
}

type file struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Patch    string `json:"patch"`
}

func toChanged(files []file) []adapter.ChangedFile {
	out := make([]adapter.ChangedFile, 0, len(files))
	for _, f := range files {
		out = append(out, adapter.ChangedFile{Path: f.Filename, Status: f.Status, Patch: f.Patch})
	}
	return out
}

// GetPullRequest implements [adapter.SourceHost].
func (c *Client) GetPullRequest(ctx context.Context, number int) (adapter.PullRequest, error) {
	var pr pullRequest
	if err := c.http.Do(ctx, http.MethodGet, "pulls/"+strconv.Itoa(number), nil, &pr); err != nil {
		return adapter.PullRequest{}, err
	}
	return pr.toAdapter(), nil
}

// PullRequestFiles implements [adapter.SourceHost].
func (c *Client) PullRequestFiles(ctx context.Context, number int) ([]adapter.ChangedFile, error) {
	var files []file
	path := fmt.Sprintf("pulls/%d/files?per_page=%d", number, pageSize)
	if err := c.http.Do(ctx, http.MethodGet, path, nil, &files); err != nil {
		return nil, err
	}
	return toChanged(files), nil
}

// PullRequestDiff implements [adapter.SourceHost].
func (c *Client) PullRequestDiff(ctx context.Context, number int) (string, error) {
	body, err := c.http.Raw(ctx, http.MethodGet, "pulls/"+strconv.Itoa(number),
		http.Header{"Accept": {"application/vnd.github.v3.diff"}})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// CommitFiles implements [adapter.SourceHost].
func (c *Client) CommitFiles(ctx context.Context, sha string) ([]adapter.ChangedFile, error) {
	var commit struct {
		Files []file `json:"files"`
	}
	if err := c.http.Do(ctx, http.MethodGet, "commits/"+url.PathEscape(sha), nil, &commit); err != nil {
		return nil, err
	}
	return toChanged(commit.Files), nil
}

type comment struct {
	ID      int64  `json:"id"`
	HTMLURL string `json:"html_url"`
}

// CommentOnPullRequest implements [adapter.SourceHost].
func (c *Client) CommentOnPullRequest(ctx context.Context, number int, body string) (string, error) {
	var resp comment
	if err := c.http.Do(ctx, http.MethodPost, fmt.Sprintf("issues/%d/comments", number), map[string]string{"body": body}, &resp); err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.ID, 10), nil
}

// CommentOnCommit implements [adapter.SourceHost].
func (c *Client) CommentOnCommit(ctx context.Context, sha, body string) (string, error) {
	var resp comment
	if err := c.http.Do(ctx, http.MethodPost, "commits/"+url.PathEscape(sha)+"/comments", map[string]string{"body": body}, &resp); err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.ID, 10), nil
}

// CreateIssue implements [adapter.SourceHost].
func (c *Client) CreateIssue(ctx context.Context, title, body string, labels []string) (int, error) {
	var resp struct {
		Number int `json:"number"`
	}
	req := map[string]any{"title": title, "body": body}
	if len(labels) > 0 {
		req["labels"] = labels
	}
	if err := c.http.Do(ctx, http.MethodPost, "issues", req, &resp); err != nil {
		return 0, err
	}
	return resp.Number, nil
}

type issue struct {
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	State       string     `json:"state"`
	ClosedAt    *time.Time `json:"closed_at"`
	PullRequest *struct{}  `json:"pull_request"`
}

// RecentActivity implements [adapter.SourceHost]. Open counts are current;
// closed issues and merged pull requests are those closed after since.
func (c *Client) RecentActivity(ctx context.Context, since time.Time) (adapter.Activity, error) {
	var openIssues, closedIssues []issue
	var openPRs, closedPRs []pullRequest
	sinceParam := url.QueryEscape(since.UTC().Format(time.RFC3339))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.http.Do(ctx, http.MethodGet, fmt.Sprintf("issues?state=open&per_page=%d", pageSize), nil, &openIssues)
	})
	g.Go(func() error {
		return c.http.Do(ctx, http.MethodGet, fmt.Sprintf("issues?state=closed&since=%s&per_page=%d", sinceParam, pageSize), nil, &closedIssues)
	})
	g.Go(func() error {
		return c.http.Do(ctx, http.MethodGet, fmt.Sprintf("pulls?state=open&per_page=%d", pageSize), nil, &openPRs)
	})
	g.Go(func() error {
		return c.http.Do(ctx, http.MethodGet, fmt.Sprintf("pulls?state=closed&sort=updated&direction=desc&per_page=%d", pageSize), nil, &closedPRs)
	})
	if err := g.Wait(); err != nil {
		return adapter.Activity{}, err
	}

	var a adapter.Activity
	for _, is := range openIssues {
		if is.PullRequest == nil {
			a.OpenIssues++
		}
	}
	for _, is := range closedIssues {
		if is.PullRequest == nil && is.ClosedAt != nil && !is.ClosedAt.Before(since) {
			a.ClosedIssues++
			a.Completed = append(a.Completed, fmt.Sprintf("Issue #%d: %s", is.Number, is.Title))
		}
	}
	a.OpenPRs = len(openPRs)
	for _, pr := range openPRs {
		a.InProgress = append(a.InProgress, fmt.Sprintf("PR #%d: %s", pr.Number, pr.Title))
	}
	for _, pr := range closedPRs {
		if pr.MergedAt != nil && !pr.MergedAt.Before(since) {
			a.MergedPRs++
			a.Completed = append(a.Completed, fmt.Sprintf("PR #%d: %s", pr.Number, pr.Title))
		}
	}
	return a, nil
}
