// Package jira implements [adapter.IssueTracker] against the Jira Cloud REST
// API v3.
package jira

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sdlcflow/internal/adapter"
)

const service = "jira"

// Config holds Jira connection settings.
type Config struct {
	URL        string `mapstructure:"url"`
	Email      string `mapstructure:"email"`
	APIToken   string `mapstructure:"api_token"`
	ProjectKey string `mapstructure:"project_key"`
	// EpicIssueType is the issue type used for feature epics.
	EpicIssueType string `mapstructure:"epic_issue_type"`
	// LinkType names the issue link joining a story to its epic.
	LinkType string `mapstructure:"link_type"`
}

// Client is a Jira issue tracker.
type Client struct {
	cfg  Config
	http *adapter.JSONClient
}

var _ adapter.IssueTracker = (*Client)(nil)

// New creates a Client.
func New(cfg Config, retry adapter.RetryPolicy, timeout time.Duration) *Client {
	if cfg.EpicIssueType == "" {
		cfg.EpicIssueType = "Epic"
	}
	if cfg.LinkType == "" {
		cfg.LinkType = "Relates"
	}
	return &Client{
		cfg: cfg,
		http: &adapter.JSONClient{
			Service: service,
			BaseURL: strings.TrimRight(cfg.URL, "/") + "/rest/api/3",
			HTTP:    adapter.NewHTTPClient(timeout),
			Retry:   retry,
			Authorize: func(r *http.Request) {
				r.SetBasicAuth(cfg.Email, cfg.APIToken)
			},
		},
	}
}

type issueFields struct {
	Project     keyRef   `json:"project"`
	Summary     string   `json:"summary"`
	Description *doc     `json:"description,omitempty"`
	IssueType   nameRef  `json:"issuetype"`
	Labels      []string `json:"labels,omitempty"`
}

type keyRef struct {
	Key string `json:"key"`
}

type nameRef struct {
	Name string `json:"name"`
}

type createIssueRequest struct {
	Fields issueFields `json:"fields"`
}

type createIssueResponse struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

func (c *Client) browseURL(key string) string {
	return strings.TrimRight(c.cfg.URL, "/") + "/browse/" + key
}

func (c *Client) createIssue(ctx context.Context, fields issueFields) (adapter.Issue, error) {
	fields.Project = keyRef{Key: c.cfg.ProjectKey}
	var resp createIssueResponse
	if err := c.http.Do(ctx, http.MethodPost, "issue", createIssueRequest{Fields: fields}, &resp); err != nil {
		return adapter.Issue{}, err
	}
	if resp.Key == "" {
		return adapter.Issue{}, adapter.Permanent(service, "create issue", fmt.Errorf("response has no issue key"))
	}
	return adapter.Issue{Key: resp.Key, URL: c.browseURL(resp.Key)}, nil
}

// CreateEpic implements [adapter.IssueTracker].
func (c *Client) CreateEpic(ctx context.Context, title, description string) (adapter.Issue, error) {
	return c.createIssue(ctx, issueFields{
		Summary:     title,
		Description: paragraphs(description),
		IssueType:   nameRef{Name: c.cfg.EpicIssueType},
		Labels:      []string{"feature"},
	})
}

// CreateStory implements [adapter.IssueTracker].
//
// The story is labeled parent-<epic> and then linked to the epic. The link
// is best effort: once the story exists its key must reach the caller, and
// the label already records the relationship.
func (c *Client) CreateStory(ctx context.Context, linkedTo string, story adapter.StoryInput) (adapter.Issue, error) {
	labels := append([]string(nil), story.Labels...)
	if linkedTo != "" {
		labels = append(labels, "parent-"+linkedTo)
	}

	body := paragraphs(story.Description)
	if len(story.AcceptanceCriteria) > 0 {
		body.Content = append(body.Content, heading("Acceptance Criteria"), bulletList(story.AcceptanceCriteria))
	}

	issue, err := c.createIssue(ctx, issueFields{
		Summary:     story.Title,
		Description: body,
		IssueType:   nameRef{Name: "Story"},
		Labels:      labels,
	})
	if err != nil {
		return adapter.Issue{}, err
	}

	if linkedTo != "" {
		_ = c.http.Do(ctx, http.MethodPost, "issueLink", map[string]any{
			"type":         nameRef{Name: c.cfg.LinkType},
			"inwardIssue":  keyRef{Key: issue.Key},
			"outwardIssue": keyRef{Key: linkedTo},
		}, nil)
	}
	return issue, nil
}

// CommentOn implements [adapter.IssueTracker].
func (c *Client) CommentOn(ctx context.Context, key, body string) error {
	return c.http.Do(ctx, http.MethodPost, "issue/"+url.PathEscape(key)+"/comment",
		map[string]any{"body": paragraphs(body)}, nil)
}

type transitionsResponse struct {
	Transitions []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		To   struct {
			Name string `json:"name"`
		} `json:"to"`
	} `json:"transitions"`
}

// UpdateStatus implements [adapter.IssueTracker].
//
// The transition is matched by name or target status, case-insensitively.
// An issue with no matching transition is left unchanged.
func (c *Client) UpdateStatus(ctx context.Context, key, status string) error {
	path := "issue/" + url.PathEscape(key) + "/transitions"
	var resp transitionsResponse
	if err := c.http.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	for _, t := range resp.Transitions {
		if strings.EqualFold(t.Name, status) || strings.EqualFold(t.To.Name, status) {
			return c.http.Do(ctx, http.MethodPost, path, map[string]any{
				"transition": map[string]string{"id": t.ID},
			}, nil)
		}
	}
	return nil
}
