// Package confluence implements [adapter.DocumentSpace] against the
// Confluence Cloud content API.
package confluence

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sdlcflow/internal/adapter"
)

const service = "confluence"

// Config holds Confluence connection settings.
type Config struct {
	URL      string `mapstructure:"url"`
	Email    string `mapstructure:"email"`
	APIToken string `mapstructure:"api_token"`
	SpaceKey string `mapstructure:"space_key"`
	// ParentPageID is the default parent for pages created without one.
	ParentPageID string `mapstructure:"parent_page_id"`
}

// Client is a Confluence document space.
type Client struct {
	cfg  Config
	http *adapter.JSONClient
}

var _ adapter.DocumentSpace = (*Client)(nil)

// New creates a Client.
func New(cfg Config, retry adapter.RetryPolicy, timeout time.Duration) *Client {
	return &Client{
		cfg: cfg,
		http: &adapter.JSONClient{
			Service: service,
			BaseURL: strings.TrimRight(cfg.URL, "/") + "/rest/api",
			HTTP:    adapter.NewHTTPClient(timeout),
			Retry:   retry,
			Authorize: func(r *http.Request) {
				r.SetBasicAuth(cfg.Email, cfg.APIToken)
			},
		},
	}
}

type storage struct {
	Value          string `json:"value"`
	Representation string `json:"representation"`
}

type body struct {
	Storage storage `json:"storage"`
}

type idRef struct {
	ID string `json:"id"`
}

type content struct {
	ID        string            `json:"id,omitempty"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Space     map[string]string `json:"space,omitempty"`
	Ancestors []idRef           `json:"ancestors,omitempty"`
	Body      *body             `json:"body,omitempty"`
	Version   *version          `json:"version,omitempty"`
}

type version struct {
	Number int `json:"number"`
}

func (c *Client) pageURL(id string) string {
	return strings.TrimRight(c.cfg.URL, "/") + "/pages/viewpage.action?pageId=" + url.QueryEscape(id)
}

// CreatePage implements [adapter.DocumentSpace]. The body is markdown.
func (c *Client) CreatePage(ctx context.Context, parentID, title, markdown string) (adapter.Page, error) {
	if parentID == "" {
		parentID = c.cfg.ParentPageID
	}
	req := content{
		Type:  "page",
		Title: title,
		Space: map[string]string{"key": c.cfg.SpaceKey},
		Body:  &body{Storage: storage{Value: ToStorage(markdown), Representation: "storage"}},
	}
	if parentID != "" {
		req.Ancestors = []idRef{{ID: parentID}}
	}

	var resp content
	if err := c.http.Do(ctx, http.MethodPost, "content", req, &resp); err != nil {
		return adapter.Page{}, err
	}
	if resp.ID == "" {
		return adapter.Page{}, adapter.Permanent(service, "create page", fmt.Errorf("response has no page id"))
	}
	return adapter.Page{ID: resp.ID, URL: c.pageURL(resp.ID)}, nil
}

// UpdatePage implements [adapter.DocumentSpace], bumping the page version.
func (c *Client) UpdatePage(ctx context.Context, pageID, markdown string) error {
	path := "content/" + url.PathEscape(pageID)

	var current content
	if err := c.http.Do(ctx, http.MethodGet, path+"?expand=version", nil, &current); err != nil {
		return err
	}
	next := 1
	if current.Version != nil {
		next = current.Version.Number + 1
	}

	return c.http.Do(ctx, http.MethodPut, path, content{
		Type:    "page",
		Title:   current.Title,
		Body:    &body{Storage: storage{Value: ToStorage(markdown), Representation: "storage"}},
		Version: &version{Number: next},
	}, nil)
}
