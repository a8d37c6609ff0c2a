// Package trigger turns inbound source-host events into stage runs.
//
// Events arrive either as webhook deliveries (see package webhook) or, on CI
// runners, as an event file named by GITHUB_EVENT_NAME and GITHUB_EVENT_PATH.
// [Parse] normalizes both into an [Event]; a [Dispatcher] routes it to the
// executor.
package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// ErrIgnored marks a well-formed event that starts no stage, such as a ping
// or a closed but unmerged pull request.
var ErrIgnored = errors.New("event ignored")

// ErrMalformedEvent indicates an event payload that cannot be decoded.
var ErrMalformedEvent = errors.New("malformed event")

// Kind names a normalized event.
type Kind string

const (
	KindIssueOpened   Kind = "issue.opened"
	KindPush          Kind = "push"
	KindPROpened      Kind = "pull_request.opened"
	KindPRSynchronize Kind = "pull_request.synchronize"
	KindPRMerged      Kind = "pull_request.merged"
	KindSchedule      Kind = "schedule"
)

// Event is a normalized trigger.
type Event struct {
	Kind Kind

	// Issue fields, set for issue.opened.
	IssueNumber int
	Title       string
	Body        string

	// Branch is the pushed branch or the pull request head branch.
	Branch    string
	CommitSHA string

	// Pull request fields.
	PRNumber int
	PRTitle  string
	PRBody   string

	// Delivery is the webhook delivery id, when known.
	Delivery string
	Received time.Time
}

func (e *Event) String() string {
	switch e.Kind {
	case KindIssueOpened:
		return fmt.Sprintf("%s #%d", e.Kind, e.IssueNumber)
	case KindPush:
		return fmt.Sprintf("%s %s@%s", e.Kind, e.Branch, shortSHA(e.CommitSHA))
	case KindPROpened, KindPRSynchronize, KindPRMerged:
		return fmt.Sprintf("%s #%d (%s)", e.Kind, e.PRNumber, e.Branch)
	}
	return string(e.Kind)
}

type issuesPayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number      int             `json:"number"`
		Title       string          `json:"title"`
		Body        string          `json:"body"`
		PullRequest json.RawMessage `json:"pull_request"`
	} `json:"issue"`
}

type pushPayload struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Merged bool   `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
}

// Parse decodes a GitHub event of type name.
//
// Supported: issues (opened), push to a branch, pull_request (opened,
// reopened, synchronize, closed with merged=true) and schedule. Any other
// event or action returns an error wrapping [ErrIgnored].
func Parse(name string, payload []byte) (*Event, error) {
	switch name {
	case "issues":
		var p issuesPayload
		if err := decode(name, payload, &p); err != nil {
			return nil, err
		}
		if p.Action != "opened" {
			return nil, fmt.Errorf("%w: issues.%s", ErrIgnored, p.Action)
		}
		if len(p.Issue.PullRequest) > 0 && string(p.Issue.PullRequest) != "null" {
			return nil, fmt.Errorf("%w: issue #%d is a pull request", ErrIgnored, p.Issue.Number)
		}
		if p.Issue.Number <= 0 {
			return nil, fmt.Errorf("%w: issue without number", ErrMalformedEvent)
		}
		return &Event{Kind: KindIssueOpened, IssueNumber: p.Issue.Number, Title: p.Issue.Title, Body: p.Issue.Body}, nil

	case "push":
		var p pushPayload
		if err := decode(name, payload, &p); err != nil {
			return nil, err
		}
		branch, ok := strings.CutPrefix(p.Ref, "refs/heads/")
		if !ok {
			return nil, fmt.Errorf("%w: push to %s", ErrIgnored, p.Ref)
		}
		if p.Deleted || strings.Trim(p.After, "0") == "" {
			return nil, fmt.Errorf("%w: branch %s deleted", ErrIgnored, branch)
		}
		return &Event{Kind: KindPush, Branch: branch, CommitSHA: p.After}, nil

	case "pull_request":
		var p pullRequestPayload
		if err := decode(name, payload, &p); err != nil {
			return nil, err
		}
		pr := p.PullRequest
		if pr.Number == 0 {
			pr.Number = p.Number
		}
		ev := &Event{
			PRNumber:  pr.Number,
			PRTitle:   pr.Title,
			PRBody:    pr.Body,
			Branch:    pr.Head.Ref,
			CommitSHA: pr.Head.SHA,
		}
		switch {
		case p.Action == "opened" || p.Action == "reopened":
			ev.Kind = KindPROpened
		case p.Action == "synchronize":
			ev.Kind = KindPRSynchronize
		case p.Action == "closed" && pr.Merged:
			ev.Kind = KindPRMerged
		default:
			return nil, fmt.Errorf("%w: pull_request.%s", ErrIgnored, p.Action)
		}
		return ev, nil

	case "schedule":
		return &Event{Kind: KindSchedule}, nil
	}
	return nil, fmt.Errorf("%w: %s event", ErrIgnored, name)
}

func decode(name string, payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, name, err)
	}
	return nil
}

// FromEnv reads the event a CI runner provides through GITHUB_EVENT_NAME and
// GITHUB_EVENT_PATH. A schedule event needs no payload file.
func FromEnv(fs afero.Fs, getenv func(string) string) (*Event, error) {
	name := getenv("GITHUB_EVENT_NAME")
	if name == "" {
		return nil, fmt.Errorf("%w: GITHUB_EVENT_NAME is not set", ErrMalformedEvent)
	}
	if name == "schedule" {
		return &Event{Kind: KindSchedule}, nil
	}
	path := getenv("GITHUB_EVENT_PATH")
	if path == "" {
		return nil, fmt.Errorf("%w: GITHUB_EVENT_PATH is not set", ErrMalformedEvent)
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read event file: %w", err)
	}
	return Parse(name, data)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
