// Package adapter defines the external collaborators a stage talks to and
// the shared plumbing their implementations use.
//
// Interfaces:
//   - [IssueTracker] - epics, stories, comments and status transitions
//   - [DocumentSpace] - documentation pages
//   - [Notifier] - plain-text chat messages
//   - [GenerationModel] - text generation
//   - [SourceHost] - pull requests, commits and repository activity
//   - [Deployer] - runs deployment steps
//   - [TestRunner] - runs generated tests
//
// Implementations live in sub-packages (jira, confluence, slack, anthropic,
// claude, github, deploy, testrun). Transient failures are retried inside the adapter
// via [Do]; anything the adapter gives up on surfaces as [*PermanentError] or
// [*ModelError]. Callers never retry.
//
// For testing, the Mock* types implement every interface and record calls.
package adapter

import (
	"context"
	"time"
)

// Issue is a tracker issue reference.
type Issue struct {
	Key string
	URL string
}

// StoryInput describes a story to create under an epic.
type StoryInput struct {
	Title              string
	Description        string
	AcceptanceCriteria []string
	Labels             []string
}

// IssueTracker manages epics and stories in the project tracker.
type IssueTracker interface {
	// CreateEpic creates an epic and returns its key.
	CreateEpic(ctx context.Context, title, description string) (Issue, error)

	// CreateStory creates a story linked to the epic key linkedTo.
	CreateStory(ctx context.Context, linkedTo string, story StoryInput) (Issue, error)

	// CommentOn adds a comment to an issue.
	CommentOn(ctx context.Context, key, body string) error

	// UpdateStatus transitions an issue to the named status.
	UpdateStatus(ctx context.Context, key, status string) error
}

// Page is a documentation page reference.
type Page struct {
	ID  string
	URL string
}

// DocumentSpace publishes documentation pages.
type DocumentSpace interface {
	// CreatePage creates a page under parentID (empty for the space root).
	CreatePage(ctx context.Context, parentID, title, body string) (Page, error)

	// UpdatePage replaces the body of an existing page.
	UpdatePage(ctx context.Context, pageID, body string) error
}

// Notifier posts plain-text messages to a chat channel.
type Notifier interface {
	Send(ctx context.Context, channel, message string) error
}

// GenerateOptions tunes a single completion call.
type GenerateOptions struct {
	System      string
	MaxTokens   int
	Temperature float64
}

// Completion is the result of a generation call.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	// CostUSD is the estimated cost of the call, zero when unknown.
	CostUSD float64
}

// TotalTokens returns input plus output tokens.
func (c Completion) TotalTokens() int {
	return c.InputTokens + c.OutputTokens
}

// GenerationModel turns a prompt into text.
//
// Complete fails with [*ModelError]; by the time it returns the
// implementation has exhausted its own retries.
type GenerationModel interface {
	Complete(ctx context.Context, prompt string, opts GenerateOptions) (Completion, error)
}

// PullRequest is the subset of pull request data stages consume.
type PullRequest struct {
	Number  int
	Title   string
	Body    string
	Branch  string
	BaseRef string
	HeadSHA string
	Merged  bool
	URL     string
}

// ChangedFile is one file touched by a commit or pull request.
type ChangedFile struct {
	Path   string
	Status string
	Patch  string
}

// Activity is repository activity within a time window.
type Activity struct {
	OpenIssues   int
	ClosedIssues int
	OpenPRs      int
	MergedPRs    int
	// Titles of merged pull requests and closed issues, newest first.
	Completed []string
	// Titles of open pull requests.
	InProgress []string
}

// SourceHost reads pull requests and commits and posts review comments.
type SourceHost interface {
	GetPullRequest(ctx context.Context, number int) (PullRequest, error)
	PullRequestFiles(ctx context.Context, number int) ([]ChangedFile, error)
	PullRequestDiff(ctx context.Context, number int) (string, error)
	CommitFiles(ctx context.Context, sha string) ([]ChangedFile, error)
	CommentOnPullRequest(ctx context.Context, number int, body string) (string, error)
	CommentOnCommit(ctx context.Context, sha, body string) (string, error)
	RecentActivity(ctx context.Context, since time.Time) (Activity, error)
	CreateIssue(ctx context.Context, title, body string, labels []string) (int, error)
}

// DeployStep is one configured deployment command.
type DeployStep struct {
	Name    string
	Command string
}

// StepResult is the outcome of one deployment step.
type StepResult struct {
	Name     string
	OK       bool
	Output   string
	Duration time.Duration
}

// Deployer runs deployment steps in order, stopping at the first failure.
type Deployer interface {
	Deploy(ctx context.Context, environment string, steps []DeployStep) ([]StepResult, error)
}

// TestFile is one generated test file handed to a [TestRunner].
type TestFile struct {
	Path    string
	Content string
}

// TestResults counts the outcome of one test run.
type TestResults struct {
	Passed   int
	Failed   int
	Errors   int
	Output   string
	Duration time.Duration
}

// Total is the number of counted tests.
func (r TestResults) Total() int {
	return r.Passed + r.Failed + r.Errors
}

// TestRunner runs generated test files and counts the results. Failing
// tests are results, not errors; an error means the run itself could not
// happen.
type TestRunner interface {
	RunTests(ctx context.Context, files []TestFile) (TestResults, error)
}
