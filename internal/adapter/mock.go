package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// failures holds one-shot errors queued per method name.
type failures struct {
	queued map[string][]error
	calls  map[string]int
}

func (f *failures) next(method string) error {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[method]++
	q := f.queued[method]
	if len(q) == 0 {
		return nil
	}
	f.queued[method] = q[1:]
	return q[0]
}

func (f *failures) push(method string, err error) {
	if f.queued == nil {
		f.queued = make(map[string][]error)
	}
	f.queued[method] = append(f.queued[method], err)
}

// MockTracker is an in-memory [IssueTracker] that records calls.
//
// Epic keys are E1, E2, ...; story keys are StoryPrefix followed by a
// counter (K1, K2, ... by default).
type MockTracker struct {
	mu sync.Mutex
	f  failures

	StoryPrefix string

	Epics    []string
	Stories  []StoryCall
	Comments []CommentCall
	Statuses []StatusCall
}

// StoryCall records one CreateStory call.
type StoryCall struct {
	Key     string
	EpicKey string
	Story   StoryInput
}

// CommentCall records one comment.
type CommentCall struct {
	Target string
	Body   string
}

// StatusCall records one status transition.
type StatusCall struct {
	Key    string
	Status string
}

var _ IssueTracker = (*MockTracker)(nil)

// FailNext makes the next call to method return err.
func (m *MockTracker) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.f.push(method, err)
}

// Calls returns how often method was invoked, including failed calls.
func (m *MockTracker) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.calls[method]
}

func (m *MockTracker) CreateEpic(ctx context.Context, title, description string) (Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.f.next("CreateEpic"); err != nil {
		return Issue{}, err
	}
	m.Epics = append(m.Epics, title)
	return Issue{Key: fmt.Sprintf("E%d", len(m.Epics))}, nil
}

func (m *MockTracker) CreateStory(ctx context.Context, linkedTo string, story StoryInput) (Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.f.next("CreateStory"); err != nil {
		return Issue{}, err
	}
	prefix := m.StoryPrefix
	if prefix == "" {
		prefix = "K"
	}
	key := fmt.Sprintf("%s%d", prefix, len(m.Stories)+1)
	m.Stories = append(m.Stories, StoryCall{Key: key, EpicKey: linkedTo, Story: story})
	return Issue{Key: key}, nil
}

func (m *MockTracker) CommentOn(ctx context.Context, key, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.f.next("CommentOn"); err != nil {
		return err
	}
	m.Comments = append(m.Comments, CommentCall{Target: key, Body: body})
	return nil
}

func (m *MockTracker) UpdateStatus(ctx context.Context, key, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.f.next("UpdateStatus"); err != nil {
		return err
	}
	m.Statuses = append(m.Statuses, StatusCall{Key: key, Status: status})
	return nil
}

// MockDocs is an in-memory [DocumentSpace] that records calls.
type MockDocs struct {
	mu sync.Mutex
	f  failures

	Created []PageCall
	Updated []PageCall
}

// PageCall records one page write.
type PageCall struct {
	ID       string
	ParentID string
	Title    string
	Body     string
}

var _ DocumentSpace = (*MockDocs)(nil)

// FailNext makes the next call to method return err.
func (m *MockDocs) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.f.push(method, err)
}

// Calls returns how often method was invoked.
func (m *MockDocs) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.calls[method]
}

func (m *MockDocs) CreatePage(ctx context.Context, parentID, title, body string) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.f.next("CreatePage"); err != nil {
		return Page{}, err
	}
	id := fmt.Sprintf("P%d", len(m.Created)+1)
	m.Created = append(m.Created, PageCall{ID: id, ParentID: parentID, Title: title, Body: body})
	return Page{ID: id}, nil
}

func (m *MockDocs) UpdatePage(ctx context.Context, pageID, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.f.next("UpdatePage"); err != nil {
		return err
	}
	m.Updated = append(m.Updated, PageCall{ID: pageID, Body: body})
	return nil
}

// MockNotifier records messages.
type MockNotifier struct {
	mu sync.Mutex
	f  failures

	Messages []Message
}

// Message is one recorded notification.
type Message struct {
	Channel string
	Text    string
}

var _ Notifier = (*MockNotifier)(nil)

// FailNext makes the next Send return err.
func (m *MockNotifier) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.f.push("Send", err)
}

func (m *MockNotifier) Send(ctx context.Context, channel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.f.next("Send"); err != nil {
		return err
	}
	m.Messages = append(m.Messages, Message{Channel: channel, Text: message})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockNotifier) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.Messages...)
}

// MockModel is a scripted [GenerationModel].
//
// Responses are returned in order; the last one repeats. Respond, when set,
// takes precedence. When Started is non-nil a value is sent on it as each
// call begins; when Release is non-nil each call then blocks until Release
// yields or the context ends.
type MockModel struct {
	mu sync.Mutex

	Responses []string
	Respond   func(prompt string) (string, error)
	Err       error

	Started chan struct{}
	Release chan struct{}

	Prompts []string
}

var _ GenerationModel = (*MockModel)(nil)

func (m *MockModel) Complete(ctx context.Context, prompt string, opts GenerateOptions) (Completion, error) {
	m.mu.Lock()
	m.Prompts = append(m.Prompts, prompt)
	n := len(m.Prompts)
	started, release := m.Started, m.Release
	m.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return Completion{}, &ModelError{Model: "mock", Err: ctx.Err()}
		}
	}

	if m.Err != nil {
		return Completion{}, m.Err
	}
	var text string
	if m.Respond != nil {
		var err error
		text, err = m.Respond(prompt)
		if err != nil {
			return Completion{}, err
		}
	} else if len(m.Responses) > 0 {
		i := n - 1
		if i >= len(m.Responses) {
			i = len(m.Responses) - 1
		}
		text = m.Responses[i]
	}
	return Completion{Text: text, Model: "mock", InputTokens: len(prompt) / 4, OutputTokens: len(text) / 4}, nil
}

// Calls returns how many completions were requested.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Prompts)
}

// MockSource is an in-memory [SourceHost].
type MockSource struct {
	mu sync.Mutex

	PRs       map[int]PullRequest
	PRFiles   map[int][]ChangedFile
	Diffs     map[int]string
	Commits   map[string][]ChangedFile
	Activity  Activity
	Err       error
	Comments  []CommentCall
	Issues    []string
	SinceSeen []time.Time
}

var _ SourceHost = (*MockSource)(nil)

func (m *MockSource) GetPullRequest(ctx context.Context, number int) (PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return PullRequest{}, m.Err
	}
	pr, ok := m.PRs[number]
	if !ok {
		return PullRequest{}, &PermanentError{Service: "mock", Op: "get pull request", StatusCode: 404, Err: fmt.Errorf("pull request %d not found", number)}
	}
	return pr, nil
}

func (m *MockSource) PullRequestFiles(ctx context.Context, number int) ([]ChangedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PRFiles[number], m.Err
}

func (m *MockSource) PullRequestDiff(ctx context.Context, number int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Diffs[number], m.Err
}

func (m *MockSource) CommitFiles(ctx context.Context, sha string) ([]ChangedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Commits[sha], m.Err
}

func (m *MockSource) CommentOnPullRequest(ctx context.Context, number int, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Comments = append(m.Comments, CommentCall{Target: fmt.Sprintf("#%d", number), Body: body})
	return fmt.Sprintf("c%d", len(m.Comments)), nil
}

func (m *MockSource) CommentOnCommit(ctx context.Context, sha, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Comments = append(m.Comments, CommentCall{Target: sha, Body: body})
	return fmt.Sprintf("c%d", len(m.Comments)), nil
}

func (m *MockSource) RecentActivity(ctx context.Context, since time.Time) (Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SinceSeen = append(m.SinceSeen, since)
	return m.Activity, m.Err
}

func (m *MockSource) CreateIssue(ctx context.Context, title, body string, labels []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	m.Issues = append(m.Issues, title)
	return len(m.Issues), nil
}

// MockDeployer records deployments and returns scripted results.
type MockDeployer struct {
	mu sync.Mutex

	// FailStep names a step that reports failure.
	FailStep string
	Err      error
	Calls    [][]DeployStep
}

var _ Deployer = (*MockDeployer)(nil)

func (m *MockDeployer) Deploy(ctx context.Context, environment string, steps []DeployStep) ([]StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, steps)
	if m.Err != nil {
		return nil, m.Err
	}
	var out []StepResult
	for _, s := range steps {
		ok := s.Name != m.FailStep
		out = append(out, StepResult{Name: s.Name, OK: ok, Output: "ran " + s.Command, Duration: time.Millisecond})
		if !ok {
			break
		}
	}
	return out, nil
}

// MockTestRunner records test runs and returns Results.
type MockTestRunner struct {
	mu sync.Mutex

	Results TestResults
	Err     error
	Calls   [][]TestFile
}

var _ TestRunner = (*MockTestRunner)(nil)

func (m *MockTestRunner) RunTests(ctx context.Context, files []TestFile) (TestResults, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, files)
	if m.Err != nil {
		return TestResults{}, m.Err
	}
	return m.Results, nil
}
