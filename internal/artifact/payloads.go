package artifact

import (
	"fmt"
	"time"

	"sdlcflow/internal/pipeline"
)

// Complexity sizes, as estimated by the analysis stage.
const (
	ComplexityS  = "S"
	ComplexityM  = "M"
	ComplexityL  = "L"
	ComplexityXL = "XL"
)

// Story is one user story extracted from a requirement.
type Story struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// Analysis is the output of the analysis stage.
type Analysis struct {
	Summary    string  `json:"summary"`
	Markdown   string  `json:"analysis"`
	Complexity string  `json:"complexity,omitempty"`
	Stories    []Story `json:"stories"`
}

func (*Analysis) Stage() pipeline.Stage { return pipeline.StageAnalysis }

func (a *Analysis) Validate() error {
	if a.Summary == "" {
		return malformed(a.Stage(), "summary is required")
	}
	if len(a.Stories) == 0 {
		return malformed(a.Stage(), "at least one story is required")
	}
	for i, s := range a.Stories {
		if s.Title == "" {
			return malformed(a.Stage(), "story %d has no title", i+1)
		}
	}
	switch a.Complexity {
	case "", ComplexityS, ComplexityM, ComplexityL, ComplexityXL:
	default:
		return malformed(a.Stage(), "unknown complexity %q", a.Complexity)
	}
	return nil
}

// Assignment places one story in the sprint.
type Assignment struct {
	StoryKey string `json:"story_key"`
	Points   int    `json:"points"`
	Priority int    `json:"priority"`
	Assignee string `json:"assignee,omitempty"`
}

// SprintPlan is the output of the sprint-planning stage.
type SprintPlan struct {
	Goal           string       `json:"goal"`
	TeamSize       int          `json:"team_size,omitempty"`
	CapacityPoints int          `json:"capacity_points,omitempty"`
	Assignments    []Assignment `json:"assignments"`
	Markdown       string       `json:"markdown,omitempty"`
}

func (*SprintPlan) Stage() pipeline.Stage { return pipeline.StageSprintPlanning }

func (p *SprintPlan) Validate() error {
	if p.Goal == "" {
		return malformed(p.Stage(), "goal is required")
	}
	if len(p.Assignments) == 0 {
		return malformed(p.Stage(), "at least one assignment is required")
	}
	seen := make(map[string]bool, len(p.Assignments))
	for _, a := range p.Assignments {
		if a.StoryKey == "" {
			return malformed(p.Stage(), "assignment without story key")
		}
		if seen[a.StoryKey] {
			return malformed(p.Stage(), "story %s assigned twice", a.StoryKey)
		}
		if a.Points < 0 {
			return malformed(p.Stage(), "story %s has negative points", a.StoryKey)
		}
		seen[a.StoryKey] = true
	}
	return nil
}

// TotalPoints sums the points of all assignments.
func (p *SprintPlan) TotalPoints() int {
	total := 0
	for _, a := range p.Assignments {
		total += a.Points
	}
	return total
}

// GeneratedTest is one generated test file.
type GeneratedTest struct {
	SourcePath string `json:"source_path"`
	Path       string `json:"path"`
	Content    string `json:"content"`
}

// TestResults counts the outcome of running generated tests.
type TestResults struct {
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
	Errors int    `json:"errors"`
	Output string `json:"output,omitempty"`
}

func (r *TestResults) Total() int {
	return r.Passed + r.Failed + r.Errors
}

// SuccessRate is the passed share in percent, zero when nothing was counted.
func (r *TestResults) SuccessRate() float64 {
	if r.Total() == 0 {
		return 0
	}
	return float64(r.Passed) / float64(r.Total()) * 100
}

func (r *TestResults) String() string {
	return fmt.Sprintf("%d passed, %d failed, %d errors (%.1f%% success)", r.Passed, r.Failed, r.Errors, r.SuccessRate())
}

// UnitTests is the output of the unit-test-gen stage for one commit.
type UnitTests struct {
	CommitSHA string          `json:"commit_sha"`
	StoryKey  string          `json:"story_key,omitempty"`
	Files     []string        `json:"files"`
	Tests     []GeneratedTest `json:"tests"`
	// Results is set when the generated tests were run.
	Results *TestResults `json:"results,omitempty"`
	// Skipped is set when no changed file matched the include patterns.
	Skipped bool `json:"skipped,omitempty"`
}

func (*UnitTests) Stage() pipeline.Stage { return pipeline.StageUnitTestGen }

func (u *UnitTests) Validate() error {
	if u.Skipped {
		return nil
	}
	if len(u.Tests) == 0 {
		return malformed(u.Stage(), "at least one test is required")
	}
	for i, t := range u.Tests {
		if t.Path == "" || t.Content == "" {
			return malformed(u.Stage(), "test %d needs path and content", i+1)
		}
	}
	return nil
}

// Scenario is one QA test scenario.
type Scenario struct {
	Title    string   `json:"title"`
	Steps    []string `json:"steps,omitempty"`
	Expected string   `json:"expected,omitempty"`
}

// QATests is the output of the qa-test-gen stage for one story's PR.
type QATests struct {
	PRNumber  int        `json:"pr_number"`
	StoryKey  string     `json:"story_key"`
	Summary   string     `json:"summary"`
	Scenarios []Scenario `json:"scenarios"`
	TestCode  string     `json:"test_code,omitempty"`
	TestPath  string     `json:"test_path,omitempty"`
	// Results is set when the test code was run.
	Results *TestResults `json:"results,omitempty"`
}

func (*QATests) Stage() pipeline.Stage { return pipeline.StageQATestGen }

func (q *QATests) Validate() error {
	if len(q.Scenarios) == 0 {
		return malformed(q.Stage(), "at least one scenario is required")
	}
	for i, s := range q.Scenarios {
		if s.Title == "" {
			return malformed(q.Stage(), "scenario %d has no title", i+1)
		}
	}
	return nil
}

// Review verdicts.
const (
	VerdictApprove        = "approve"
	VerdictRequestChanges = "request_changes"
	VerdictComment        = "comment"
)

// Finding is one review remark.
type Finding struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message"`
}

// Review is the output of the code-review stage for one story's PR.
type Review struct {
	PRNumber int       `json:"pr_number"`
	StoryKey string    `json:"story_key"`
	Verdict  string    `json:"verdict"`
	Summary  string    `json:"summary"`
	Findings []Finding `json:"findings,omitempty"`
}

func (*Review) Stage() pipeline.Stage { return pipeline.StageCodeReview }

func (r *Review) Validate() error {
	switch r.Verdict {
	case VerdictApprove, VerdictRequestChanges, VerdictComment:
	case "":
		return malformed(r.Stage(), "verdict is required")
	default:
		return malformed(r.Stage(), "unknown verdict %q", r.Verdict)
	}
	if r.Summary == "" {
		return malformed(r.Stage(), "summary is required")
	}
	for i, f := range r.Findings {
		if f.Message == "" {
			return malformed(r.Stage(), "finding %d has no message", i+1)
		}
	}
	return nil
}

// Metrics are activity counts over the standup window.
type Metrics struct {
	OpenIssues   int `json:"open_issues"`
	ClosedIssues int `json:"closed_issues"`
	OpenPRs      int `json:"open_prs"`
	MergedPRs    int `json:"merged_prs"`
}

// Standup is the output of the standup stage.
type Standup struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Metrics     Metrics   `json:"metrics"`
	Summary     string    `json:"summary"`
	Completed   []string  `json:"completed,omitempty"`
	InProgress  []string  `json:"in_progress,omitempty"`
	Blockers    []string  `json:"blockers,omitempty"`
	Markdown    string    `json:"markdown,omitempty"`
}

func (*Standup) Stage() pipeline.Stage { return pipeline.StageStandup }

func (s *Standup) Validate() error {
	if s.Summary == "" {
		return malformed(s.Stage(), "summary is required")
	}
	return nil
}

// DeployStep is the outcome of one deployment step.
type DeployStep struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Deploy is the output of the deploy stage.
type Deploy struct {
	Environment string       `json:"environment"`
	Steps       []DeployStep `json:"steps"`
	Success     bool         `json:"success"`
	URL         string       `json:"url,omitempty"`
}

func (*Deploy) Stage() pipeline.Stage { return pipeline.StageDeploy }

func (d *Deploy) Validate() error {
	if d.Environment == "" {
		return malformed(d.Stage(), "environment is required")
	}
	if len(d.Steps) == 0 {
		return malformed(d.Stage(), "at least one step is required")
	}
	return nil
}
