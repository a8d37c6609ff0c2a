package config

import (
	"bytes"
	"fmt"
	"text/template"
)

// PromptData contains data for prompt template expansion.
//
// Fields are accessible in templates using {{.FieldName}} syntax. Each stage
// fills only the fields it has.
type PromptData struct {
	FeatureID string
	Title     string
	Body      string

	// Analysis is the analysis markdown; Summary its one-line summary.
	Analysis string
	Summary  string

	// Stories lists "KEY: title" lines for planning.
	Stories  []string
	TeamSize int

	// Files holds changed files with their patches.
	Files []FileDiff

	StoryKey string
	PRNumber int
	PRTitle  string
	PRBody   string
	Diff     string

	// Standup inputs.
	Metrics    map[string]int
	Completed  []string
	InProgress []string
	SprintGoal string
}

// FileDiff is one changed file shown to the model.
type FileDiff struct {
	Path  string
	Patch string
}

// GetPrompt expands the prompt template for stage with data.
// Returns an error if the stage has no prompt or the template fails.
func (c *Config) GetPrompt(stage string, data PromptData) (string, error) {
	sc, ok := c.Stages[stage]
	if !ok || sc.Prompt == "" {
		return "", fmt.Errorf("no prompt configured for stage: %s", stage)
	}
	return expandTemplate(sc.Prompt, data)
}

// expandTemplate executes a Go text/template with the given data.
func expandTemplate(tmplStr string, data PromptData) (string, error) {
	tmpl, err := template.New("prompt").Funcs(template.FuncMap{
		"truncate": truncate,
	}).Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// truncate limits s to n bytes for prompt budgets.
func truncate(n int, s string) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

func defaultStages() map[string]StageConfig {
	return map[string]StageConfig{
		"analysis": {
			System: "You are a senior business analyst.",
			Prompt: `Analyze this requirement and produce a specification.

Title: {{.Title}}
Description: {{if .Body}}{{.Body}}{{else}}No description provided{{end}}

Cover an overview, 3-5 independently deliverable user stories ("As a [user], I want [goal], so that [benefit]") with 2-3 Given/When/Then acceptance criteria each, technical notes, dependencies and a complexity estimate (S, M, L or XL).

Respond with ONLY a JSON object:
{"summary": "2-3 sentence overview", "analysis": "full specification as markdown", "complexity": "M",
 "stories": [{"title": "max 60 chars", "description": "As a ...", "acceptance_criteria": ["Given ... When ... Then ..."]}]}`,
		},
		"sprint-planning": {
			System: "You are an experienced Scrum Master.",
			Prompt: `Create a sprint plan.

Feature: {{.Title}}
Summary: {{.Summary}}
Team size: {{.TeamSize}} developers

Stories:
{{range .Stories}}- {{.}}
{{end}}
Give a sprint goal, capacity in story points, and for every story its points and priority (1 is highest). Include a markdown document with technical tasks, definition of done and risks.

Respond with ONLY a JSON object:
{"goal": "...", "capacity_points": 21, "assignments": [{"story_key": "KEY-1", "points": 3, "priority": 1}], "markdown": "..."}`,
		},
		"unit-test-gen": {
			System: "You are a senior engineer writing unit tests.",
			Prompt: `Generate unit tests for these changed files. Cover happy paths, edge cases and error handling with clear test names.
{{range .Files}}
File: {{.Path}}
` + "```" + `
{{truncate 1000 .Patch}}
` + "```" + `
{{end}}
Respond with ONLY a JSON object:
{"tests": [{"source_path": "path/of/changed/file", "path": "path/of/test/file", "content": "full test file"}]}`,
		},
		"qa-test-gen": {
			System: "You are a senior QA automation engineer.",
			Prompt: `Create integration test scenarios for this pull request.

Story: {{.StoryKey}}
Pull request #{{.PRNumber}}: {{.PRTitle}}
Feature analysis summary: {{.Summary}}

Changed files:
{{range .Files}}- {{.Path}}
{{end}}
Diff:
` + "```" + `
{{truncate 3000 .Diff}}
` + "```" + `
Write 3-5 scenarios covering end-to-end flows, contracts, error cases and data integrity.

Respond with ONLY a JSON object:
{"summary": "...", "scenarios": [{"title": "...", "steps": ["..."], "expected": "..."}], "test_path": "tests/qa/test_pr_{{.PRNumber}}.py", "test_code": "runnable test file"}`,
		},
		"code-review": {
			System: "You are a senior software engineer performing a code review.",
			Prompt: `Review this pull request.

Story: {{.StoryKey}}
Pull request #{{.PRNumber}}: {{.PRTitle}}
Description: {{if .PRBody}}{{.PRBody}}{{else}}No description{{end}}
Feature analysis summary: {{.Summary}}

Diff:
` + "```" + `
{{truncate 3000 .Diff}}
` + "```" + `
Assess quality, bugs, security, performance and missing error handling. Be constructive and specific.

Respond with ONLY a JSON object:
{"verdict": "approve|request_changes|comment", "summary": "...", "findings": [{"file": "...", "line": 1, "severity": "low|medium|high", "message": "..."}]}`,
		},
		"standup": {
			System: "You are a program manager.",
			Prompt: `Create a daily standup report for {{.Title}}.

Sprint goal: {{.SprintGoal}}
Metrics:
- Open issues: {{index .Metrics "open_issues"}}
- Closed issues: {{index .Metrics "closed_issues"}}
- Open PRs: {{index .Metrics "open_prs"}}
- Merged PRs: {{index .Metrics "merged_prs"}}

Completed:
{{range .Completed}}- {{.}}
{{else}}- nothing
{{end}}
In progress:
{{range .InProgress}}- {{.}}
{{else}}- nothing
{{end}}
Respond with ONLY a JSON object:
{"summary": "2-3 sentences", "completed": ["..."], "in_progress": ["..."], "blockers": ["..."], "markdown": "full report"}`,
		},
	}
}
