package stage

import (
	"context"
	"fmt"
	"strings"

	"sdlcflow/internal/adapter"
	"sdlcflow/internal/artifact"
	"sdlcflow/internal/config"
	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/store"
)

// pullRequestHandler runs the per-story stages that read a pull request:
// QA test generation and code review.
type pullRequestHandler struct {
	stage    pipeline.Stage
	analysis *artifact.Analysis
	pr       adapter.PullRequest
	files    []adapter.ChangedFile
	diff     string
}

func (h *pullRequestHandler) load(ctx context.Context, r *run) (any, error) {
	a, err := r.analysis()
	if err != nil {
		return nil, err
	}
	h.analysis = a

	number := r.req.Event.PRNumber
	if number == 0 {
		if sp, ok := r.rec.Stories[r.req.Subject]; ok {
			number = sp.PRNumber
		}
	}
	if number == 0 {
		return nil, fmt.Errorf("%w: no pull request known for story %s", ErrInvalidRequest, r.req.Subject)
	}

	src := r.e.svc.Source
	if h.pr, err = src.GetPullRequest(ctx, number); err != nil {
		return nil, err
	}
	if h.files, err = src.PullRequestFiles(ctx, number); err != nil {
		return nil, err
	}
	if h.diff, err = src.PullRequestDiff(ctx, number); err != nil {
		return nil, err
	}

	return struct {
		PRNumber int    `json:"pr_number"`
		HeadSHA  string `json:"head_sha"`
		Diff     string `json:"diff"`
	}{h.pr.Number, h.pr.HeadSHA, hashText(h.diff)}, nil
}

func (h *pullRequestHandler) produce(ctx context.Context, r *run) (artifact.Payload, error) {
	data := config.PromptData{
		FeatureID: r.rec.ID,
		Title:     r.rec.Title,
		Summary:   h.analysis.Summary,
		StoryKey:  r.req.Subject,
		PRNumber:  h.pr.Number,
		PRTitle:   h.pr.Title,
		PRBody:    h.pr.Body,
		Diff:      h.diff,
	}
	for _, f := range h.files {
		data.Files = append(data.Files, config.FileDiff{Path: f.Path, Patch: f.Patch})
	}
	p, err := r.generate(ctx, data)
	if err != nil {
		return nil, err
	}
	switch v := p.(type) {
	case *artifact.QATests:
		v.PRNumber, v.StoryKey = h.pr.Number, r.req.Subject
		if v.TestCode != "" {
			if err := v.Validate(); err != nil {
				return nil, err
			}
			if v.TestPath == "" {
				v.TestPath = fmt.Sprintf("tests/qa/test_pr_%d.py", v.PRNumber)
			}
			if v.Results, err = r.runTests(ctx, []adapter.TestFile{{Path: v.TestPath, Content: v.TestCode}}); err != nil {
				return nil, err
			}
		}
	case *artifact.Review:
		v.PRNumber, v.StoryKey = h.pr.Number, r.req.Subject
	}
	return p, nil
}

func (h *pullRequestHandler) apply(ctx context.Context, r *run, p artifact.Payload) error {
	svc := r.e.svc
	switch v := p.(type) {
	case *artifact.QATests:
		if _, err := r.once(ctx, "pr-comment", func(ctx context.Context) (string, error) {
			return svc.Source.CommentOnPullRequest(ctx, v.PRNumber, qaComment(v))
		}, nil); err != nil {
			return err
		}
		_, err := r.once(ctx, "tracker-comment", func(ctx context.Context) (string, error) {
			body := fmt.Sprintf("QA: %d test scenarios generated for PR #%d. %s", len(v.Scenarios), v.PRNumber, v.Summary)
			if v.Results != nil {
				body += " Results: " + v.Results.String()
			}
			return v.StoryKey, svc.Tracker.CommentOn(ctx, v.StoryKey, body)
		}, nil)
		return err

	case *artifact.Review:
		if _, err := r.once(ctx, "pr-comment", func(ctx context.Context) (string, error) {
			return svc.Source.CommentOnPullRequest(ctx, v.PRNumber, reviewComment(v))
		}, nil); err != nil {
			return err
		}
		status := "In Review"
		if v.Verdict == artifact.VerdictRequestChanges {
			status = "In Progress"
		}
		_, err := r.once(ctx, "tracker-status", func(ctx context.Context) (string, error) {
			return status, svc.Tracker.UpdateStatus(ctx, v.StoryKey, status)
		}, nil)
		return err
	}
	return fmt.Errorf("%w: unexpected %s payload", ErrMalformedOutput, p.Stage())
}

func (h *pullRequestHandler) finish(rec *store.FeatureRecord, r *run, p artifact.Payload) {
	sp := rec.Story(r.req.Subject)
	switch v := p.(type) {
	case *artifact.QATests:
		sp.PRNumber = v.PRNumber
		sp.TestRunID = r.id
		rec.TestRunID = r.id
	case *artifact.Review:
		sp.PRNumber = v.PRNumber
		sp.ReviewStatus = v.Verdict
		rec.ReviewStatus = v.Verdict
	}
	if h.pr.Branch != "" {
		sp.Branch = h.pr.Branch
	}
}

func (h *pullRequestHandler) summary(r *run, p artifact.Payload) string {
	switch v := p.(type) {
	case *artifact.QATests:
		msg := fmt.Sprintf("QA tests generated for %s story %s (PR #%d): %d scenarios",
			featureLabel(r.rec), v.StoryKey, v.PRNumber, len(v.Scenarios))
		if v.Results != nil {
			msg += ", " + v.Results.String()
		}
		return msg
	case *artifact.Review:
		return fmt.Sprintf("Code review for %s story %s (PR #%d): %s, %d findings",
			featureLabel(r.rec), v.StoryKey, v.PRNumber, v.Verdict, len(v.Findings))
	}
	return fmt.Sprintf("%s completed for %s", p.Stage(), featureLabel(r.rec))
}

func qaComment(q *artifact.QATests) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## QA test scenarios for %s\n\n%s\n\n", q.StoryKey, q.Summary)
	for i, s := range q.Scenarios {
		fmt.Fprintf(&b, "### %d. %s\n", i+1, s.Title)
		for _, step := range s.Steps {
			fmt.Fprintf(&b, "- %s\n", step)
		}
		if s.Expected != "" {
			fmt.Fprintf(&b, "\nExpected: %s\n", s.Expected)
		}
		b.WriteString("\n")
	}
	if q.Results != nil {
		fmt.Fprintf(&b, "**Results:** %d passed, %d failed, %d errors\n**Success rate:** %.1f%%\n\n",
			q.Results.Passed, q.Results.Failed, q.Results.Errors, q.Results.SuccessRate())
	}
	if q.TestCode != "" {
		fmt.Fprintf(&b, "<details><summary>Test code</summary>\n\n```\n%s\n```\n</details>\n", q.TestCode)
	}
	return b.String()
}

func reviewComment(rv *artifact.Review) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Code review: %s\n\n%s\n", rv.Verdict, rv.Summary)
	if len(rv.Findings) > 0 {
		b.WriteString("\n")
	}
	for _, f := range rv.Findings {
		b.WriteString("- ")
		if f.Severity != "" {
			fmt.Fprintf(&b, "**%s** ", f.Severity)
		}
		if f.File != "" {
			if f.Line > 0 {
				fmt.Fprintf(&b, "`%s:%d` ", f.File, f.Line)
			} else {
				fmt.Fprintf(&b, "`%s` ", f.File)
			}
		}
		b.WriteString(f.Message)
		b.WriteString("\n")
	}
	return b.String()
}
