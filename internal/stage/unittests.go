package stage

import (
	"context"
	"fmt"
	"strings"

	"sdlcflow/internal/adapter"
	"sdlcflow/internal/artifact"
	"sdlcflow/internal/config"
	"sdlcflow/internal/store"
)

// unitTestHandler generates unit tests for the first matching files of a
// pushed commit and reports them as a commit comment.
type unitTestHandler struct {
	files []adapter.ChangedFile
}

func (h *unitTestHandler) load(ctx context.Context, r *run) (any, error) {
	changed, err := r.e.svc.Source.CommitFiles(ctx, r.req.Subject)
	if err != nil {
		return nil, err
	}
	h.files = r.e.filter.Select(changed)

	type file struct {
		Path  string `json:"path"`
		Patch string `json:"patch"`
	}
	in := struct {
		StoryKey string `json:"story_key"`
		Files    []file `json:"files"`
	}{StoryKey: r.req.Event.StoryKey}
	for _, f := range h.files {
		in.Files = append(in.Files, file{Path: f.Path, Patch: hashText(f.Patch)})
	}
	return in, nil
}

func (h *unitTestHandler) produce(ctx context.Context, r *run) (artifact.Payload, error) {
	paths := make([]string, len(h.files))
	for i, f := range h.files {
		paths[i] = f.Path
	}
	if len(h.files) == 0 {
		r.log.Info("no changed files match the unit test patterns")
		return &artifact.UnitTests{
			CommitSHA: r.req.Subject,
			StoryKey:  r.req.Event.StoryKey,
			Skipped:   true,
		}, nil
	}

	data := config.PromptData{FeatureID: r.rec.ID, Title: r.rec.Title, StoryKey: r.req.Event.StoryKey}
	for _, f := range h.files {
		data.Files = append(data.Files, config.FileDiff{Path: f.Path, Patch: f.Patch})
	}
	p, err := r.generate(ctx, data)
	if err != nil {
		return nil, err
	}
	ut := p.(*artifact.UnitTests)
	ut.CommitSHA = r.req.Subject
	ut.StoryKey = r.req.Event.StoryKey
	ut.Files = paths
	if err := ut.Validate(); err != nil {
		return nil, err
	}
	files := make([]adapter.TestFile, len(ut.Tests))
	for i, t := range ut.Tests {
		files[i] = adapter.TestFile{Path: t.Path, Content: t.Content}
	}
	if ut.Results, err = r.runTests(ctx, files); err != nil {
		return nil, err
	}
	return ut, nil
}

func (h *unitTestHandler) apply(ctx context.Context, r *run, p artifact.Payload) error {
	ut := p.(*artifact.UnitTests)
	_, err := r.once(ctx, "commit-comment", func(ctx context.Context) (string, error) {
		return r.e.svc.Source.CommentOnCommit(ctx, ut.CommitSHA, unitTestComment(ut))
	}, nil)
	return err
}

func (h *unitTestHandler) finish(rec *store.FeatureRecord, r *run, p artifact.Payload) {
	if key := r.req.Event.StoryKey; key != "" && r.req.Event.Branch != "" {
		rec.Story(key).Branch = r.req.Event.Branch
	}
}

func (h *unitTestHandler) summary(r *run, p artifact.Payload) string {
	ut := p.(*artifact.UnitTests)
	sha := shortSHA(ut.CommitSHA)
	if ut.Skipped {
		return fmt.Sprintf("Unit tests skipped for %s commit %s: no matching source files", featureLabel(r.rec), sha)
	}
	msg := fmt.Sprintf("Generated %d unit test files for %s commit %s", len(ut.Tests), featureLabel(r.rec), sha)
	if ut.Results != nil {
		msg += ": " + ut.Results.String()
	}
	return msg
}

func unitTestComment(ut *artifact.UnitTests) string {
	if ut.Skipped {
		return "Unit test generation skipped: no changed source files matched."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Generated unit tests for %d changed files:\n\n", len(ut.Files))
	for _, t := range ut.Tests {
		fmt.Fprintf(&b, "- `%s`", t.Path)
		if t.SourcePath != "" {
			fmt.Fprintf(&b, " for `%s`", t.SourcePath)
		}
		b.WriteString("\n")
	}
	if ut.Results != nil {
		fmt.Fprintf(&b, "\nResults: %s\n", ut.Results)
	}
	return b.String()
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
