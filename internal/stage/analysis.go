package stage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"sdlcflow/internal/adapter"
	"sdlcflow/internal/artifact"
	"sdlcflow/internal/config"
	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/store"
)

// analysisHandler turns the originating issue into an epic, an analysis
// page and one tracker story per extracted user story.
type analysisHandler struct{}

func (h *analysisHandler) load(ctx context.Context, r *run) (any, error) {
	return struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}{r.rec.Title, r.rec.Body}, nil
}

func (h *analysisHandler) produce(ctx context.Context, r *run) (artifact.Payload, error) {
	return r.generate(ctx, config.PromptData{
		FeatureID: r.rec.ID,
		Title:     r.rec.Title,
		Body:      r.rec.Body,
	})
}

func (h *analysisHandler) apply(ctx context.Context, r *run, p artifact.Payload) error {
	a := p.(*artifact.Analysis)
	svc := r.e.svc

	epic, err := r.once(ctx, "epic", func(ctx context.Context) (string, error) {
		iss, err := svc.Tracker.CreateEpic(ctx, r.rec.Title, a.Summary)
		return iss.Key, err
	}, func(rec *store.FeatureRecord, ref string) {
		rec.TrackerEpicKey = ref
	})
	if err != nil {
		return err
	}

	_, err = r.once(ctx, "page", func(ctx context.Context) (string, error) {
		page, err := svc.Docs.CreatePage(ctx, "", "Analysis: "+r.rec.Title, analysisPage(a, epic))
		return page.ID, err
	}, func(rec *store.FeatureRecord, ref string) {
		rec.SetDocPage(pipeline.StageAnalysis, ref)
	})
	if err != nil {
		return err
	}

	for i, s := range a.Stories {
		_, err := r.once(ctx, fmt.Sprintf("story-%d", i+1), func(ctx context.Context) (string, error) {
			iss, err := svc.Tracker.CreateStory(ctx, epic, adapter.StoryInput{
				Title:              s.Title,
				Description:        s.Description,
				AcceptanceCriteria: s.AcceptanceCriteria,
			})
			return iss.Key, err
		}, func(rec *store.FeatureRecord, ref string) {
			if !rec.HasStory(ref) {
				rec.StoryKeys = append(rec.StoryKeys, ref)
			}
			rec.Story(ref)
		})
		if err != nil {
			return err
		}
	}

	// Issue numbers double as ids for features created from the source host.
	if n, err := strconv.Atoi(r.rec.ID); err == nil {
		_, err := r.once(ctx, "issue-comment", func(ctx context.Context) (string, error) {
			return svc.Source.CommentOnPullRequest(ctx, n, issueComment(a, r.rec))
		}, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *analysisHandler) finish(rec *store.FeatureRecord, r *run, p artifact.Payload) {}

func (h *analysisHandler) summary(r *run, p artifact.Payload) string {
	a := p.(*artifact.Analysis)
	msg := fmt.Sprintf("Analysis complete for %s: %d stories under epic %s",
		featureLabel(r.rec), len(a.Stories), r.rec.TrackerEpicKey)
	if a.Complexity != "" {
		msg += ", complexity " + a.Complexity
	}
	return msg
}

func analysisPage(a *artifact.Analysis, epic string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Epic:** %s\n\n%s\n\n", epic, a.Summary)
	if a.Markdown != "" {
		b.WriteString(a.Markdown)
		b.WriteString("\n\n")
	}
	b.WriteString("## User Stories\n\n")
	for i, s := range a.Stories {
		fmt.Fprintf(&b, "### %d. %s\n\n%s\n\n", i+1, s.Title, s.Description)
		for _, ac := range s.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", ac)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func issueComment(a *artifact.Analysis, rec *store.FeatureRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Requirement analyzed. Epic: %s\n\n%s\n\nStories:\n", rec.TrackerEpicKey, a.Summary)
	for i, key := range rec.StoryKeys {
		title := ""
		if i < len(a.Stories) {
			title = a.Stories[i].Title
		}
		fmt.Fprintf(&b, "- %s: %s\n", key, title)
	}
	return b.String()
}
