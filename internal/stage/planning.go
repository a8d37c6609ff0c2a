package stage

import (
	"context"
	"fmt"
	"strings"

	"sdlcflow/internal/artifact"
	"sdlcflow/internal/config"
	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/store"
)

// planningHandler sizes and prioritizes the feature's stories and publishes
// the plan as a page.
type planningHandler struct {
	analysis *artifact.Analysis
}

func (h *planningHandler) load(ctx context.Context, r *run) (any, error) {
	a, err := r.analysis()
	if err != nil {
		return nil, err
	}
	if len(r.rec.StoryKeys) == 0 {
		return nil, fmt.Errorf("%w: feature has no tracker stories", ErrMissingDependency)
	}
	h.analysis = a
	return struct {
		StoryKeys []string `json:"story_keys"`
		TeamSize  int      `json:"team_size"`
	}{r.rec.StoryKeys, r.e.cfg.Pipeline.TeamSize}, nil
}

func (h *planningHandler) produce(ctx context.Context, r *run) (artifact.Payload, error) {
	lines := make([]string, len(r.rec.StoryKeys))
	for i, key := range r.rec.StoryKeys {
		title := ""
		if i < len(h.analysis.Stories) {
			title = h.analysis.Stories[i].Title
		}
		lines[i] = key + ": " + title
	}

	p, err := r.generate(ctx, config.PromptData{
		FeatureID: r.rec.ID,
		Title:     r.rec.Title,
		Summary:   h.analysis.Summary,
		Stories:   lines,
		TeamSize:  r.e.cfg.Pipeline.TeamSize,
	})
	if err != nil {
		return nil, err
	}
	plan := p.(*artifact.SprintPlan)
	plan.TeamSize = r.e.cfg.Pipeline.TeamSize
	for _, a := range plan.Assignments {
		if !r.rec.HasStory(a.StoryKey) {
			return nil, fmt.Errorf("%w: sprint plan assigns unknown story %s", ErrMalformedOutput, a.StoryKey)
		}
	}
	return plan, nil
}

func (h *planningHandler) apply(ctx context.Context, r *run, p artifact.Payload) error {
	plan := p.(*artifact.SprintPlan)
	svc := r.e.svc

	_, err := r.once(ctx, "page", func(ctx context.Context) (string, error) {
		page, err := svc.Docs.CreatePage(ctx, "", "Sprint Plan: "+r.rec.Title, planPage(plan))
		return page.ID, err
	}, func(rec *store.FeatureRecord, ref string) {
		rec.SprintPlanID = ref
		rec.SetDocPage(pipeline.StageSprintPlanning, ref)
	})
	if err != nil {
		return err
	}

	if r.rec.TrackerEpicKey == "" {
		return nil
	}
	_, err = r.once(ctx, "epic-comment", func(ctx context.Context) (string, error) {
		body := fmt.Sprintf("Sprint planned: %s (%d points across %d stories, capacity %d)",
			plan.Goal, plan.TotalPoints(), len(plan.Assignments), plan.CapacityPoints)
		return r.rec.TrackerEpicKey, svc.Tracker.CommentOn(ctx, r.rec.TrackerEpicKey, body)
	}, nil)
	return err
}

func (h *planningHandler) finish(rec *store.FeatureRecord, r *run, p artifact.Payload) {
	for _, a := range p.(*artifact.SprintPlan).Assignments {
		rec.Story(a.StoryKey)
	}
}

func (h *planningHandler) summary(r *run, p artifact.Payload) string {
	plan := p.(*artifact.SprintPlan)
	return fmt.Sprintf("Sprint plan ready for %s: %q, %d points for a team of %d",
		featureLabel(r.rec), plan.Goal, plan.TotalPoints(), plan.TeamSize)
}

func planPage(plan *artifact.SprintPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Sprint goal:** %s\n\n", plan.Goal)
	fmt.Fprintf(&b, "**Team size:** %d, **capacity:** %d points, **committed:** %d points\n\n",
		plan.TeamSize, plan.CapacityPoints, plan.TotalPoints())
	b.WriteString("## Stories\n\n")
	for _, a := range plan.Assignments {
		fmt.Fprintf(&b, "- %s: %d points, priority %d", a.StoryKey, a.Points, a.Priority)
		if a.Assignee != "" {
			fmt.Fprintf(&b, ", %s", a.Assignee)
		}
		b.WriteString("\n")
	}
	if plan.Markdown != "" {
		b.WriteString("\n")
		b.WriteString(plan.Markdown)
		b.WriteString("\n")
	}
	return b.String()
}
