package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sdlcflow/internal/adapter"
	"sdlcflow/internal/artifact"
	"sdlcflow/internal/config"
	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/store"
)

// standupHandler reports repository activity over the standup window and
// appends it to the sprint plan page.
type standupHandler struct {
	plan     *artifact.SprintPlan
	start    time.Time
	end      time.Time
	activity adapter.Activity
}

func (h *standupHandler) load(ctx context.Context, r *run) (any, error) {
	plan, err := r.sprintPlan()
	if err != nil {
		return nil, err
	}
	h.plan = plan

	window := r.e.cfg.Pipeline.StandupWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	h.end = r.e.now().UTC()
	h.start = h.end.Add(-window)
	if h.activity, err = r.e.svc.Source.RecentActivity(ctx, h.start); err != nil {
		return nil, err
	}

	return struct {
		Day      string           `json:"day"`
		Activity adapter.Activity `json:"activity"`
	}{h.end.Format(time.DateOnly), h.activity}, nil
}

func (h *standupHandler) metrics() artifact.Metrics {
	return artifact.Metrics{
		OpenIssues:   h.activity.OpenIssues,
		ClosedIssues: h.activity.ClosedIssues,
		OpenPRs:      h.activity.OpenPRs,
		MergedPRs:    h.activity.MergedPRs,
	}
}

func (h *standupHandler) produce(ctx context.Context, r *run) (artifact.Payload, error) {
	m := h.metrics()
	p, err := r.generate(ctx, config.PromptData{
		FeatureID:  r.rec.ID,
		Title:      r.rec.Title,
		SprintGoal: h.plan.Goal,
		Metrics: map[string]int{
			"open_issues":   m.OpenIssues,
			"closed_issues": m.ClosedIssues,
			"open_prs":      m.OpenPRs,
			"merged_prs":    m.MergedPRs,
		},
		Completed:  h.activity.Completed,
		InProgress: h.activity.InProgress,
	})
	if err != nil {
		return nil, err
	}
	s := p.(*artifact.Standup)
	s.WindowStart, s.WindowEnd = h.start, h.end
	s.Metrics = m
	if len(s.Completed) == 0 {
		s.Completed = h.activity.Completed
	}
	if len(s.InProgress) == 0 {
		s.InProgress = h.activity.InProgress
	}
	return s, nil
}

func (h *standupHandler) apply(ctx context.Context, r *run, p artifact.Payload) error {
	s := p.(*artifact.Standup)
	docs := r.e.svc.Docs
	_, err := r.once(ctx, "page", func(ctx context.Context) (string, error) {
		if id := r.rec.SprintPlanID; id != "" && h.plan != nil {
			body := planPage(h.plan) + "\n" + standupSection(s)
			return id, docs.UpdatePage(ctx, id, body)
		}
		title := fmt.Sprintf("Daily Standup: %s %s", r.rec.Title, s.WindowEnd.Format(time.DateOnly))
		page, err := docs.CreatePage(ctx, "", title, standupSection(s))
		return page.ID, err
	}, func(rec *store.FeatureRecord, ref string) {
		rec.SetDocPage(pipeline.StageStandup, ref)
	})
	return err
}

func (h *standupHandler) finish(rec *store.FeatureRecord, r *run, p artifact.Payload) {}

func (h *standupHandler) summary(r *run, p artifact.Payload) string {
	s := p.(*artifact.Standup)
	return fmt.Sprintf("Standup for %s: %d PRs merged, %d open, %d blockers. %s",
		featureLabel(r.rec), s.Metrics.MergedPRs, s.Metrics.OpenPRs, len(s.Blockers), s.Summary)
}

func standupSection(s *artifact.Standup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Daily Standup %s\n\n%s\n\n", s.WindowEnd.Format(time.DateOnly), s.Summary)
	fmt.Fprintf(&b, "- Open issues: %d\n- Closed issues: %d\n- Open PRs: %d\n- Merged PRs: %d\n\n",
		s.Metrics.OpenIssues, s.Metrics.ClosedIssues, s.Metrics.OpenPRs, s.Metrics.MergedPRs)
	list := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "### %s\n\n", title)
		for _, it := range items {
			fmt.Fprintf(&b, "- %s\n", it)
		}
		b.WriteString("\n")
	}
	list("Completed", s.Completed)
	list("In Progress", s.InProgress)
	list("Blockers", s.Blockers)
	if s.Markdown != "" {
		b.WriteString(s.Markdown)
		b.WriteString("\n")
	}
	return b.String()
}
