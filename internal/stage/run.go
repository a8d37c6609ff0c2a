package stage

import (
	"context"
	"errors"
	"fmt"

	"sdlcflow/internal/adapter"
	"sdlcflow/internal/artifact"
	"sdlcflow/internal/config"
	"sdlcflow/internal/logging"
	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/store"
)

// run is the state of one Executor.Run call.
type run struct {
	e   *Executor
	req Request
	t   pipeline.Transition
	log *logging.Logger

	id      string
	key     string
	digest  string
	version int

	// rec is the latest record this run wrote or read.
	rec     *store.FeatureRecord
	claimed bool

	upstream map[pipeline.Stage]*store.StageArtifact
	payloads map[pipeline.Stage]artifact.Payload

	usage adapter.Completion
}

type upstreamRef struct {
	Stage   pipeline.Stage `json:"stage"`
	Version int            `json:"version"`
	Digest  string         `json:"digest"`
}

// loadUpstream reads and validates every artifact the transition requires.
func (r *run) loadUpstream(ctx context.Context) error {
	r.upstream = make(map[pipeline.Stage]*store.StageArtifact, len(r.t.Requires))
	r.payloads = make(map[pipeline.Stage]artifact.Payload, len(r.t.Requires))
	for _, dep := range r.t.Requires {
		a, err := r.e.store.GetArtifact(ctx, r.req.FeatureID, dep, "")
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no %s artifact", ErrMissingDependency, dep)
		}
		if err != nil {
			return err
		}
		p, err := artifact.Decode(dep, a.Payload)
		if err != nil {
			return fmt.Errorf("upstream %s v%d: %w", dep, a.Version, err)
		}
		r.upstream[dep] = a
		r.payloads[dep] = p
	}
	return nil
}

func (r *run) upstreamRefs() []upstreamRef {
	refs := make([]upstreamRef, 0, len(r.t.Requires))
	for _, dep := range r.t.Requires {
		if a, ok := r.upstream[dep]; ok {
			refs = append(refs, upstreamRef{Stage: dep, Version: a.Version, Digest: a.InputDigest})
		}
	}
	return refs
}

// analysis returns the upstream analysis payload.
func (r *run) analysis() (*artifact.Analysis, error) {
	a, ok := r.payloads[pipeline.StageAnalysis].(*artifact.Analysis)
	if !ok {
		return nil, fmt.Errorf("%w: no analysis artifact", ErrMissingDependency)
	}
	return a, nil
}

// sprintPlan returns the upstream sprint plan payload.
func (r *run) sprintPlan() (*artifact.SprintPlan, error) {
	p, ok := r.payloads[pipeline.StageSprintPlanning].(*artifact.SprintPlan)
	if !ok {
		return nil, fmt.Errorf("%w: no sprint plan artifact", ErrMissingDependency)
	}
	return p, nil
}

// storyKey is the story whose sub-state this run records.
func (r *run) storyKey() string {
	switch r.t.Granularity {
	case pipeline.GranularityStory:
		return r.req.Subject
	case pipeline.GranularityCommit:
		return r.req.Event.StoryKey
	}
	return ""
}

// claim takes the run lease and refreshes r.rec.
func (r *run) claim(ctx context.Context) error {
	rec, err := store.Update(ctx, r.e.store, r.req.FeatureID, func(rec *store.FeatureRecord) error {
		return rec.Acquire(r.key, r.id, r.e.now(), r.e.cfg.Pipeline.ClaimTTL)
	})
	if err != nil {
		return err
	}
	r.rec = rec
	r.claimed = true
	return nil
}

// holds fails with store.ErrConflict when the lease was lost to another run.
func (r *run) holds(rec *store.FeatureRecord) error {
	if !r.claimed {
		return nil
	}
	c, ok := rec.Claims[r.key]
	if !ok || c.RunID != r.id {
		return fmt.Errorf("%w: lease on %s was taken over", store.ErrConflict, r.key)
	}
	return nil
}

func (r *run) release(ctx context.Context) {
	if !r.claimed {
		return
	}
	rec, err := store.Update(ctx, r.e.store, r.req.FeatureID, func(rec *store.FeatureRecord) error {
		rec.Release(r.key, r.id)
		return nil
	})
	if err != nil {
		r.log.Warn("failed to release lease", "error", err.Error())
		return
	}
	r.rec = rec
	r.claimed = false
}

// update applies fn to the record under the run's lease.
func (r *run) update(ctx context.Context, fn func(*store.FeatureRecord)) error {
	rec, err := store.Update(ctx, r.e.store, r.req.FeatureID, func(rec *store.FeatureRecord) error {
		if err := r.holds(rec); err != nil {
			return err
		}
		fn(rec)
		return nil
	})
	if err != nil {
		return err
	}
	r.rec = rec
	return nil
}

// effectKey returns the ledger key for effect. Effects of later artifact
// versions are suffixed so a changed pull request is commented on again.
func (r *run) effectKey(effect string) string {
	if r.version > 1 {
		effect = fmt.Sprintf("%s.v%d", effect, r.version)
	}
	return r.key + "/" + effect
}

// once performs an external side effect unless the ledger already records
// it. The returned reference is written to the ledger, together with any
// record fields set by save, before once returns.
func (r *run) once(ctx context.Context, effect string, do func(context.Context) (string, error), save func(*store.FeatureRecord, string)) (string, error) {
	key := r.effectKey(effect)
	if ref, ok := r.rec.Effect(key); ok {
		r.log.Debug("effect already recorded", "effect", key, "ref", ref)
		return ref, nil
	}
	ref, err := do(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", effect, err)
	}
	err = r.update(ctx, func(rec *store.FeatureRecord) {
		rec.SetEffect(key, ref)
		if save != nil {
			save(rec, ref)
		}
	})
	if err != nil {
		return "", err
	}
	r.log.Info("effect recorded", "effect", key, "ref", ref)
	return ref, nil
}

// advance finishes the record for a produced or replayed artifact and
// releases the lease in the same write.
func (r *run) advance(ctx context.Context, h handler, p artifact.Payload) error {
	m := r.e.machine
	err := r.update(ctx, func(rec *store.FeatureRecord) {
		h.finish(rec, r, p)
		rec.State = m.Advance(rec.State, r.t)
		if key := r.storyKey(); key != "" && r.t.StoryState != "" {
			sp := rec.Story(key)
			sp.State = pipeline.Later(sp.State, r.t.StoryState)
		}
		rec.Release(r.key, r.id)
		rec.LastError = ""
	})
	if err != nil {
		return err
	}
	r.claimed = false
	return nil
}

// notify sends the completion message once. A failed notification is logged
// and left unrecorded so a replay can send it.
func (r *run) notify(ctx context.Context, text string) {
	n := r.e.svc.Notifier
	if n == nil {
		r.log.Info("notification", "text", text)
		return
	}
	if r.usage.TotalTokens() > 0 {
		text += fmt.Sprintf(" (%d tokens, $%.4f)", r.usage.TotalTokens(), r.usage.CostUSD)
	}
	_, err := r.once(ctx, "notify", func(ctx context.Context) (string, error) {
		return "sent", n.Send(ctx, r.e.cfg.Pipeline.Channel, text)
	}, nil)
	if err != nil {
		r.log.Warn("notification failed", "error", err.Error())
	}
}

// generate expands the stage prompt, calls the model and parses the reply.
func (r *run) generate(ctx context.Context, data config.PromptData) (artifact.Payload, error) {
	name := string(r.req.Stage)
	prompt, err := r.e.cfg.GetPrompt(name, data)
	if err != nil {
		return nil, err
	}
	sc := r.e.cfg.Stages[name]
	c, err := r.e.svc.Model.Complete(ctx, prompt, adapter.GenerateOptions{
		System:    sc.System,
		MaxTokens: sc.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	addUsage(&r.usage, c)
	r.log.Info("generation complete",
		"model", c.Model,
		"input_tokens", c.InputTokens,
		"output_tokens", c.OutputTokens,
		"cost_usd", c.CostUSD,
	)
	return artifact.Parse(r.req.Stage, c.Text)
}

// runTests runs generated test files when a test runner is configured.
// Nil results mean nothing ran.
func (r *run) runTests(ctx context.Context, files []adapter.TestFile) (*artifact.TestResults, error) {
	tester := r.e.svc.Tester
	if tester == nil || len(files) == 0 {
		return nil, nil
	}
	res, err := tester.RunTests(ctx, files)
	if err != nil {
		return nil, fmt.Errorf("run generated tests: %w", err)
	}
	r.log.Info("generated tests ran",
		"passed", res.Passed,
		"failed", res.Failed,
		"errors", res.Errors,
		"duration", res.Duration,
	)
	return &artifact.TestResults{Passed: res.Passed, Failed: res.Failed, Errors: res.Errors, Output: res.Output}, nil
}
