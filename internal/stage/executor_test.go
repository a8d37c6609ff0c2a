package stage_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdlcflow/internal/adapter"
	"sdlcflow/internal/artifact"
	"sdlcflow/internal/config"
	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/stage"
	"sdlcflow/internal/store"
	"sdlcflow/internal/store/filestore"
)

const analysisJSON = "Here is the analysis:\n```json\n" + `{
  "summary": "Users sign in with email and password.",
  "analysis": "# Login\n\nEmail based authentication.",
  "complexity": "M",
  "stories": [
    {"title": "Sign in form", "description": "As a user, I want to sign in, so that I see my data", "acceptance_criteria": ["Given valid credentials When I submit Then I am signed in"]},
    {"title": "Session handling", "description": "As a user, I want to stay signed in"},
    {"title": "Sign out", "description": "As a user, I want to sign out"}
  ]
}` + "\n```"

const planJSON = `{"goal": "Ship login", "capacity_points": 20, "markdown": "## Risks\n\nNone.",
  "assignments": [
    {"story_key": "K1", "points": 3, "priority": 1},
    {"story_key": "K2", "points": 5, "priority": 2},
    {"story_key": "K3", "points": 2, "priority": 3}
  ]}`

const unitTestsJSON = `{"tests": [{"source_path": "auth/login.go", "path": "auth/login_test.go", "content": "package auth"}]}`

const qaJSON = `{"summary": "Covers sign in.", "scenarios": [{"title": "Valid login", "steps": ["open form", "submit"], "expected": "signed in"}]}`

const reviewJSON = `{"verdict": "approve", "summary": "Looks good.", "findings": [{"file": "auth/login.go", "line": 12, "severity": "low", "message": "Consider a constant"}]}`

const standupJSON = `{"summary": "Login merged.", "blockers": ["none"], "markdown": "All good."}`

type fixture struct {
	store    store.Store
	tracker  *adapter.MockTracker
	docs     *adapter.MockDocs
	notifier *adapter.MockNotifier
	model    *adapter.MockModel
	source   *adapter.MockSource
	deployer *adapter.MockDeployer
	cfg      *config.Config
	exec     *stage.Executor
	now      time.Time

	// responses maps a prompt marker to the model reply.
	responses map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    filestore.New(afero.NewMemMapFs(), "/data"),
		tracker:  &adapter.MockTracker{},
		docs:     &adapter.MockDocs{},
		notifier: &adapter.MockNotifier{},
		model:    &adapter.MockModel{},
		source: &adapter.MockSource{
			PRs:     map[int]adapter.PullRequest{},
			PRFiles: map[int][]adapter.ChangedFile{},
			Diffs:   map[int]string{},
			Commits: map[string][]adapter.ChangedFile{},
		},
		deployer: &adapter.MockDeployer{},
		cfg:      config.DefaultConfig(),
		now:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		responses: map[string]string{
			"Analyze this requirement":          analysisJSON,
			"Create a sprint plan":              planJSON,
			"Generate unit tests":               unitTestsJSON,
			"Create integration test scenarios": qaJSON,
			"Review this pull request":          reviewJSON,
			"Create a daily standup report":     standupJSON,
		},
	}
	f.cfg.Pipeline.DeploySteps = []config.DeployStepConfig{
		{Name: "build", Command: "make build"},
		{Name: "release", Command: "make release"},
	}
	f.model.Respond = func(prompt string) (string, error) {
		for marker, reply := range f.responses {
			if strings.Contains(prompt, marker) {
				return reply, nil
			}
		}
		return "", fmt.Errorf("unexpected prompt: %.40s", prompt)
	}

	var n atomic.Int64
	exec, err := stage.NewExecutor(f.store, pipeline.NewMachine(), stage.Services{
		Tracker:  f.tracker,
		Docs:     f.docs,
		Notifier: f.notifier,
		Model:    f.model,
		Source:   f.source,
		Deployer: f.deployer,
	}, f.cfg,
		stage.WithClock(func() time.Time { return f.now }),
		stage.WithRunIDs(func() string { return fmt.Sprintf("run-%d", n.Add(1)) }),
	)
	require.NoError(t, err)
	f.exec = exec
	return f
}

func (f *fixture) createFeature(t *testing.T, id, title string) {
	t.Helper()
	require.NoError(t, f.store.CreateFeature(context.Background(), store.NewFeatureRecord(id, title, "Users need to sign in")))
}

func (f *fixture) run(t *testing.T, req stage.Request) *stage.Result {
	t.Helper()
	res, err := f.exec.Run(context.Background(), req)
	require.NoError(t, err)
	return res
}

func (f *fixture) record(t *testing.T, id string) *store.FeatureRecord {
	t.Helper()
	rec, err := f.store.GetFeature(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) setState(t *testing.T, id string, s pipeline.State) {
	t.Helper()
	_, err := store.Update(context.Background(), f.store, id, func(rec *store.FeatureRecord) error {
		rec.State = s
		return nil
	})
	require.NoError(t, err)
}

// planned runs analysis and sprint planning for feature 42.
func (f *fixture) planned(t *testing.T) {
	t.Helper()
	f.createFeature(t, "42", "Add login")
	f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})
	f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageSprintPlanning})
}

func TestExecutor_AnalysisCreatesEpicAndStories(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "42", "Add login")

	res := f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})

	assert.False(t, res.Replayed)
	assert.Equal(t, pipeline.StateAnalyzed, res.State)
	assert.Equal(t, "run-1", res.RunID)
	assert.Positive(t, res.Usage.TotalTokens())
	require.NotNil(t, res.Artifact)
	assert.Equal(t, 1, res.Artifact.Version)
	assert.Equal(t, artifact.SchemaVersion, res.Artifact.SchemaVersion)
	assert.True(t, strings.HasPrefix(res.Artifact.InputDigest, "sha256:"))

	rec := f.record(t, "42")
	assert.Equal(t, pipeline.StateAnalyzed, rec.State)
	assert.Equal(t, []string{"K1", "K2", "K3"}, rec.StoryKeys)
	assert.Equal(t, "E1", rec.TrackerEpicKey)
	assert.Equal(t, "P1", rec.DocPageIDs["analysis"])
	assert.Equal(t, "E1", rec.Effects["analysis/epic"])
	assert.Equal(t, "K3", rec.Effects["analysis/story-3"])
	assert.Empty(t, rec.Claims)
	for _, key := range rec.StoryKeys {
		assert.Equal(t, pipeline.StatePlanned, rec.Stories[key].State)
	}

	require.Len(t, f.tracker.Stories, 3)
	assert.Equal(t, "E1", f.tracker.Stories[0].EpicKey)
	assert.Equal(t, "Sign in form", f.tracker.Stories[0].Story.Title)
	assert.Len(t, f.tracker.Stories[0].Story.AcceptanceCriteria, 1)
	assert.Contains(t, f.docs.Created[0].Body, "Sign out")

	require.Len(t, f.source.Comments, 1)
	assert.Equal(t, "#42", f.source.Comments[0].Target)

	msgs := f.notifier.Sent()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "3 stories under epic E1")
}

func TestExecutor_ReExecutionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "42", "Add login")
	first := f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})

	second := f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Artifact.Version, second.Artifact.Version)
	assert.Equal(t, first.Artifact.RunID, second.Artifact.RunID)
	assert.Equal(t, 1, f.model.Calls())
	assert.Equal(t, 1, f.tracker.Calls("CreateEpic"))
	assert.Equal(t, 3, f.tracker.Calls("CreateStory"))
	assert.Len(t, f.notifier.Sent(), 1)
	assert.Equal(t, pipeline.StateAnalyzed, f.record(t, "42").State)
}

func TestExecutor_CrashDuringEffectsResumesWithoutDuplicates(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "42", "Add login")
	f.docs.FailNext("CreatePage", &adapter.PermanentError{Service: "confluence", Op: "create page", StatusCode: 400, Err: errors.New("bad request")})

	_, err := f.exec.Run(context.Background(), stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})
	require.Error(t, err)
	assert.ErrorIs(t, err, stage.ErrExternalFailure)
	var pe *adapter.PermanentError
	assert.ErrorAs(t, err, &pe)

	rec := f.record(t, "42")
	assert.Equal(t, pipeline.StateCreated, rec.State)
	assert.Equal(t, "E1", rec.TrackerEpicKey, "epic reference survives the failed run")
	assert.Empty(t, rec.Claims, "lease is released on failure")
	_, err = f.store.GetArtifact(context.Background(), "42", pipeline.StageAnalysis, "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	res := f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})

	assert.Equal(t, pipeline.StateAnalyzed, res.State)
	assert.Equal(t, 1, f.tracker.Calls("CreateEpic"))
	assert.Equal(t, 2, f.docs.Calls("CreatePage"))
	assert.Equal(t, 3, f.tracker.Calls("CreateStory"))
	assert.Equal(t, []string{"K1", "K2", "K3"}, f.record(t, "42").StoryKeys)
}

func TestExecutor_CrashAfterArtifactReplays(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "42", "Add login")
	f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})

	// Simulate a run that persisted its artifact but died before advancing.
	_, err := store.Update(context.Background(), f.store, "42", func(rec *store.FeatureRecord) error {
		rec.State = pipeline.StateCreated
		delete(rec.Effects, "analysis/notify")
		return nil
	})
	require.NoError(t, err)

	res := f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})

	assert.True(t, res.Replayed)
	assert.Equal(t, 1, res.Artifact.Version)
	assert.Equal(t, pipeline.StateAnalyzed, f.record(t, "42").State)
	assert.Equal(t, 1, f.model.Calls(), "replay does not regenerate")
	assert.Equal(t, 1, f.tracker.Calls("CreateEpic"))
	assert.Equal(t, 3, f.tracker.Calls("CreateStory"))
	assert.Equal(t, 1, f.docs.Calls("CreatePage"))
	assert.Len(t, f.notifier.Sent(), 2, "missing notification is sent on replay")
}

func TestExecutor_MalformedOutput(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "42", "Add login")
	f.responses["Analyze this requirement"] = `{"summary": "no stories here", "analysis": "# Login"}`

	_, err := f.exec.Run(context.Background(), stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})

	require.Error(t, err)
	assert.ErrorIs(t, err, stage.ErrMalformedOutput)
	assert.ErrorIs(t, err, artifact.ErrMalformed)
	assert.Equal(t, stage.KindMalformedOutput, stage.KindOf(err))
	assert.False(t, stage.IsBenign(err))
	assert.Zero(t, f.tracker.Calls("CreateEpic"))

	rec := f.record(t, "42")
	assert.Equal(t, pipeline.StateCreated, rec.State)
	assert.Empty(t, rec.Claims)
}

func TestExecutor_GenerationFailed(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "42", "Add login")
	f.model.Err = &adapter.ModelError{Model: "mock", Retriable: true, Err: errors.New("overloaded")}

	_, err := f.exec.Run(context.Background(), stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})

	require.Error(t, err)
	assert.ErrorIs(t, err, stage.ErrGenerationFailed)
	var me *adapter.ModelError
	require.ErrorAs(t, err, &me)
	assert.True(t, me.Retriable)
	assert.Equal(t, pipeline.StateCreated, f.record(t, "42").State)
}

func TestExecutor_InvalidTransition(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "42", "Add login")

	_, err := f.exec.Run(context.Background(), stage.Request{
		FeatureID: "42",
		Stage:     pipeline.StageQATestGen,
		Subject:   "K1",
		Event:     stage.Event{PRNumber: 7},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, stage.ErrInvalidTransition)
	var te *pipeline.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, pipeline.StateCreated, te.Current)
	assert.Zero(t, f.model.Calls())
	assert.Equal(t, pipeline.StateCreated, f.record(t, "42").State)
}

func TestExecutor_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  stage.Request
	}{
		{name: "unknown feature", req: stage.Request{FeatureID: "99", Stage: pipeline.StageAnalysis}},
		{name: "unknown stage", req: stage.Request{FeatureID: "42", Stage: "dev-story"}},
		{name: "per-story stage without subject", req: stage.Request{FeatureID: "42", Stage: pipeline.StageCodeReview}},
		{name: "per-feature stage with subject", req: stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis, Subject: "K1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.createFeature(t, "42", "Add login")

			_, err := f.exec.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, stage.ErrInvalidRequest)
			assert.Equal(t, stage.KindInvalidRequest, stage.KindOf(err))
		})
	}
}

func TestExecutor_MissingDependency(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "42", "Add login")
	f.setState(t, "42", pipeline.StateAnalyzed)

	_, err := f.exec.Run(context.Background(), stage.Request{FeatureID: "42", Stage: pipeline.StageSprintPlanning})

	require.Error(t, err)
	assert.ErrorIs(t, err, stage.ErrMissingDependency)
	assert.Zero(t, f.model.Calls())
}

func TestExecutor_ConcurrentSprintPlanning(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "42", "Add login")
	f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})

	f.model.Started = make(chan struct{})
	f.model.Release = make(chan struct{})

	type outcome struct {
		res *stage.Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := f.exec.Run(context.Background(), stage.Request{FeatureID: "42", Stage: pipeline.StageSprintPlanning})
		first <- outcome{res, err}
	}()

	// The first run holds the lease while it waits on the model.
	<-f.model.Started
	_, err := f.exec.Run(context.Background(), stage.Request{FeatureID: "42", Stage: pipeline.StageSprintPlanning})
	require.Error(t, err)
	assert.True(t, stage.IsBenign(err))
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, stage.KindConflict, stage.KindOf(err))

	close(f.model.Release)
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, pipeline.StatePlanned, got.res.State)

	rec := f.record(t, "42")
	assert.Equal(t, pipeline.StatePlanned, rec.State)
	assert.Equal(t, "P2", rec.SprintPlanID)
	assert.Empty(t, rec.Claims)
	assert.Equal(t, 2, f.docs.Calls("CreatePage"))
	assert.Equal(t, 2, f.model.Calls())

	arts, err := f.store.ListArtifacts(context.Background(), "42")
	require.NoError(t, err)
	assert.Len(t, arts, 2)
}

func TestExecutor_ExpiredLeaseIsTakenOver(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "42", "Add login")
	_, err := store.Update(context.Background(), f.store, "42", func(rec *store.FeatureRecord) error {
		return rec.Acquire("analysis", "crashed-run", f.now.Add(-time.Hour), 10*time.Minute)
	})
	require.NoError(t, err)

	res := f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})
	assert.Equal(t, pipeline.StateAnalyzed, res.State)
	assert.Empty(t, f.record(t, "42").Claims)
}

func TestExecutor_SprintPlanning(t *testing.T) {
	f := newFixture(t)
	f.planned(t)

	rec := f.record(t, "42")
	assert.Equal(t, pipeline.StatePlanned, rec.State)
	assert.Equal(t, "P2", rec.SprintPlanID)
	assert.Equal(t, "P2", rec.DocPageIDs["sprint-planning"])

	a, err := f.store.GetArtifact(context.Background(), "42", pipeline.StageSprintPlanning, "")
	require.NoError(t, err)
	var plan artifact.SprintPlan
	require.NoError(t, artifact.DecodeInto(a.Payload, &plan))
	assert.Equal(t, 5, plan.TeamSize)
	assert.Equal(t, 10, plan.TotalPoints())

	require.Len(t, f.tracker.Comments, 1)
	assert.Equal(t, "E1", f.tracker.Comments[0].Target)
	assert.Contains(t, f.docs.Created[1].Body, "K2: 5 points, priority 2")
	assert.Contains(t, f.model.Prompts[1], "K1: Sign in form")
}

func TestExecutor_SprintPlanUnknownStory(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "42", "Add login")
	f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})
	f.responses["Create a sprint plan"] = `{"goal": "g", "assignments": [{"story_key": "X-9", "points": 1, "priority": 1}]}`

	_, err := f.exec.Run(context.Background(), stage.Request{FeatureID: "42", Stage: pipeline.StageSprintPlanning})
	assert.ErrorIs(t, err, stage.ErrMalformedOutput)
}

func TestExecutor_UnitTestGen(t *testing.T) {
	f := newFixture(t)
	f.planned(t)
	f.source.Commits["abc1234def"] = []adapter.ChangedFile{
		{Path: "README.md", Patch: "+docs"},
		{Path: "auth/login.go", Patch: "+func Login()"},
		{Path: "auth/login_test.go", Patch: "+func TestLogin()"},
		{Path: "auth/old.go", Status: "removed"},
		{Path: "auth/session.go", Patch: "+func Session()"},
		{Path: "web/app.ts", Patch: "+export {}"},
		{Path: "web/extra.ts", Patch: "+export {}"},
	}

	res := f.run(t, stage.Request{
		FeatureID: "42",
		Stage:     pipeline.StageUnitTestGen,
		Subject:   "abc1234def",
		Event:     stage.Event{StoryKey: "K1", Branch: "feature/K1", CommitSHA: "abc1234def"},
	})

	assert.Equal(t, pipeline.StatePlanned, res.State, "unit test generation does not move the feature")
	var ut artifact.UnitTests
	require.NoError(t, artifact.DecodeInto(res.Artifact.Payload, &ut))
	assert.Equal(t, []string{"auth/login.go", "auth/session.go", "web/app.ts"}, ut.Files)
	assert.Equal(t, "K1", ut.StoryKey)

	rec := f.record(t, "42")
	assert.Equal(t, pipeline.StateStoryInProgress, rec.Stories["K1"].State)
	assert.Equal(t, "feature/K1", rec.Stories["K1"].Branch)
	assert.Equal(t, pipeline.StatePlanned, rec.Stories["K2"].State)

	last := f.source.Comments[len(f.source.Comments)-1]
	assert.Equal(t, "abc1234def", last.Target)
	assert.Contains(t, last.Body, "auth/login_test.go")
}

func TestExecutor_UnitTestGenSkipsWithoutSourceFiles(t *testing.T) {
	f := newFixture(t)
	f.planned(t)
	f.source.Commits["fff"] = []adapter.ChangedFile{{Path: "docs/guide.md", Patch: "+x"}}
	calls := f.model.Calls()

	res := f.run(t, stage.Request{
		FeatureID: "42",
		Stage:     pipeline.StageUnitTestGen,
		Subject:   "fff",
		Event:     stage.Event{StoryKey: "K2"},
	})

	var ut artifact.UnitTests
	require.NoError(t, artifact.DecodeInto(res.Artifact.Payload, &ut))
	assert.True(t, ut.Skipped)
	assert.Equal(t, calls, f.model.Calls())
	last := f.source.Comments[len(f.source.Comments)-1]
	assert.Contains(t, last.Body, "skipped")
}

func TestExecutor_PullRequestStages(t *testing.T) {
	f := newFixture(t)
	f.planned(t)
	f.source.PRs[7] = adapter.PullRequest{Number: 7, Title: "Login form", Branch: "feature/K1", HeadSHA: "h1"}
	f.source.PRFiles[7] = []adapter.ChangedFile{{Path: "auth/login.go"}}
	f.source.Diffs[7] = "diff --git a/auth/login.go"

	qa := f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageQATestGen, Subject: "K1", Event: stage.Event{PRNumber: 7}})
	assert.Equal(t, pipeline.StateTested, qa.State)

	// The PR number recorded by QA is reused when the event omits it.
	review := f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageCodeReview, Subject: "K1"})
	assert.Equal(t, pipeline.StateReviewed, review.State)

	rec := f.record(t, "42")
	sp := rec.Stories["K1"]
	assert.Equal(t, pipeline.StateReviewed, sp.State)
	assert.Equal(t, 7, sp.PRNumber)
	assert.Equal(t, qa.RunID, sp.TestRunID)
	assert.Equal(t, artifact.VerdictApprove, sp.ReviewStatus)
	assert.Equal(t, artifact.VerdictApprove, rec.ReviewStatus)
	assert.Equal(t, []adapter.StatusCall{{Key: "K1", Status: "In Review"}}, f.tracker.Statuses)

	// QA for another story keeps the feature reviewed.
	f.source.PRs[8] = adapter.PullRequest{Number: 8, Title: "Sessions", HeadSHA: "s1"}
	qa2 := f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageQATestGen, Subject: "K2", Event: stage.Event{PRNumber: 8}})
	assert.Equal(t, pipeline.StateReviewed, qa2.State)
	assert.Equal(t, pipeline.StateTested, f.record(t, "42").Stories["K2"].State)
}

func TestExecutor_ReviewNewPushCreatesNewVersion(t *testing.T) {
	f := newFixture(t)
	f.planned(t)
	f.source.PRs[7] = adapter.PullRequest{Number: 7, Title: "Login form", HeadSHA: "h1"}
	f.source.Diffs[7] = "first diff"
	req := stage.Request{FeatureID: "42", Stage: pipeline.StageCodeReview, Subject: "K1", Event: stage.Event{PRNumber: 7}}

	v1 := f.run(t, req)
	again := f.run(t, req)
	assert.True(t, again.Replayed)
	assert.Equal(t, v1.Artifact.Version, again.Artifact.Version)
	prComments := func() int {
		n := 0
		for _, c := range f.source.Comments {
			if c.Target == "#7" {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 1, prComments())

	f.source.PRs[7] = adapter.PullRequest{Number: 7, Title: "Login form", HeadSHA: "h2"}
	f.source.Diffs[7] = "second diff"
	v2 := f.run(t, req)

	assert.Equal(t, 2, v2.Artifact.Version)
	assert.False(t, v2.Replayed)
	assert.Equal(t, 2, prComments())
	assert.Contains(t, f.record(t, "42").Effects, "code-review@K1/pr-comment.v2")
}

func TestExecutor_StandupAndDeploy(t *testing.T) {
	f := newFixture(t)
	f.planned(t)
	f.setState(t, "42", pipeline.StateMerged)
	f.source.Activity = adapter.Activity{OpenIssues: 4, ClosedIssues: 2, OpenPRs: 1, MergedPRs: 3, Completed: []string{"Login form"}}

	standup := f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageStandup})
	assert.Equal(t, pipeline.StateReported, standup.State)

	var s artifact.Standup
	require.NoError(t, artifact.DecodeInto(standup.Artifact.Payload, &s))
	assert.Equal(t, 3, s.Metrics.MergedPRs)
	assert.Equal(t, []string{"Login form"}, s.Completed)
	assert.Equal(t, 24*time.Hour, s.WindowEnd.Sub(s.WindowStart))
	require.Len(t, f.source.SinceSeen, 1)
	assert.Equal(t, f.now.Add(-24*time.Hour), f.source.SinceSeen[0])

	require.Len(t, f.docs.Updated, 1)
	assert.Equal(t, "P2", f.docs.Updated[0].ID)
	assert.Contains(t, f.docs.Updated[0].Body, "Sprint goal")
	assert.Contains(t, f.docs.Updated[0].Body, "Merged PRs: 3")

	deploy := f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageDeploy})
	assert.Equal(t, pipeline.StateDeployed, deploy.State)
	assert.Zero(t, deploy.Usage.TotalTokens())

	var d artifact.Deploy
	require.NoError(t, artifact.DecodeInto(deploy.Artifact.Payload, &d))
	assert.True(t, d.Success)
	assert.Equal(t, "staging", d.Environment)
	assert.Len(t, d.Steps, 2)
	assert.Equal(t, stage.DeploySucceeded, f.record(t, "42").DeployStatus)
	assert.Len(t, f.deployer.Calls, 1)
}

func TestExecutor_DeployFailure(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "42", "Add login")
	f.setState(t, "42", pipeline.StateReported)
	f.deployer.FailStep = "release"

	_, err := f.exec.Run(context.Background(), stage.Request{FeatureID: "42", Stage: pipeline.StageDeploy})

	require.Error(t, err)
	assert.ErrorIs(t, err, stage.ErrDeployFailed)
	rec := f.record(t, "42")
	assert.Equal(t, pipeline.StateReported, rec.State)
	assert.Equal(t, stage.DeployFailed, rec.DeployStatus)
	assert.NotContains(t, rec.Effects, "deploy/deploy")

	// A retry deploys again.
	f.deployer.FailStep = ""
	res := f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageDeploy})
	assert.Equal(t, pipeline.StateDeployed, res.State)
	assert.Len(t, f.deployer.Calls, 2)
}

func TestExecutor_NotificationFailureDoesNotFailRun(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "42", "Add login")
	f.notifier.FailNext(errors.New("slack down"))

	res := f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})
	assert.Equal(t, pipeline.StateAnalyzed, res.State)
	assert.NotContains(t, f.record(t, "42").Effects, "analysis/notify")

	// The re-trigger delivers the missed notification.
	f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})
	assert.Len(t, f.notifier.Sent(), 1)
}

func TestExecute_ReturnsArtifact(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "42", "Add login")

	a, err := f.exec.Execute(context.Background(), stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageAnalysis, a.Stage)

	_, err = f.exec.Execute(context.Background(), stage.Request{FeatureID: "42", Stage: pipeline.StageDeploy})
	assert.ErrorIs(t, err, stage.ErrInvalidTransition)
}

func TestNewExecutor_RequiresServices(t *testing.T) {
	_, err := stage.NewExecutor(nil, pipeline.NewMachine(), stage.Services{}, config.DefaultConfig())
	assert.ErrorIs(t, err, stage.ErrInvalidRequest)
}

func TestExecutor_RedeliveredStoryEventAfterStateMoved(t *testing.T) {
	tests := []struct {
		name      string
		newDiff   string
		wantErr   error
		replayed  bool
		wantState pipeline.State
	}{
		{name: "unchanged inputs replay", replayed: true, wantState: pipeline.StateMerged},
		{name: "changed inputs are rejected", newDiff: "second diff", wantErr: stage.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.planned(t)
			f.source.PRs[7] = adapter.PullRequest{Number: 7, Title: "Login form", HeadSHA: "h1"}
			f.source.Diffs[7] = "first diff"
			req := stage.Request{FeatureID: "42", Stage: pipeline.StageCodeReview, Subject: "K1", Event: stage.Event{PRNumber: 7}}

			first := f.run(t, req)
			f.setState(t, "42", pipeline.StateMerged)
			comments, sent := len(f.source.Comments), len(f.notifier.Sent())
			if tt.newDiff != "" {
				f.source.Diffs[7] = tt.newDiff
			}

			res, err := f.exec.Run(context.Background(), req)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.replayed, res.Replayed)
			assert.Equal(t, tt.wantState, res.State)
			assert.Equal(t, first.Artifact.Version, res.Artifact.Version)
			assert.Len(t, f.source.Comments, comments)
			assert.Len(t, f.notifier.Sent(), sent)
			assert.Equal(t, pipeline.StateMerged, f.record(t, "42").State)
		})
	}
}

// withTester rebuilds the executor with a test runner.
func (f *fixture) withTester(t *testing.T, tester adapter.TestRunner) {
	t.Helper()
	exec, err := stage.NewExecutor(f.store, pipeline.NewMachine(), stage.Services{
		Tracker:  f.tracker,
		Docs:     f.docs,
		Notifier: f.notifier,
		Model:    f.model,
		Source:   f.source,
		Deployer: f.deployer,
		Tester:   tester,
	}, f.cfg, stage.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.exec = exec
}

func TestExecutor_GeneratedTestsAreRun(t *testing.T) {
	f := newFixture(t)
	f.planned(t)
	tester := &adapter.MockTestRunner{Results: adapter.TestResults{Passed: 3, Failed: 1, Output: "x::a PASSED"}}
	f.withTester(t, tester)
	f.responses["Create integration test scenarios"] = `{"summary": "Covers sign in.", "scenarios": [{"title": "Valid login"}], "test_code": "def test_login(): pass"}`
	f.source.PRs[7] = adapter.PullRequest{Number: 7, Title: "Login form", HeadSHA: "h1"}
	f.source.Commits["abc1234def"] = []adapter.ChangedFile{{Path: "auth/login.go", Patch: "+func Login()"}}

	ut := f.run(t, stage.Request{
		FeatureID: "42",
		Stage:     pipeline.StageUnitTestGen,
		Subject:   "abc1234def",
		Event:     stage.Event{StoryKey: "K1"},
	})
	var unit artifact.UnitTests
	require.NoError(t, artifact.DecodeInto(ut.Artifact.Payload, &unit))
	require.NotNil(t, unit.Results)
	assert.Equal(t, 3, unit.Results.Passed)
	assert.Equal(t, 1, unit.Results.Failed)
	assert.InDelta(t, 75.0, unit.Results.SuccessRate(), 0.01)
	last := f.source.Comments[len(f.source.Comments)-1]
	assert.Contains(t, last.Body, "Results: 3 passed, 1 failed, 0 errors (75.0% success)")

	qa := f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageQATestGen, Subject: "K1", Event: stage.Event{PRNumber: 7}})
	var q artifact.QATests
	require.NoError(t, artifact.DecodeInto(qa.Artifact.Payload, &q))
	require.NotNil(t, q.Results)
	assert.Equal(t, "tests/qa/test_pr_7.py", q.TestPath)

	require.Len(t, tester.Calls, 2)
	assert.Equal(t, []adapter.TestFile{{Path: "auth/login_test.go", Content: "package auth"}}, tester.Calls[0])
	assert.Equal(t, []adapter.TestFile{{Path: "tests/qa/test_pr_7.py", Content: "def test_login(): pass"}}, tester.Calls[1])

	pr := f.source.Comments[len(f.source.Comments)-1]
	assert.Equal(t, "#7", pr.Target)
	assert.Contains(t, pr.Body, "**Success rate:** 75.0%")
	msgs := f.notifier.Sent()
	assert.Contains(t, msgs[len(msgs)-1].Text, "3 passed, 1 failed")

	// A replay reuses the recorded results without running the tests again.
	f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageQATestGen, Subject: "K1", Event: stage.Event{PRNumber: 7}})
	assert.Len(t, tester.Calls, 2)
}

func TestExecutor_QAWithoutTestCodeRunsNothing(t *testing.T) {
	f := newFixture(t)
	f.planned(t)
	tester := &adapter.MockTestRunner{}
	f.withTester(t, tester)
	f.source.PRs[7] = adapter.PullRequest{Number: 7, HeadSHA: "h1"}

	res := f.run(t, stage.Request{FeatureID: "42", Stage: pipeline.StageQATestGen, Subject: "K1", Event: stage.Event{PRNumber: 7}})

	var q artifact.QATests
	require.NoError(t, artifact.DecodeInto(res.Artifact.Payload, &q))
	assert.Nil(t, q.Results)
	assert.Empty(t, tester.Calls)
}

func TestExecutor_TestRunnerFailureFailsRun(t *testing.T) {
	f := newFixture(t)
	f.planned(t)
	f.withTester(t, &adapter.MockTestRunner{Err: errors.New("cannot write test dir")})
	f.source.Commits["abc"] = []adapter.ChangedFile{{Path: "auth/login.go", Patch: "+x"}}

	_, err := f.exec.Run(context.Background(), stage.Request{
		FeatureID: "42",
		Stage:     pipeline.StageUnitTestGen,
		Subject:   "abc",
		Event:     stage.Event{StoryKey: "K1"},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot write test dir")
	_, gerr := f.store.GetArtifact(context.Background(), "42", pipeline.StageUnitTestGen, "abc")
	assert.ErrorIs(t, gerr, store.ErrNotFound)
}
