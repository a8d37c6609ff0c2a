package pipeline

import (
	"slices"
	"strings"
)

// Stage names one pipeline step.
type Stage string

const (
	StageAnalysis       Stage = "analysis"
	StageSprintPlanning Stage = "sprint-planning"
	StageUnitTestGen    Stage = "unit-test-gen"
	StageQATestGen      Stage = "qa-test-gen"
	StageCodeReview     Stage = "code-review"
	StageStandup        Stage = "standup"
	StageDeploy         Stage = "deploy"
)

// Granularity says what a single run of a stage is about.
type Granularity string

const (
	// GranularityFeature stages run once per feature and carry no subject.
	GranularityFeature Granularity = "feature"

	// GranularityStory stages run per story; the subject is the story key.
	GranularityStory Granularity = "story"

	// GranularityCommit stages run per pushed commit; the subject is the SHA.
	GranularityCommit Granularity = "commit"
)

// Transition is the rule for running one stage.
type Transition struct {
	// Stage is the stage this rule applies to.
	Stage Stage

	// From lists the feature states the stage may run from.
	From []State

	// To is the feature state after a successful run. Empty means the stage
	// does not move the feature (per-commit stages).
	To State

	// StoryState is the story sub-state recorded for per-story and per-commit
	// stages. Empty for per-feature stages.
	StoryState State

	// Requires lists stages whose artifacts must exist before this one runs.
	Requires []Stage

	// Granularity determines how runs are keyed.
	Granularity Granularity

	// Generates is false for stages that do not call the generation model.
	Generates bool
}

// Allows reports whether the stage may run when the feature is in state s.
func (t Transition) Allows(s State) bool {
	return slices.Contains(t.From, s)
}

// NeedsSubject reports whether runs of this stage are keyed by a subject.
func (t Transition) NeedsSubject() bool {
	return t.Granularity == GranularityStory || t.Granularity == GranularityCommit
}

// Moves reports whether the stage changes the feature state.
func (t Transition) Moves() bool {
	return t.To != ""
}

func (t Transition) fromList() string {
	names := make([]string, len(t.From))
	for i, s := range t.From {
		names[i] = string(s)
	}
	return strings.Join(names, "|")
}
