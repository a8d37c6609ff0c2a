package stage

import (
	"fmt"
	"time"

	"sdlcflow/internal/adapter"
	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/store"
)

// Request asks for one stage to run for one feature.
type Request struct {
	FeatureID string
	Stage     pipeline.Stage

	// Subject is the story key for per-story stages and the commit SHA for
	// per-commit stages. It is empty for per-feature stages.
	Subject string

	Event Event
}

// Event carries trigger data a stage may need beyond the record.
type Event struct {
	// StoryKey is the story a commit belongs to, for per-commit stages.
	StoryKey string

	// Branch is the pushed or pull request head branch.
	Branch string

	// PRNumber is the pull request a per-story stage reviews. When zero the
	// number recorded on the story is used.
	PRNumber int

	// CommitSHA is the pushed head commit.
	CommitSHA string
}

func (r Request) String() string {
	return fmt.Sprintf("%s for feature %s", store.Key(r.Stage, r.Subject), r.FeatureID)
}

// Result describes a finished run.
type Result struct {
	Artifact *store.StageArtifact
	RunID    string

	// State is the feature state after the run.
	State pipeline.State

	// Replayed is true when the inputs matched an existing artifact and no
	// new artifact was produced.
	Replayed bool

	// Usage sums generation token counts and cost for the run.
	Usage adapter.Completion

	Duration time.Duration
}

// Services are the external collaborators stages call.
// Notifier may be nil, in which case completions are only logged. Tester may
// be nil, in which case generated tests are reported without being run.
type Services struct {
	Tracker  adapter.IssueTracker
	Docs     adapter.DocumentSpace
	Notifier adapter.Notifier
	Model    adapter.GenerationModel
	Source   adapter.SourceHost
	Deployer adapter.Deployer
	Tester   adapter.TestRunner
}

func (s Services) validate() error {
	switch {
	case s.Tracker == nil:
		return fmt.Errorf("%w: no issue tracker configured", ErrInvalidRequest)
	case s.Docs == nil:
		return fmt.Errorf("%w: no document space configured", ErrInvalidRequest)
	case s.Model == nil:
		return fmt.Errorf("%w: no generation model configured", ErrInvalidRequest)
	case s.Source == nil:
		return fmt.Errorf("%w: no source host configured", ErrInvalidRequest)
	case s.Deployer == nil:
		return fmt.Errorf("%w: no deployer configured", ErrInvalidRequest)
	}
	return nil
}
