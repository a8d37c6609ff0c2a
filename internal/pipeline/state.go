// Package pipeline defines the delivery pipeline as a declarative state machine.
//
// A feature moves through a fixed sequence of [State] values. Each [Stage]
// is described by a [Transition] naming the states it may run from, the state
// it leaves the feature in, the upstream artifacts it consumes and whether it
// operates per feature, per story or per commit. The [Machine] is consulted by
// the trigger dispatcher and the stage executor before every run; it has no
// runtime of its own.
//
// Key types:
//   - [State] - position of a feature (or story) in the pipeline
//   - [Stage] - one pipeline step
//   - [Transition] - the rule for running a stage
//   - [Machine] - the transition table, hardcoded ([NewMachine]) or
//     manifest-driven ([NewMachineFromManifest])
package pipeline

import "fmt"

// State is the position of a feature in the pipeline.
//
// States are totally ordered; a feature's state only moves forward except
// through an explicit manual reset.
type State string

const (
	// StateCreated is the initial state, set when the originating issue is opened.
	StateCreated State = "created"

	// StateAnalyzed is set once requirement analysis has produced the story list.
	StateAnalyzed State = "analyzed"

	// StatePlanned is set once the sprint plan has been published.
	StatePlanned State = "planned"

	// StateStoryInProgress is a per-story sub-state, set when commits land on
	// a story branch. It is never the aggregate state of a feature.
	StateStoryInProgress State = "story-in-progress"

	// StateTested is set once QA tests were generated for a pull request.
	StateTested State = "tested"

	// StateReviewed is set once a code review was produced for a pull request.
	StateReviewed State = "reviewed"

	// StateMerged is set by the dispatcher when a reviewed pull request merges.
	StateMerged State = "merged"

	// StateReported is set once the standup report was published.
	StateReported State = "reported"

	// StateDeployed is the terminal state.
	StateDeployed State = "deployed"
)

// stateOrder lists states in pipeline order; the index is the state's rank.
var stateOrder = []State{
	StateCreated,
	StateAnalyzed,
	StatePlanned,
	StateStoryInProgress,
	StateTested,
	StateReviewed,
	StateMerged,
	StateReported,
	StateDeployed,
}

// Rank returns the position of s in the pipeline, or -1 for unknown states.
func (s State) Rank() int {
	for i, st := range stateOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	return s.Rank() >= 0
}

// IsTerminal reports whether s is the final pipeline state.
func (s State) IsTerminal() bool {
	return s == StateDeployed
}

// AtLeast reports whether s is at or beyond other in the pipeline.
func (s State) AtLeast(other State) bool {
	return s.Rank() >= other.Rank()
}

// ParseState converts a string into a [State], rejecting unknown values.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown pipeline state %q", v)
	}
	return s, nil
}

// Later returns whichever of a and b is further along the pipeline.
func Later(a, b State) State {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// States returns all states in pipeline order.
func States() []State {
	out := make([]State, len(stateOrder))
	copy(out, stateOrder)
	return out
}
