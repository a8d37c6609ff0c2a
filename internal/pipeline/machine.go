package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"sdlcflow/internal/manifest"
)

// Sentinel errors for transition checks.
var (
	// ErrInvalidTransition indicates the feature's current state does not
	// permit the requested stage. It is fatal to the run and never retried.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrUnknownStage indicates a stage name with no transition rule, most
	// likely a typo in a manifest or CLI argument.
	ErrUnknownStage = errors.New("unknown stage")
)

// TransitionError describes a rejected stage request.
//
// It matches [ErrInvalidTransition] under errors.Is.
type TransitionError struct {
	Stage   Stage
	Current State
	Allowed []State
}

func (e *TransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("invalid transition: %s requires state %s, feature is %s",
		e.Stage, strings.Join(allowed, "|"), e.Current)
}

// Is makes errors.Is(err, ErrInvalidTransition) true.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// mergeFrom lists the states a merged pull request may move a feature out of.
var mergeFrom = []State{StateReviewed}

// Machine holds the transition table.
//
// Create with [NewMachine] for the built-in table or [NewMachineFromManifest]
// to load it from a CSV manifest.
type Machine struct {
	transitions map[Stage]Transition
	order       []Stage
}

// inFlight lists the feature states in which pull requests are being worked.
var inFlight = []State{StatePlanned, StateTested, StateReviewed}

// NewMachine creates a [Machine] with the built-in transition table:
//
//	analysis        created            -> analyzed
//	sprint-planning analyzed           -> planned
//	unit-test-gen   planned..reviewed  -> (none, story -> story-in-progress)
//	qa-test-gen     planned..reviewed  -> tested
//	code-review     planned..reviewed  -> reviewed
//	standup         merged             -> reported
//	deploy          reported           -> deployed
func NewMachine() *Machine {
	m := &Machine{transitions: make(map[Stage]Transition)}
	m.add(Transition{
		Stage:       StageAnalysis,
		From:        []State{StateCreated},
		To:          StateAnalyzed,
		Granularity: GranularityFeature,
		Generates:   true,
	})
	m.add(Transition{
		Stage:       StageSprintPlanning,
		From:        []State{StateAnalyzed},
		To:          StatePlanned,
		Requires:    []Stage{StageAnalysis},
		Granularity: GranularityFeature,
		Generates:   true,
	})
	m.add(Transition{
		Stage:       StageUnitTestGen,
		From:        inFlight,
		StoryState:  StateStoryInProgress,
		Granularity: GranularityCommit,
		Generates:   true,
	})
	m.add(Transition{
		Stage:       StageQATestGen,
		From:        inFlight,
		To:          StateTested,
		StoryState:  StateTested,
		Requires:    []Stage{StageAnalysis},
		Granularity: GranularityStory,
		Generates:   true,
	})
	m.add(Transition{
		Stage:       StageCodeReview,
		From:        inFlight,
		To:          StateReviewed,
		StoryState:  StateReviewed,
		Requires:    []Stage{StageAnalysis},
		Granularity: GranularityStory,
		Generates:   true,
	})
	m.add(Transition{
		Stage:       StageStandup,
		From:        []State{StateMerged},
		To:          StateReported,
		Requires:    []Stage{StageSprintPlanning},
		Granularity: GranularityFeature,
		Generates:   true,
	})
	m.add(Transition{
		Stage:       StageDeploy,
		From:        []State{StateReported},
		To:          StateDeployed,
		Granularity: GranularityFeature,
	})
	return m
}

// NewMachineFromManifest builds a [Machine] from a stage manifest.
//
// Each manifest row becomes one transition. Multi-valued columns (from,
// requires) are pipe-separated. Rows are validated: states and granularities
// must be known and every required stage must itself appear in the manifest.
func NewMachineFromManifest(mf *manifest.Manifest) (*Machine, error) {
	m := &Machine{transitions: make(map[Stage]Transition)}

	for i, e := range mf.Entries {
		t := Transition{
			Stage:       Stage(e.Stage),
			Granularity: GranularityFeature,
			Generates:   true,
		}
		if _, dup := m.transitions[t.Stage]; dup {
			return nil, fmt.Errorf("manifest entry %d: duplicate stage %q", i+1, e.Stage)
		}

		for _, f := range splitList(e.From) {
			s, err := ParseState(f)
			if err != nil {
				return nil, fmt.Errorf("manifest entry %d: %w", i+1, err)
			}
			t.From = append(t.From, s)
		}
		if len(t.From) == 0 {
			return nil, fmt.Errorf("manifest entry %d: stage %q has no from state", i+1, e.Stage)
		}

		if e.To != "" {
			s, err := ParseState(e.To)
			if err != nil {
				return nil, fmt.Errorf("manifest entry %d: %w", i+1, err)
			}
			t.To = s
		}
		if e.StoryState != "" {
			s, err := ParseState(e.StoryState)
			if err != nil {
				return nil, fmt.Errorf("manifest entry %d: %w", i+1, err)
			}
			t.StoryState = s
		}

		if e.Granularity != "" {
			switch g := Granularity(e.Granularity); g {
			case GranularityFeature, GranularityStory, GranularityCommit:
				t.Granularity = g
			default:
				return nil, fmt.Errorf("manifest entry %d: unknown granularity %q", i+1, e.Granularity)
			}
		}

		if e.Generates != "" {
			gen, err := strconv.ParseBool(e.Generates)
			if err != nil {
				return nil, fmt.Errorf("manifest entry %d: generates: %w", i+1, err)
			}
			t.Generates = gen
		}

		for _, r := range splitList(e.Requires) {
			t.Requires = append(t.Requires, Stage(r))
		}

		m.add(t)
	}

	for _, t := range m.transitions {
		for _, r := range t.Requires {
			if _, ok := m.transitions[r]; !ok {
				return nil, fmt.Errorf("stage %q requires unknown stage %q", t.Stage, r)
			}
		}
	}

	return m, nil
}

func (m *Machine) add(t Transition) {
	m.transitions[t.Stage] = t
	m.order = append(m.order, t.Stage)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, "|") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Stages returns the configured stages in table order.
func (m *Machine) Stages() []Stage {
	out := make([]Stage, len(m.order))
	copy(out, m.order)
	return out
}

// Transition returns the rule for stage.
//
// Returns [ErrUnknownStage] when the stage is not in the table.
func (m *Machine) Transition(stage Stage) (Transition, error) {
	t, ok := m.transitions[stage]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	return t, nil
}

// Check returns the rule for stage if the feature state current permits it.
//
// Returns [ErrUnknownStage] for unknown stages and a [*TransitionError]
// (matching [ErrInvalidTransition]) when the state does not allow the stage.
func (m *Machine) Check(current State, stage Stage) (Transition, error) {
	t, err := m.Transition(stage)
	if err != nil {
		return Transition{}, err
	}
	if !t.Allows(current) {
		return t, &TransitionError{Stage: stage, Current: current, Allowed: t.From}
	}
	return t, nil
}

// Completed reports whether a feature in state current has already been
// moved by t. Stages without a feature transition are never completed by
// state alone.
func (m *Machine) Completed(current State, t Transition) bool {
	return t.Moves() && current.AtLeast(t.To)
}

// Advance returns the feature state after t completes. The result never
// moves backwards: a qa-test-gen run on a reviewed feature leaves it reviewed.
func (m *Machine) Advance(current State, t Transition) State {
	if !t.Moves() {
		return current
	}
	return Later(current, t.To)
}

// CheckMerge validates the merged-pull-request transition recorded by the
// dispatcher. It returns a [*TransitionError] unless the feature is reviewed.
func (m *Machine) CheckMerge(current State) error {
	for _, s := range mergeFrom {
		if s == current {
			return nil
		}
	}
	return &TransitionError{Stage: "merge", Current: current, Allowed: mergeFrom}
}
