package stage

import (
	"context"
	"errors"
	"fmt"

	"sdlcflow/internal/adapter"
	"sdlcflow/internal/artifact"
	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/store"
)

// Sentinel errors matched by [*Error] under errors.Is.
var (
	// ErrInvalidTransition is returned when the feature's state does not
	// permit the stage.
	ErrInvalidTransition = pipeline.ErrInvalidTransition

	// ErrInvalidRequest indicates a request that can never succeed as given:
	// unknown feature or stage, or a missing subject.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrMissingDependency indicates an upstream artifact or reference the
	// stage consumes does not exist yet.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrGenerationFailed indicates the generation model gave up.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrMalformedOutput indicates generated or stored output did not
	// validate against the stage schema.
	ErrMalformedOutput = errors.New("malformed output")

	// ErrExternalFailure indicates a tracker, documentation, source host or
	// deployer call failed permanently.
	ErrExternalFailure = errors.New("external service failure")

	// ErrDeployFailed indicates a deployment step reported failure.
	ErrDeployFailed = errors.New("deployment failed")
)

// Kind classifies a stage failure.
type Kind string

const (
	KindInvalidRequest    Kind = "invalid-request"
	KindInvalidTransition Kind = "invalid-transition"
	KindMissingDependency Kind = "missing-dependency"
	KindGenerationFailed  Kind = "generation-failed"
	KindMalformedOutput   Kind = "malformed-output"
	KindExternal          Kind = "external-failure"
	KindDeployFailed      Kind = "deploy-failed"
	KindTimeout           Kind = "timeout"
	KindConflict          Kind = "conflict"
	KindInternal          Kind = "internal"
)

// kindErrors maps each kind to the sentinel it matches.
var kindErrors = map[Kind]error{
	KindInvalidRequest:    ErrInvalidRequest,
	KindInvalidTransition: ErrInvalidTransition,
	KindMissingDependency: ErrMissingDependency,
	KindGenerationFailed:  ErrGenerationFailed,
	KindMalformedOutput:   ErrMalformedOutput,
	KindExternal:          ErrExternalFailure,
	KindDeployFailed:      ErrDeployFailed,
	KindTimeout:           context.DeadlineExceeded,
	KindConflict:          store.ErrConflict,
}

// Error is the failure of one stage run.
//
// It unwraps to both the sentinel for its [Kind] and the underlying cause, so
// errors.Is(err, ErrMalformedOutput) and errors.As(err, &permanentErr) both
// work on the same value.
type Error struct {
	FeatureID string
	Stage     pipeline.Stage
	Subject   string
	Kind      Kind
	Err       error
}

func (e *Error) Error() string {
	target := store.Key(e.Stage, e.Subject)
	sentinel := kindErrors[e.Kind]
	if sentinel != nil && !errors.Is(e.Err, sentinel) {
		return fmt.Sprintf("%s for feature %s: %v: %v", target, e.FeatureID, sentinel, e.Err)
	}
	return fmt.Sprintf("%s for feature %s: %v", target, e.FeatureID, e.Err)
}

func (e *Error) Unwrap() []error {
	if sentinel := kindErrors[e.Kind]; sentinel != nil {
		return []error{sentinel, e.Err}
	}
	return []error{e.Err}
}

// IsBenign reports whether err is an outcome the caller should treat as a
// no-op: a lost race or an artifact somebody else already wrote.
func IsBenign(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrDuplicateArtifact)
}

// KindOf returns the kind of a stage error, or [KindInternal].
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return classify(err)
}

// classify maps a cause to its kind. Order matters: a ModelError wrapping a
// deadline is a generation failure, not a timeout.
func classify(err error) Kind {
	var (
		se *Error
		me *adapter.ModelError
		pe *adapter.PermanentError
	)
	switch {
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, store.ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, pipeline.ErrUnknownStage):
		return KindInvalidRequest
	case errors.Is(err, ErrMissingDependency):
		return KindMissingDependency
	case errors.Is(err, ErrMalformedOutput), errors.Is(err, artifact.ErrMalformed):
		return KindMalformedOutput
	case errors.Is(err, ErrGenerationFailed), errors.As(err, &me):
		return KindGenerationFailed
	case errors.Is(err, ErrDeployFailed):
		return KindDeployFailed
	case errors.Is(err, ErrExternalFailure), errors.As(err, &pe):
		return KindExternal
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}
