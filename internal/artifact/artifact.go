// Package artifact defines the typed payload carried by each stage's
// [store.StageArtifact].
//
// Every stage has exactly one payload type. Payloads are validated when a
// stage produces them and again when a downstream stage consumes them, so a
// malformed document never propagates through the pipeline.
//
// Key functions:
//   - [Parse] extracts and validates a payload from raw model output
//   - [Decode] validates a stored payload for a downstream consumer
//   - [Encode] serializes a payload for storage
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"

	"sdlcflow/internal/pipeline"
)

// SchemaVersion is written into every artifact produced by this build.
const SchemaVersion = 1

// ErrMalformed indicates a payload is missing required fields or is not
// valid JSON for its stage.
var ErrMalformed = errors.New("malformed payload")

// Payload is the stage-specific body of an artifact.
type Payload interface {
	// Stage returns the stage that produces this payload.
	Stage() pipeline.Stage

	// Validate reports missing or inconsistent fields, wrapping [ErrMalformed].
	Validate() error
}

// New returns an empty payload of the type produced by stage.
func New(stage pipeline.Stage) (Payload, error) {
	switch stage {
	case pipeline.StageAnalysis:
		return &Analysis{}, nil
	case pipeline.StageSprintPlanning:
		return &SprintPlan{}, nil
	case pipeline.StageUnitTestGen:
		return &UnitTests{}, nil
	case pipeline.StageQATestGen:
		return &QATests{}, nil
	case pipeline.StageCodeReview:
		return &Review{}, nil
	case pipeline.StageStandup:
		return &Standup{}, nil
	case pipeline.StageDeploy:
		return &Deploy{}, nil
	}
	return nil, fmt.Errorf("%w: %s", pipeline.ErrUnknownStage, stage)
}

// Decode unmarshals and validates a stored payload for stage.
func Decode(stage pipeline.Stage, raw json.RawMessage) (Payload, error) {
	p, err := New(stage)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, stage, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodeInto is like [Decode] but fills a caller-supplied payload of a known type.
func DecodeInto(raw json.RawMessage, p Payload) error {
	if err := json.Unmarshal(raw, p); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, p.Stage(), err)
	}
	return p.Validate()
}

// Encode validates p and serializes it.
func Encode(p Payload) (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Stage(), err)
	}
	return data, nil
}

// Parse extracts the JSON document from model output and decodes it as the
// payload for stage.
func Parse(stage pipeline.Stage, text string) (Payload, error) {
	doc, err := ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s output: %v", ErrMalformed, stage, err)
	}
	return Decode(stage, json.RawMessage(doc))
}

func malformed(stage pipeline.Stage, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, stage, fmt.Sprintf(format, args...))
}
