package stage

import (
	"context"
	"fmt"

	"sdlcflow/internal/artifact"
	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/store"
)

// handler implements the stage-specific parts of a run. A fresh handler is
// created per run, so it may keep state between load and apply.
type handler interface {
	// load reads event inputs and returns the values the input digest is
	// computed from. Upstream artifacts are already loaded.
	load(ctx context.Context, r *run) (any, error)

	// produce returns the stage payload.
	produce(ctx context.Context, r *run) (artifact.Payload, error)

	// apply performs external side effects through r.once. It runs again on
	// replay, so every effect must go through the ledger.
	apply(ctx context.Context, r *run, p artifact.Payload) error

	// finish copies payload data onto the record in the advancing write.
	finish(rec *store.FeatureRecord, r *run, p artifact.Payload)

	// summary is the completion notification text.
	summary(r *run, p artifact.Payload) string
}

func newHandler(s pipeline.Stage) (handler, error) {
	switch s {
	case pipeline.StageAnalysis:
		return &analysisHandler{}, nil
	case pipeline.StageSprintPlanning:
		return &planningHandler{}, nil
	case pipeline.StageUnitTestGen:
		return &unitTestHandler{}, nil
	case pipeline.StageQATestGen, pipeline.StageCodeReview:
		return &pullRequestHandler{stage: s}, nil
	case pipeline.StageStandup:
		return &standupHandler{}, nil
	case pipeline.StageDeploy:
		return &deployHandler{}, nil
	}
	return nil, fmt.Errorf("%w: no handler for stage %q", ErrInvalidRequest, s)
}

// featureLabel names a feature in notifications.
func featureLabel(rec *store.FeatureRecord) string {
	return fmt.Sprintf("#%s %q", rec.ID, rec.Title)
}
