package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"sdlcflow/internal/adapter"
	"sdlcflow/internal/artifact"
	"sdlcflow/internal/store"
)

// Deploy statuses recorded on the feature.
const (
	DeploySucceeded = "succeeded"
	DeployFailed    = "failed"
)

// deployHandler runs the configured deployment steps. It does not call the
// generation model.
type deployHandler struct {
	steps []adapter.DeployStep
}

func (h *deployHandler) load(ctx context.Context, r *run) (any, error) {
	for _, s := range r.e.cfg.Pipeline.DeploySteps {
		h.steps = append(h.steps, adapter.DeployStep{Name: s.Name, Command: s.Command})
	}
	if len(h.steps) == 0 {
		return nil, fmt.Errorf("%w: no deploy steps configured", ErrInvalidRequest)
	}
	return struct {
		Environment string               `json:"environment"`
		Steps       []adapter.DeployStep `json:"steps"`
	}{r.e.cfg.Pipeline.Environment, h.steps}, nil
}

func (h *deployHandler) produce(ctx context.Context, r *run) (artifact.Payload, error) {
	env := r.e.cfg.Pipeline.Environment
	var failed *adapter.StepResult

	ref, err := r.once(ctx, "deploy", func(ctx context.Context) (string, error) {
		results, err := r.e.svc.Deployer.Deploy(ctx, env, h.steps)
		if err != nil {
			return "", err
		}
		for i := range results {
			if !results[i].OK {
				failed = &results[i]
				return "", fmt.Errorf("%w: step %q: %s", ErrDeployFailed, results[i].Name, results[i].Output)
			}
		}
		data, err := json.Marshal(results)
		return string(data), err
	}, nil)
	if err != nil {
		if failed != nil {
			if uerr := r.update(ctx, func(rec *store.FeatureRecord) { rec.DeployStatus = DeployFailed }); uerr != nil {
				r.log.Warn("failed to record deploy status", "error", uerr.Error())
			}
		}
		return nil, err
	}

	var results []adapter.StepResult
	if err := json.Unmarshal([]byte(ref), &results); err != nil {
		return nil, fmt.Errorf("decode recorded deploy results: %w", err)
	}
	d := &artifact.Deploy{Environment: env, Success: true, URL: r.e.cfg.Pipeline.EnvironmentURL}
	for _, res := range results {
		d.Steps = append(d.Steps, artifact.DeployStep{Name: res.Name, OK: res.OK, Output: res.Output, Duration: res.Duration})
	}
	return d, nil
}

func (h *deployHandler) apply(ctx context.Context, r *run, p artifact.Payload) error {
	d := p.(*artifact.Deploy)
	if r.rec.TrackerEpicKey == "" {
		return nil
	}
	_, err := r.once(ctx, "epic-comment", func(ctx context.Context) (string, error) {
		body := fmt.Sprintf("Deployed to %s.", d.Environment)
		if d.URL != "" {
			body += " " + d.URL
		}
		return r.rec.TrackerEpicKey, r.e.svc.Tracker.CommentOn(ctx, r.rec.TrackerEpicKey, body)
	}, nil)
	return err
}

func (h *deployHandler) finish(rec *store.FeatureRecord, r *run, p artifact.Payload) {
	rec.DeployStatus = DeploySucceeded
}

func (h *deployHandler) summary(r *run, p artifact.Payload) string {
	d := p.(*artifact.Deploy)
	msg := fmt.Sprintf("Deployment of %s to %s succeeded (%d steps)", featureLabel(r.rec), d.Environment, len(d.Steps))
	if d.URL != "" {
		msg += ": " + d.URL
	}
	return msg
}
