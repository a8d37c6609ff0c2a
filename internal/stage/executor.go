// Package stage runs exactly one pipeline stage for one feature.
//
// An [Executor] run is stateless and safe to re-trigger. Everything it needs
// is read from the store, and everything it does is written back before the
// next step:
//
//  1. load the feature and check the transition rule
//  2. load required upstream artifacts and event inputs, and digest them
//  3. take a lease on (stage, subject) so duplicate triggers lose cleanly
//  4. replay when an artifact with the same input digest exists
//  5. generate and validate the stage payload
//  6. perform external side effects, recording each in the effect ledger
//  7. persist the artifact, advance the state and release the lease
//  8. notify
//
// A per-story or per-commit trigger that arrives after the feature moved on
// is a no-op when its inputs are unchanged.
//
// Failures are returned as [*Error]; conflicts are benign (see [IsBenign]).
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sdlcflow/internal/adapter"
	"sdlcflow/internal/artifact"
	"sdlcflow/internal/config"
	"sdlcflow/internal/logging"
	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/store"
)

// Executor runs stages against a store and a set of services.
type Executor struct {
	store   store.Store
	machine *pipeline.Machine
	svc     Services
	cfg     *config.Config
	filter  *FileFilter
	log     *logging.Logger
	now     func() time.Time
	newID   func() string
}

// Option configures an [Executor].
type Option func(*Executor)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithRunIDs replaces the random run id generator.
func WithRunIDs(next func() string) Option {
	return func(e *Executor) { e.newID = next }
}

// NewExecutor creates an Executor. All services except the notifier are
// required.
func NewExecutor(st store.Store, m *pipeline.Machine, svc Services, cfg *config.Config, opts ...Option) (*Executor, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	filter, err := NewFileFilter(cfg.Pipeline.UnitTestInclude, cfg.Pipeline.UnitTestExclude, cfg.Pipeline.UnitTestMaxFiles)
	if err != nil {
		return nil, err
	}
	e := &Executor{
		store:   st,
		machine: m,
		svc:     svc,
		cfg:     cfg,
		filter:  filter,
		log:     logging.Nop(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Machine returns the transition table the executor checks.
func (e *Executor) Machine() *pipeline.Machine {
	return e.machine
}

// Execute runs the stage and returns its artifact.
func (e *Executor) Execute(ctx context.Context, req Request) (*store.StageArtifact, error) {
	res, err := e.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Artifact, nil
}

// Run runs the stage and describes the outcome.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	start := e.now()
	if e.cfg.Pipeline.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Pipeline.RunTimeout)
		defer cancel()
	}

	r := &run{
		e:   e,
		req: req,
		id:  e.newID(),
		key: store.Key(req.Stage, req.Subject),
	}
	r.log = e.log.WithFeature(req.FeatureID).WithStage(string(req.Stage), req.Subject).WithRun(r.id)

	res, err := r.execute(ctx)
	if r.claimed {
		// Detached so a cancelled run still frees its lease.
		r.release(context.WithoutCancel(ctx))
	}
	if err != nil {
		se := r.fail(err)
		if IsBenign(se) {
			r.log.Info("stage skipped", "reason", se.Err.Error())
		} else {
			r.log.Error("stage failed", "kind", string(se.Kind), "error", se.Err.Error())
		}
		return nil, se
	}

	res.RunID = r.id
	res.Usage = r.usage
	res.Duration = e.now().Sub(start)
	r.log.Info("stage completed",
		"version", res.Artifact.Version,
		"replayed", res.Replayed,
		"state", string(res.State),
		"tokens", r.usage.TotalTokens(),
		"cost_usd", r.usage.CostUSD,
	)
	return res, nil
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	e := r.e
	t, err := e.machine.Transition(r.req.Stage)
	if err != nil {
		return nil, err
	}
	r.t = t
	if t.NeedsSubject() && r.req.Subject == "" {
		return nil, fmt.Errorf("%w: %s runs per %s and needs a subject", ErrInvalidRequest, t.Stage, t.Granularity)
	}
	if !t.NeedsSubject() && r.req.Subject != "" {
		return nil, fmt.Errorf("%w: %s runs per feature and takes no subject", ErrInvalidRequest, t.Stage)
	}
	h, err := newHandler(r.req.Stage)
	if err != nil {
		return nil, err
	}

	rec, err := e.store.GetFeature(ctx, r.req.FeatureID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: feature %s does not exist", ErrInvalidRequest, r.req.FeatureID)
	}
	if err != nil {
		return nil, err
	}
	r.rec = rec

	// A per-feature stage that already moved the feature is finished; a
	// re-trigger only completes what the earlier run may have missed.
	if r.completed(rec) {
		if a, err := e.store.GetArtifact(ctx, rec.ID, t.Stage, ""); err == nil {
			return r.replayCompleted(ctx, h, a)
		}
	}

	if _, err := e.machine.Check(rec.State, r.req.Stage); err != nil {
		if !t.NeedsSubject() {
			return nil, err
		}
		// A redelivered story or commit event may arrive after the feature
		// moved on. Unchanged inputs replay the stored artifact.
		if derr := r.digestInputs(ctx, h); derr != nil {
			return nil, err
		}
		if a, ok := r.unchanged(ctx); ok {
			return r.replayUnchanged(a), nil
		}
		return nil, err
	}

	if err := r.digestInputs(ctx, h); err != nil {
		return nil, err
	}

	if err := r.claim(ctx); err != nil {
		return nil, err
	}
	// The state may have moved while inputs were loading.
	if r.completed(r.rec) {
		if a, err := e.store.GetArtifact(ctx, rec.ID, t.Stage, ""); err == nil {
			return r.replayCompleted(ctx, h, a)
		}
	}
	if _, err := e.machine.Check(r.rec.State, r.req.Stage); err != nil {
		if a, ok := r.unchanged(ctx); ok && t.NeedsSubject() {
			return r.replayUnchanged(a), nil
		}
		return nil, err
	}

	latest, err := e.store.GetArtifact(ctx, rec.ID, t.Stage, r.req.Subject)
	switch {
	case err == nil && latest.InputDigest == r.digest:
		return r.replay(ctx, h, latest)
	case err == nil:
		r.version = latest.Version + 1
	case errors.Is(err, store.ErrNotFound):
		r.version = 1
	default:
		return nil, err
	}

	r.log.Info("stage started", "version", r.version, "state", string(r.rec.State))
	p, err := h.produce(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := h.apply(ctx, r, p); err != nil {
		return nil, err
	}

	a, err := r.persist(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := r.advance(ctx, h, p); err != nil {
		return nil, err
	}
	r.notify(ctx, h.summary(r, p))

	return &Result{Artifact: a, State: r.rec.State}, nil
}

// digestInputs loads upstream artifacts and stage inputs and sets r.digest.
func (r *run) digestInputs(ctx context.Context, h handler) error {
	if err := r.loadUpstream(ctx); err != nil {
		return err
	}
	inputs, err := h.load(ctx, r)
	if err != nil {
		return err
	}
	r.digest, err = Digest(struct {
		Generation int           `json:"generation,omitempty"`
		Upstream   []upstreamRef `json:"upstream,omitempty"`
		Inputs     any           `json:"inputs"`
	}{r.rec.Generation, r.upstreamRefs(), inputs})
	return err
}

// unchanged returns the latest artifact for the run's key when it was
// produced from the same inputs.
func (r *run) unchanged(ctx context.Context) (*store.StageArtifact, bool) {
	if r.digest == "" {
		return nil, false
	}
	a, err := r.e.store.GetArtifact(ctx, r.rec.ID, r.t.Stage, r.req.Subject)
	if err != nil || a.InputDigest != r.digest {
		return nil, false
	}
	return a, true
}

// replayUnchanged reports an existing artifact for a stage the feature has
// moved past. Nothing is written and no effects run.
func (r *run) replayUnchanged(a *store.StageArtifact) *Result {
	r.version = a.Version
	r.log.Info("inputs unchanged since last run", "version", a.Version, "state", string(r.rec.State))
	return &Result{Artifact: a, State: r.rec.State, Replayed: true}
}

// replay finishes a run whose artifact already exists with identical
// inputs: recorded effects are skipped, missing ones are performed.
func (r *run) replay(ctx context.Context, h handler, a *store.StageArtifact) (*Result, error) {
	r.version = a.Version
	r.log.Info("replaying existing artifact", "version", a.Version)
	p, err := artifact.Decode(a.Stage, a.Payload)
	if err != nil {
		return nil, err
	}
	if err := h.apply(ctx, r, p); err != nil {
		return nil, err
	}
	if err := r.advance(ctx, h, p); err != nil {
		return nil, err
	}
	r.notify(ctx, h.summary(r, p))
	return &Result{Artifact: a, State: r.rec.State, Replayed: true}, nil
}

// replayCompleted handles a trigger for a per-feature stage whose state
// transition is already recorded.
func (r *run) replayCompleted(ctx context.Context, h handler, a *store.StageArtifact) (*Result, error) {
	r.version = a.Version
	p, err := artifact.Decode(a.Stage, a.Payload)
	if err != nil {
		return nil, err
	}
	if !r.claimed {
		if err := r.claim(ctx); err != nil {
			return nil, err
		}
	}
	r.log.Info("stage already completed", "version", a.Version, "state", string(r.rec.State))
	r.release(ctx)
	r.notify(ctx, h.summary(r, p))
	return &Result{Artifact: a, State: r.rec.State, Replayed: true}, nil
}

func (r *run) completed(rec *store.FeatureRecord) bool {
	return r.t.Granularity == pipeline.GranularityFeature && r.e.machine.Completed(rec.State, r.t)
}

func (r *run) persist(ctx context.Context, p artifact.Payload) (*store.StageArtifact, error) {
	raw, err := artifact.Encode(p)
	if err != nil {
		return nil, err
	}
	a := &store.StageArtifact{
		FeatureID:     r.req.FeatureID,
		Stage:         r.req.Stage,
		Subject:       r.req.Subject,
		Version:       r.version,
		SchemaVersion: artifact.SchemaVersion,
		InputDigest:   r.digest,
		RunID:         r.id,
		Payload:       raw,
		ProducedAt:    r.e.now().UTC(),
	}
	err = r.e.store.PutArtifact(ctx, a)
	if errors.Is(err, store.ErrDuplicateArtifact) {
		r.log.Warn("artifact version already written", "version", r.version)
		return r.e.store.GetArtifact(ctx, a.FeatureID, a.Stage, a.Subject)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *run) fail(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{
		FeatureID: r.req.FeatureID,
		Stage:     r.req.Stage,
		Subject:   r.req.Subject,
		Kind:      classify(err),
		Err:       err,
	}
}

// usage sums completions for one run.
func addUsage(total *adapter.Completion, c adapter.Completion) {
	total.Model = c.Model
	total.InputTokens += c.InputTokens
	total.OutputTokens += c.OutputTokens
	total.CostUSD += c.CostUSD
}
