package trigger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"sdlcflow/internal/adapter"
	"sdlcflow/internal/config"
	"sdlcflow/internal/logging"
	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/stage"
	"sdlcflow/internal/store"
)

// Runner runs one stage. *stage.Executor implements it.
type Runner interface {
	Run(ctx context.Context, req stage.Request) (*stage.Result, error)
	Machine() *pipeline.Machine
}

// Outcome is the result of one stage run started by an event.
type Outcome struct {
	Request stage.Request
	Result  *stage.Result
	Err     error
}

// Failed reports whether the run failed for a reason other than a lost race.
func (o Outcome) Failed() bool {
	return o.Err != nil && !stage.IsBenign(o.Err)
}

// FirstFailure returns the first non-benign error among outcomes.
func FirstFailure(outcomes []Outcome) error {
	for _, o := range outcomes {
		if o.Failed() {
			return o.Err
		}
	}
	return nil
}

// Dispatcher maps events to stage runs.
//
// It never retries: a failed run records its error on the feature and sends
// a failure notification, and the next delivery of the same event re-runs it.
type Dispatcher struct {
	store    store.Store
	runner   Runner
	notifier adapter.Notifier
	cfg      *config.Config
	keys     *regexp.Regexp
	log      *logging.Logger
}

// NewDispatcher creates a Dispatcher. notifier may be nil.
func NewDispatcher(st store.Store, runner Runner, notifier adapter.Notifier, cfg *config.Config, log *logging.Logger) (*Dispatcher, error) {
	keys, err := regexp.Compile(cfg.Pipeline.StoryKeyPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid story key pattern: %w", err)
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Dispatcher{store: st, runner: runner, notifier: notifier, cfg: cfg, keys: keys, log: log}, nil
}

// Dispatch runs every stage ev triggers and returns their outcomes.
//
// The returned error covers routing only (unknown story, malformed event);
// stage failures are reported per outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) ([]Outcome, error) {
	log := d.log.With("event", ev.String())
	if ev.Delivery != "" {
		log = log.With("delivery", ev.Delivery)
	}
	log.Info("dispatching event")

	switch ev.Kind {
	case KindIssueOpened:
		return d.issueOpened(ctx, ev)
	case KindPush:
		return d.push(ctx, ev)
	case KindPROpened, KindPRSynchronize:
		return d.pullRequest(ctx, ev)
	case KindPRMerged:
		return d.merged(ctx, ev)
	case KindSchedule:
		return d.Tick(ctx)
	}
	return nil, fmt.Errorf("%w: %s", ErrIgnored, ev.Kind)
}

// issueOpened creates the feature record, then runs analysis and sprint
// planning. A redelivered event finds the record and lets the executor replay.
func (d *Dispatcher) issueOpened(ctx context.Context, ev *Event) ([]Outcome, error) {
	id := strconv.Itoa(ev.IssueNumber)
	err := d.store.CreateFeature(ctx, store.NewFeatureRecord(id, ev.Title, ev.Body))
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		d.log.WithFeature(id).Info("feature already exists")
	case err != nil:
		return nil, fmt.Errorf("create feature %s: %w", id, err)
	default:
		d.log.WithFeature(id).Info("feature created", "title", ev.Title)
	}
	return d.chain(ctx, id, pipeline.StageAnalysis, pipeline.StageSprintPlanning), nil
}

// push runs unit test generation for a commit on a story branch.
func (d *Dispatcher) push(ctx context.Context, ev *Event) ([]Outcome, error) {
	key := d.storyFromBranch(ev.Branch)
	if key == "" {
		return nil, fmt.Errorf("%w: branch %s is not a story branch", ErrIgnored, ev.Branch)
	}
	rec, err := d.featureFor(ctx, key)
	if err != nil {
		return nil, err
	}
	return []Outcome{d.run(ctx, stage.Request{
		FeatureID: rec.ID,
		Stage:     pipeline.StageUnitTestGen,
		Subject:   ev.CommitSHA,
		Event:     stage.Event{StoryKey: key, Branch: ev.Branch, CommitSHA: ev.CommitSHA},
	})}, nil
}

// pullRequest runs QA test generation and code review for the story the
// pull request belongs to.
func (d *Dispatcher) pullRequest(ctx context.Context, ev *Event) ([]Outcome, error) {
	key := d.StoryKey(ev)
	if key == "" {
		return nil, fmt.Errorf("%w: pull request #%d names no story", ErrIgnored, ev.PRNumber)
	}
	rec, err := d.featureFor(ctx, key)
	if err != nil {
		return nil, err
	}
	se := stage.Event{StoryKey: key, Branch: ev.Branch, PRNumber: ev.PRNumber, CommitSHA: ev.CommitSHA}
	var out []Outcome
	for _, s := range []pipeline.Stage{pipeline.StageQATestGen, pipeline.StageCodeReview} {
		out = append(out, d.run(ctx, stage.Request{FeatureID: rec.ID, Stage: s, Subject: key, Event: se}))
	}
	return out, nil
}

// merged records the merge and chains standup and deploy.
func (d *Dispatcher) merged(ctx context.Context, ev *Event) ([]Outcome, error) {
	key := d.StoryKey(ev)
	if key == "" {
		return nil, fmt.Errorf("%w: pull request #%d names no story", ErrIgnored, ev.PRNumber)
	}
	rec, err := d.featureFor(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := d.recordMerge(ctx, rec.ID, key, ev); err != nil {
		req := stage.Request{FeatureID: rec.ID, Stage: "merge", Subject: key, Event: stage.Event{PRNumber: ev.PRNumber}}
		o := Outcome{Request: req, Err: err}
		d.report(ctx, o)
		return []Outcome{o}, nil
	}
	return d.chain(ctx, rec.ID, pipeline.StageStandup, pipeline.StageDeploy), nil
}

func (d *Dispatcher) recordMerge(ctx context.Context, id, key string, ev *Event) error {
	m := d.runner.Machine()
	_, err := store.Update(ctx, d.store, id, func(rec *store.FeatureRecord) error {
		sp := rec.Story(key)
		sp.State = pipeline.Later(sp.State, pipeline.StateMerged)
		if ev.PRNumber != 0 {
			sp.PRNumber = ev.PRNumber
		}
		// A redelivered merge leaves a feature that already moved on alone.
		if rec.State.AtLeast(pipeline.StateMerged) {
			return nil
		}
		if err := m.CheckMerge(rec.State); err != nil {
			return err
		}
		rec.State = pipeline.StateMerged
		return nil
	})
	if err != nil {
		return err
	}
	d.log.WithFeature(id).Info("merge recorded", "story", key, "pr", ev.PRNumber)
	return nil
}

// chain runs stages in order and stops at the first failure.
func (d *Dispatcher) chain(ctx context.Context, id string, stages ...pipeline.Stage) []Outcome {
	var out []Outcome
	for _, s := range stages {
		o := d.run(ctx, stage.Request{FeatureID: id, Stage: s})
		out = append(out, o)
		if o.Err != nil {
			break
		}
	}
	return out
}

// Tick runs the scheduled stages: standup for every merged feature, then
// deploy for those it reports. Features are processed concurrently, bounded
// by the configured worker count.
func (d *Dispatcher) Tick(ctx context.Context) ([]Outcome, error) {
	recs, err := store.ListByState(ctx, d.store, pipeline.StateMerged)
	if err != nil {
		return nil, err
	}
	workers := d.cfg.Pipeline.Workers
	if workers <= 0 {
		workers = 1
	}
	p := pool.NewWithResults[[]Outcome]().WithMaxGoroutines(workers)
	for _, rec := range recs {
		p.Go(func() []Outcome {
			return d.chain(ctx, rec.ID, pipeline.StageStandup, pipeline.StageDeploy)
		})
	}
	var out []Outcome
	for _, o := range p.Wait() {
		out = append(out, o...)
	}
	slices.SortStableFunc(out, func(a, b Outcome) int {
		return strings.Compare(a.Request.FeatureID, b.Request.FeatureID)
	})
	d.log.Info("tick complete", "features", len(recs), "runs", len(out))
	return out, nil
}

func (d *Dispatcher) run(ctx context.Context, req stage.Request) Outcome {
	res, err := d.runner.Run(ctx, req)
	o := Outcome{Request: req, Result: res, Err: err}
	if err != nil {
		d.report(ctx, o)
	}
	return o
}

// report records a failed run on the feature and notifies. Benign outcomes
// are only logged.
func (d *Dispatcher) report(ctx context.Context, o Outcome) {
	log := d.log.WithFeature(o.Request.FeatureID).WithStage(string(o.Request.Stage), o.Request.Subject)
	if !o.Failed() {
		log.Info("run skipped", "reason", o.Err.Error())
		return
	}
	// Record even when the run's own context was cancelled.
	ctx = context.WithoutCancel(ctx)
	_, err := store.Update(ctx, d.store, o.Request.FeatureID, func(rec *store.FeatureRecord) error {
		rec.LastError = o.Err.Error()
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn("failed to record error", "error", err.Error())
	}
	if d.notifier == nil {
		return
	}
	msg := fmt.Sprintf("❌ %s failed for feature %s (%s): %v",
		store.Key(o.Request.Stage, o.Request.Subject), o.Request.FeatureID, stage.KindOf(o.Err), unwrapStage(o.Err))
	if err := d.notifier.Send(ctx, d.cfg.Pipeline.Channel, msg); err != nil {
		log.Warn("failure notification failed", "error", err.Error())
	}
}

func unwrapStage(err error) error {
	var se *stage.Error
	if errors.As(err, &se) {
		return se.Err
	}
	return err
}

// featureFor finds the feature owning a story key.
func (d *Dispatcher) featureFor(ctx context.Context, key string) (*store.FeatureRecord, error) {
	rec, err := d.store.FindByStory(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no feature owns story %s", stage.ErrInvalidRequest, key)
	}
	return rec, err
}

// storyFromBranch extracts the story key from a "<prefix><key>" branch.
func (d *Dispatcher) storyFromBranch(branch string) string {
	rest, ok := strings.CutPrefix(branch, d.cfg.Pipeline.BranchPrefix)
	if !ok {
		return ""
	}
	if m := d.keys.FindString(rest); m != "" && strings.HasPrefix(rest, m) {
		return m
	}
	return ""
}

// StoryKey returns the story a pull request belongs to: from its head
// branch, else the first key in its title or body.
func (d *Dispatcher) StoryKey(ev *Event) string {
	if key := d.storyFromBranch(ev.Branch); key != "" {
		return key
	}
	if m := d.keys.FindString(ev.PRTitle); m != "" {
		return m
	}
	return d.keys.FindString(ev.PRBody)
}
