// Package store defines durable pipeline state: one [FeatureRecord] per
// feature and immutable, versioned [StageArtifact] documents.
//
// Executions are stateless and may run on separate workers, so every write to
// a FeatureRecord is a compare-and-swap on [FeatureRecord.Version]. A lost
// race surfaces as [ErrConflict]; the store never retries on the caller's
// behalf. [Update] re-reads and re-applies a mutation for callers whose
// change is independent of the concurrent writer's.
//
// Backends live in sub-packages: filestore (YAML/JSON files on an afero
// filesystem) and sqlstore (SQLite or PostgreSQL).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sdlcflow/internal/pipeline"
)

// Sentinel errors returned by every [Store] implementation.
var (
	// ErrNotFound indicates the feature or artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a feature with the same id was already created.
	ErrAlreadyExists = errors.New("feature already exists")

	// ErrConflict indicates a compare-and-swap write lost to a concurrent
	// writer, or a run lease is held by another run. It is a benign outcome:
	// the losing run should exit without side effects.
	ErrConflict = errors.New("conflict")

	// ErrDuplicateArtifact indicates an artifact with the same key and
	// version was already written. Callers treat it as a successful no-op.
	ErrDuplicateArtifact = errors.New("duplicate artifact")
)

// Store persists feature records and stage artifacts.
type Store interface {
	// CreateFeature inserts a new record with Version 1.
	// Returns [ErrAlreadyExists] if the id is taken.
	CreateFeature(ctx context.Context, rec *FeatureRecord) error

	// GetFeature loads a record. Returns [ErrNotFound] if absent.
	GetFeature(ctx context.Context, id string) (*FeatureRecord, error)

	// PutFeature writes rec if the stored version equals rec.Version, then
	// increments rec.Version and stamps rec.UpdatedAt.
	// Returns [ErrConflict] on version mismatch and [ErrNotFound] if absent.
	PutFeature(ctx context.Context, rec *FeatureRecord) error

	// ListFeatures returns all records ordered by id.
	ListFeatures(ctx context.Context) ([]*FeatureRecord, error)

	// FindByStory returns the feature owning storyKey, or [ErrNotFound].
	FindByStory(ctx context.Context, storyKey string) (*FeatureRecord, error)

	// GetArtifact returns the latest version of an artifact, or [ErrNotFound].
	GetArtifact(ctx context.Context, featureID string, stage pipeline.Stage, subject string) (*StageArtifact, error)

	// ListArtifacts returns every artifact version of a feature.
	ListArtifacts(ctx context.Context, featureID string) ([]*StageArtifact, error)

	// PutArtifact writes a new artifact version.
	// Returns [ErrDuplicateArtifact] if that version already exists.
	PutArtifact(ctx context.Context, a *StageArtifact) error

	// Close releases backend resources.
	Close() error
}

// FeatureRecord is the durable state of one feature.
type FeatureRecord struct {
	ID    string         `yaml:"id" json:"id"`
	Title string         `yaml:"title" json:"title"`
	Body  string         `yaml:"body,omitempty" json:"body,omitempty"`
	State pipeline.State `yaml:"state" json:"state"`

	// Version is the compare-and-swap token. It starts at 1.
	Version int64 `yaml:"version" json:"version"`

	TrackerEpicKey string            `yaml:"tracker_epic_key,omitempty" json:"tracker_epic_key,omitempty"`
	DocPageIDs     map[string]string `yaml:"doc_page_ids,omitempty" json:"doc_page_ids,omitempty"`
	StoryKeys      []string          `yaml:"story_keys,omitempty" json:"story_keys,omitempty"`
	SprintPlanID   string            `yaml:"sprint_plan_id,omitempty" json:"sprint_plan_id,omitempty"`
	TestRunID      string            `yaml:"test_run_id,omitempty" json:"test_run_id,omitempty"`
	ReviewStatus   string            `yaml:"review_status,omitempty" json:"review_status,omitempty"`
	DeployStatus   string            `yaml:"deploy_status,omitempty" json:"deploy_status,omitempty"`

	// Stories tracks the per-story sub-state, keyed by story key.
	Stories map[string]*StoryProgress `yaml:"stories,omitempty" json:"stories,omitempty"`

	// Effects records completed external side effects, keyed by
	// "<stage>[@<subject>]/<effect>", with the external reference as value.
	Effects map[string]string `yaml:"effects,omitempty" json:"effects,omitempty"`

	// Claims holds in-flight run leases keyed by "<stage>[@<subject>]".
	Claims map[string]Claim `yaml:"claims,omitempty" json:"claims,omitempty"`

	// Generation counts manual resets. Stage input digests include it, so a
	// stage re-run after a reset produces a new artifact version.
	Generation int `yaml:"generation,omitempty" json:"generation,omitempty"`

	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
	LastError string    `yaml:"last_error,omitempty" json:"last_error,omitempty"`
}

// ResetTo moves the feature back to s so the stages after it can run again.
// Stories beyond s move back with it. Artifacts and recorded effects are
// kept; moving forward is rejected.
func (r *FeatureRecord) ResetTo(s pipeline.State) error {
	if !s.IsValid() {
		return fmt.Errorf("unknown pipeline state %q", s)
	}
	if s.Rank() > r.State.Rank() {
		return fmt.Errorf("feature %s is %s; reset can only move back, not to %s", r.ID, r.State, s)
	}
	r.State = s
	r.Generation++
	for _, sp := range r.Stories {
		if sp.State.Rank() > s.Rank() {
			sp.State = s
		}
	}
	if s != pipeline.StateDeployed {
		r.DeployStatus = ""
	}
	return nil
}

// StoryProgress is the sub-state of one story within a feature.
type StoryProgress struct {
	State        pipeline.State `yaml:"state" json:"state"`
	Branch       string         `yaml:"branch,omitempty" json:"branch,omitempty"`
	PRNumber     int            `yaml:"pr_number,omitempty" json:"pr_number,omitempty"`
	TestRunID    string         `yaml:"test_run_id,omitempty" json:"test_run_id,omitempty"`
	ReviewStatus string         `yaml:"review_status,omitempty" json:"review_status,omitempty"`
}

// Claim is a lease on one (stage, subject) held by a single run.
type Claim struct {
	RunID     string    `yaml:"run_id" json:"run_id"`
	ExpiresAt time.Time `yaml:"expires_at" json:"expires_at"`
}

// NewFeatureRecord returns a record in [pipeline.StateCreated].
func NewFeatureRecord(id, title, body string) *FeatureRecord {
	return &FeatureRecord{
		ID:    id,
		Title: title,
		Body:  body,
		State: pipeline.StateCreated,
	}
}

// Clone returns a deep copy of r.
func (r *FeatureRecord) Clone() *FeatureRecord {
	c := *r
	c.DocPageIDs = cloneMap(r.DocPageIDs)
	c.Effects = cloneMap(r.Effects)
	if r.StoryKeys != nil {
		c.StoryKeys = append([]string(nil), r.StoryKeys...)
	}
	if r.Stories != nil {
		c.Stories = make(map[string]*StoryProgress, len(r.Stories))
		for k, v := range r.Stories {
			sp := *v
			c.Stories[k] = &sp
		}
	}
	if r.Claims != nil {
		c.Claims = make(map[string]Claim, len(r.Claims))
		for k, v := range r.Claims {
			c.Claims[k] = v
		}
	}
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Effect returns the recorded reference for an effect key.
func (r *FeatureRecord) Effect(key string) (string, bool) {
	ref, ok := r.Effects[key]
	return ref, ok
}

// SetEffect records a completed side effect.
func (r *FeatureRecord) SetEffect(key, ref string) {
	if r.Effects == nil {
		r.Effects = make(map[string]string)
	}
	r.Effects[key] = ref
}

// Story returns the progress entry for key, creating it in state planned.
func (r *FeatureRecord) Story(key string) *StoryProgress {
	if r.Stories == nil {
		r.Stories = make(map[string]*StoryProgress)
	}
	sp, ok := r.Stories[key]
	if !ok {
		sp = &StoryProgress{State: pipeline.StatePlanned}
		r.Stories[key] = sp
	}
	return sp
}

// HasStory reports whether key is one of the feature's stories.
func (r *FeatureRecord) HasStory(key string) bool {
	for _, k := range r.StoryKeys {
		if k == key {
			return true
		}
	}
	return false
}

// SetDocPage records the documentation page created by a stage.
func (r *FeatureRecord) SetDocPage(stage pipeline.Stage, pageID string) {
	if r.DocPageIDs == nil {
		r.DocPageIDs = make(map[string]string)
	}
	r.DocPageIDs[string(stage)] = pageID
}

// Acquire takes the lease for key on behalf of runID.
//
// It fails with [ErrConflict] when another run holds an unexpired lease.
// An expired lease (crashed or timed-out run) is taken over.
func (r *FeatureRecord) Acquire(key, runID string, now time.Time, ttl time.Duration) error {
	if c, ok := r.Claims[key]; ok && c.RunID != runID && now.Before(c.ExpiresAt) {
		return fmt.Errorf("%w: %s is being run by %s until %s",
			ErrConflict, key, c.RunID, c.ExpiresAt.Format(time.RFC3339))
	}
	if r.Claims == nil {
		r.Claims = make(map[string]Claim)
	}
	r.Claims[key] = Claim{RunID: runID, ExpiresAt: now.Add(ttl)}
	return nil
}

// Release drops the lease for key if runID holds it.
func (r *FeatureRecord) Release(key, runID string) {
	if c, ok := r.Claims[key]; ok && c.RunID == runID {
		delete(r.Claims, key)
	}
	if len(r.Claims) == 0 {
		r.Claims = nil
	}
}

// StageArtifact is the immutable output of one stage run.
type StageArtifact struct {
	FeatureID     string          `json:"feature_id"`
	Stage         pipeline.Stage  `json:"stage"`
	Subject       string          `json:"subject,omitempty"`
	Version       int             `json:"version"`
	SchemaVersion int             `json:"schema_version"`
	InputDigest   string          `json:"input_digest"`
	RunID         string          `json:"run_id"`
	Payload       json.RawMessage `json:"payload"`
	ProducedAt    time.Time       `json:"produced_at"`
}

// Key returns the "<stage>[@<subject>]" key used for claims and effects.
func Key(stage pipeline.Stage, subject string) string {
	if subject == "" {
		return string(stage)
	}
	return string(stage) + "@" + subject
}

// maxUpdateAttempts bounds how often [Update] re-reads after a lost CAS.
const maxUpdateAttempts = 5

// Update loads the record, applies fn and writes it back with compare-and-swap.
//
// When the write loses to a concurrent writer the record is re-read and fn is
// applied again to the fresh copy, so fn must derive its change from the
// record it is given. If fn itself returns an error (including
// [ErrConflict], e.g. a held lease) Update stops immediately.
func Update(ctx context.Context, s Store, id string, fn func(*FeatureRecord) error) (*FeatureRecord, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		rec, err := s.GetFeature(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(rec); err != nil {
			return nil, err
		}
		err = s.PutFeature(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: feature %s still contended after %d attempts", ErrConflict, id, maxUpdateAttempts)
}

// ListByState returns the features currently in one of states.
// With no states every feature is returned.
func ListByState(ctx context.Context, s Store, states ...pipeline.State) ([]*FeatureRecord, error) {
	recs, err := s.ListFeatures(ctx)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return recs, nil
	}
	var out []*FeatureRecord
	for _, rec := range recs {
		for _, st := range states {
			if rec.State == st {
				out = append(out, rec)
				break
			}
		}
	}
	return out, nil
}
