// Package filestore implements [store.Store] on a filesystem.
//
// Layout under the root directory:
//
//	features/<id>/feature.yaml                       feature record (YAML)
//	features/<id>/artifacts/<stage>[@<subject>].v<N>.json
//	features/<id>/.lock                              write lock
//
// Writes go to a temporary file and are renamed into place. Each mutating
// call holds an O_EXCL lock file for the feature so that separate processes
// sharing the directory serialize their compare-and-swap.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/store"
)

const (
	featuresDir  = "features"
	recordFile   = "feature.yaml"
	artifactsDir = "artifacts"
	lockFile     = ".lock"

	lockRetryInterval = 20 * time.Millisecond
	defaultLockWait   = 5 * time.Second
	// Locks older than this are assumed to belong to a killed process.
	staleLockAge = 2 * time.Minute
)

// ErrLockTimeout indicates the feature lock could not be acquired in time.
var ErrLockTimeout = errors.New("timed out waiting for feature lock")

// Store is a file-backed [store.Store].
type Store struct {
	fs       afero.Fs
	root     string
	now      func() time.Time
	lockWait time.Duration

	// mu serializes lock acquisition within one process; the lock file
	// covers other processes.
	mu sync.Mutex
}

// Option customizes a Store during construction.
type Option func(*Store)

// WithClock overrides the clock used for record timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.now = clock
	}
}

// WithLockWait overrides how long a write waits for the feature lock.
func WithLockWait(d time.Duration) Option {
	return func(s *Store) {
		s.lockWait = d
	}
}

// New creates a Store rooted at root on fs.
func New(fs afero.Fs, root string, opts ...Option) *Store {
	s := &Store{
		fs:       fs,
		root:     root,
		now:      time.Now,
		lockWait: defaultLockWait,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewOS creates a Store on the real filesystem.
func NewOS(root string, opts ...Option) *Store {
	return New(afero.NewOsFs(), root, opts...)
}

var _ store.Store = (*Store)(nil)

func (s *Store) featureDir(id string) string {
	return path.Join(s.root, featuresDir, sanitize(id))
}

func (s *Store) recordPath(id string) string {
	return path.Join(s.featureDir(id), recordFile)
}

func (s *Store) artifactDir(id string) string {
	return path.Join(s.featureDir(id), artifactsDir)
}

// artifactPrefix is the file name prefix shared by all versions of one artifact.
func artifactPrefix(stage pipeline.Stage, subject string) string {
	return sanitize(store.Key(stage, subject)) + ".v"
}

func sanitize(v string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(v)
}

// CreateFeature implements [store.Store].
func (s *Store) CreateFeature(ctx context.Context, rec *store.FeatureRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("feature id is required")
	}
	if err := s.fs.MkdirAll(s.featureDir(rec.ID), 0o755); err != nil {
		return fmt.Errorf("failed to create feature directory: %w", err)
	}

	return s.withLock(ctx, rec.ID, func() error {
		exists, err := afero.Exists(s.fs, s.recordPath(rec.ID))
		if err != nil {
			return fmt.Errorf("failed to check feature record: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: %s", store.ErrAlreadyExists, rec.ID)
		}

		now := s.now().UTC()
		rec.Version = 1
		rec.CreatedAt = now
		rec.UpdatedAt = now
		if rec.State == "" {
			rec.State = pipeline.StateCreated
		}
		return s.writeRecord(rec)
	})
}

// GetFeature implements [store.Store].
func (s *Store) GetFeature(ctx context.Context, id string) (*store.FeatureRecord, error) {
	return s.readRecord(id)
}

// PutFeature implements [store.Store].
func (s *Store) PutFeature(ctx context.Context, rec *store.FeatureRecord) error {
	return s.withLock(ctx, rec.ID, func() error {
		current, err := s.readRecord(rec.ID)
		if err != nil {
			return err
		}
		if current.Version != rec.Version {
			return fmt.Errorf("%w: feature %s is at version %d, write was based on %d",
				store.ErrConflict, rec.ID, current.Version, rec.Version)
		}

		next := rec.Clone()
		next.Version = rec.Version + 1
		next.UpdatedAt = s.now().UTC()
		if err := s.writeRecord(next); err != nil {
			return err
		}
		rec.Version = next.Version
		rec.UpdatedAt = next.UpdatedAt
		return nil
	})
}

// ListFeatures implements [store.Store].
func (s *Store) ListFeatures(ctx context.Context) ([]*store.FeatureRecord, error) {
	dir := path.Join(s.root, featuresDir)
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list features: %w", err)
	}

	var out []*store.FeatureRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := s.readRecord(e.Name())
		if errors.Is(err, store.ErrNotFound) {
			// directory created but record not yet written
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindByStory implements [store.Store] by scanning all records.
func (s *Store) FindByStory(ctx context.Context, storyKey string) (*store.FeatureRecord, error) {
	recs, err := s.ListFeatures(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.HasStory(storyKey) {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("%w: no feature owns story %s", store.ErrNotFound, storyKey)
}

// GetArtifact implements [store.Store].
func (s *Store) GetArtifact(ctx context.Context, featureID string, stage pipeline.Stage, subject string) (*store.StageArtifact, error) {
	versions, err := s.artifactVersions(featureID, stage, subject)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: artifact %s for feature %s", store.ErrNotFound, store.Key(stage, subject), featureID)
	}
	return s.readArtifact(featureID, stage, subject, versions[len(versions)-1])
}

// ListArtifacts implements [store.Store].
func (s *Store) ListArtifacts(ctx context.Context, featureID string) ([]*store.StageArtifact, error) {
	entries, err := afero.ReadDir(s.fs, s.artifactDir(featureID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	var out []*store.StageArtifact
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		a, err := s.readArtifactFile(path.Join(s.artifactDir(featureID), e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProducedAt.Equal(out[j].ProducedAt) {
			return out[i].Version < out[j].Version
		}
		return out[i].ProducedAt.Before(out[j].ProducedAt)
	})
	return out, nil
}

// PutArtifact implements [store.Store].
func (s *Store) PutArtifact(ctx context.Context, a *store.StageArtifact) error {
	if a.Version < 1 {
		return fmt.Errorf("artifact version must be >= 1, got %d", a.Version)
	}
	if err := s.fs.MkdirAll(s.artifactDir(a.FeatureID), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	return s.withLock(ctx, a.FeatureID, func() error {
		p := s.artifactPath(a.FeatureID, a.Stage, a.Subject, a.Version)
		exists, err := afero.Exists(s.fs, p)
		if err != nil {
			return fmt.Errorf("failed to check artifact: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: %s v%d for feature %s",
				store.ErrDuplicateArtifact, store.Key(a.Stage, a.Subject), a.Version, a.FeatureID)
		}

		data, err := json.MarshalIndent(a, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal artifact: %w", err)
		}
		return s.writeAtomic(p, data)
	})
}

// Close implements [store.Store]. The file store holds no resources.
func (s *Store) Close() error {
	return nil
}

func (s *Store) artifactPath(featureID string, stage pipeline.Stage, subject string, version int) string {
	name := artifactPrefix(stage, subject) + strconv.Itoa(version) + ".json"
	return path.Join(s.artifactDir(featureID), name)
}

// artifactVersions returns the stored versions of one artifact, ascending.
func (s *Store) artifactVersions(featureID string, stage pipeline.Stage, subject string) ([]int, error) {
	entries, err := afero.ReadDir(s.fs, s.artifactDir(featureID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	prefix := artifactPrefix(stage, subject)
	var versions []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"))
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

func (s *Store) readArtifact(featureID string, stage pipeline.Stage, subject string, version int) (*store.StageArtifact, error) {
	return s.readArtifactFile(s.artifactPath(featureID, stage, subject, version))
}

func (s *Store) readArtifactFile(p string) (*store.StageArtifact, error) {
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	var a store.StageArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse artifact %s: %w", path.Base(p), err)
	}
	return &a, nil
}

func (s *Store) readRecord(id string) (*store.FeatureRecord, error) {
	data, err := afero.ReadFile(s.fs, s.recordPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: feature %s", store.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read feature record: %w", err)
	}

	var rec store.FeatureRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse feature record %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) writeRecord(rec *store.FeatureRecord) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal feature record: %w", err)
	}
	return s.writeAtomic(s.recordPath(rec.ID), data)
}

// writeAtomic writes to a temp file, then renames it into place.
func (s *Store) writeAtomic(p string, data []byte) error {
	tmpPath := p + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path.Base(p), err)
	}
	if err := s.fs.Rename(tmpPath, p); err != nil {
		// Clean up temp file on rename failure
		s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", path.Base(p), err)
	}
	return nil
}

// withLock runs fn while holding the feature's lock file.
func (s *Store) withLock(ctx context.Context, id string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockPath := path.Join(s.featureDir(id), lockFile)
	deadline := time.Now().Add(s.lockWait)
	for {
		f, err := s.fs.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			break
		}
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: feature %s", store.ErrNotFound, id)
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("failed to create lock for feature %s: %w", id, err)
		}
		if info, statErr := s.fs.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			s.fs.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: feature %s", ErrLockTimeout, id)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
	defer s.fs.Remove(lockPath)

	return fn()
}
