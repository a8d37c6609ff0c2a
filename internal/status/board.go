// Package status exports pipeline progress as a sprint-status.yaml board that
// can be committed next to the code.
//
// The board maps each feature to its pipeline state and each story key to
// its sub-state. Exports merge into an existing file, so features tracked in
// different stores (or exported one at a time) share one board.
package status

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/store"
)

// DefaultPath is the board location relative to the repository root.
const DefaultPath = "sprint-status.yaml"

// Board is the sprint-status.yaml document.
type Board struct {
	GeneratedAt time.Time `yaml:"generated_at"`

	// Features maps feature ids to their pipeline state.
	Features map[string]pipeline.State `yaml:"features"`

	// DevelopmentStatus maps story keys to their sub-state.
	DevelopmentStatus map[string]pipeline.State `yaml:"development_status"`
}

// Read loads the board at path. A missing file yields an empty board.
func Read(fsys afero.Fs, path string) (*Board, error) {
	b := &Board{}
	data, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sprint status: %w", err)
	}
	if err := yaml.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("failed to parse sprint status: %w", err)
	}
	return b, nil
}

// Apply records rec and its stories on the board.
//
// A story without progress yet is shown as planned once the feature is.
func (b *Board) Apply(rec *store.FeatureRecord) {
	if b.Features == nil {
		b.Features = make(map[string]pipeline.State)
	}
	if b.DevelopmentStatus == nil {
		b.DevelopmentStatus = make(map[string]pipeline.State)
	}
	b.Features[rec.ID] = rec.State
	for _, key := range rec.StoryKeys {
		st := pipeline.StatePlanned
		if sp, ok := rec.Stories[key]; ok {
			st = sp.State
		}
		b.DevelopmentStatus[key] = st
	}
}

// StoryKeys returns the board's story keys, sorted.
func (b *Board) StoryKeys() []string {
	keys := make([]string, 0, len(b.DevelopmentStatus))
	for k := range b.DevelopmentStatus {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Export merges recs into the board at path and writes it back.
//
// The file is replaced atomically: written to a temp file, then renamed.
func Export(fsys afero.Fs, path string, recs []*store.FeatureRecord, now time.Time) (*Board, error) {
	b, err := Read(fsys, path)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		b.Apply(rec)
	}
	b.GeneratedAt = now.UTC()

	data, err := yaml.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sprint status: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to write sprint status: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fsys, tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write sprint status: %w", err)
	}
	if err := fsys.Rename(tmp, path); err != nil {
		_ = fsys.Remove(tmp)
		return nil, fmt.Errorf("failed to write sprint status: %w", err)
	}
	return b, nil
}
