// Package manifest reads pipeline stage manifest files.
//
// A stage manifest replaces the built-in transition table with one kept next
// to the repository, so a project can add or reorder stages without a code
// change. Each row describes one stage.
//
// CSV format:
//
//	stage,from,to,story_state,requires,granularity,generates
//	analysis,created,analyzed,,,feature,true
//	sprint-planning,analyzed,planned,,analysis,feature,true
//	qa-test-gen,planned|tested|reviewed,tested,tested,analysis,story,true
//	deploy,reported,deployed,,,feature,false
//
// Multi-valued columns (from, requires) are pipe-separated. Only stage, from
// and to are required columns; to may be empty for stages that do not move
// the feature.
package manifest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// StageEntry represents a single row in the stage manifest CSV.
type StageEntry struct {
	// Stage is the stage name (e.g., "analysis", "qa-test-gen").
	Stage string

	// From is the pipe-separated list of states the stage may run from.
	From string

	// To is the feature state after the stage completes. Empty for stages
	// that leave the feature state unchanged.
	To string

	// StoryState is the story sub-state recorded by per-story stages.
	StoryState string

	// Requires is the pipe-separated list of upstream stages whose artifacts
	// must exist.
	Requires string

	// Granularity is "feature", "story" or "commit". Empty means feature.
	Granularity string

	// Generates is "true" or "false". Empty means true.
	Generates string
}

// Manifest holds all stage entries parsed from a manifest CSV file.
type Manifest struct {
	// Entries are the stage entries in table order.
	Entries []StageEntry
}

// ReadFromFile reads and parses a stage manifest CSV file.
func ReadFromFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	return readFromReader(f)
}

// ReadFromString parses a stage manifest from a CSV string.
// This is useful for testing and for embedding manifest data.
func ReadFromString(data string) (*Manifest, error) {
	return readFromReader(strings.NewReader(data))
}

func readFromReader(r io.Reader) (*Manifest, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest header: %w", err)
	}

	colIndex := buildColumnIndex(header)
	if err := validateColumns(colIndex); err != nil {
		return nil, err
	}

	var entries []StageEntry
	lineNum := 1 // header was line 1
	for {
		lineNum++
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest line %d: %w", lineNum, err)
		}

		entry := StageEntry{
			Stage:       getField(record, colIndex, "stage"),
			From:        getField(record, colIndex, "from"),
			To:          getField(record, colIndex, "to"),
			StoryState:  getField(record, colIndex, "story_state"),
			Requires:    getField(record, colIndex, "requires"),
			Granularity: getField(record, colIndex, "granularity"),
			Generates:   getField(record, colIndex, "generates"),
		}

		if entry.Stage == "" {
			return nil, fmt.Errorf("manifest line %d: stage name is required", lineNum)
		}

		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("manifest contains no stage entries")
	}

	return &Manifest{Entries: entries}, nil
}

// requiredColumns are the columns that must be present in the manifest CSV.
var requiredColumns = []string{"stage", "from", "to"}

func buildColumnIndex(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.TrimSpace(strings.ToLower(col))] = i
	}
	return index
}

func validateColumns(colIndex map[string]int) error {
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			return fmt.Errorf("manifest missing required column: %s", col)
		}
	}
	return nil
}

func getField(record []string, colIndex map[string]int, column string) string {
	idx, ok := colIndex[column]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// Stages returns the stage names in table order.
func (m *Manifest) Stages() []string {
	stages := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		stages[i] = e.Stage
	}
	return stages
}

// GetStageEntry returns the entry for the given stage name, or nil if absent.
func (m *Manifest) GetStageEntry(name string) *StageEntry {
	for _, e := range m.Entries {
		if e.Stage == name {
			return &e
		}
	}
	return nil
}

// HasStage returns true if the manifest contains the given stage.
func (m *Manifest) HasStage(name string) bool {
	return m.GetStageEntry(name) != nil
}
