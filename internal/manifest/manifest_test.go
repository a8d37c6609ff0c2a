package manifest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFromFile_Valid(t *testing.T) {
	m, err := ReadFromFile(filepath.Join("testdata", "valid.csv"))

	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Len(t, m.Entries, 7)

	assert.Equal(t, "analysis", m.Entries[0].Stage)
	assert.Equal(t, "created", m.Entries[0].From)
	assert.Equal(t, "analyzed", m.Entries[0].To)
	assert.Equal(t, "feature", m.Entries[0].Granularity)
	assert.Equal(t, "true", m.Entries[0].Generates)

	// unit-test-gen has no feature transition
	assert.Equal(t, "unit-test-gen", m.Entries[2].Stage)
	assert.Equal(t, "planned|tested|reviewed", m.Entries[2].From)
	assert.Equal(t, "", m.Entries[2].To)
	assert.Equal(t, "story-in-progress", m.Entries[2].StoryState)
	assert.Equal(t, "commit", m.Entries[2].Granularity)

	assert.Equal(t, "deploy", m.Entries[6].Stage)
	assert.Equal(t, "false", m.Entries[6].Generates)
}

func TestReadFromFile_Minimal(t *testing.T) {
	m, err := ReadFromFile(filepath.Join("testdata", "minimal.csv"))

	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Len(t, m.Entries, 2)

	// Minimal CSV only has required columns
	assert.Equal(t, "sprint-planning", m.Entries[1].Stage)
	assert.Equal(t, "analyzed", m.Entries[1].From)
	assert.Equal(t, "planned", m.Entries[1].To)
	assert.Equal(t, "", m.Entries[1].Requires)
	assert.Equal(t, "", m.Entries[1].Granularity)
	assert.Equal(t, "", m.Entries[1].Generates)
}

func TestReadFromFile_NotFound(t *testing.T) {
	m, err := ReadFromFile(filepath.Join("testdata", "nonexistent.csv"))

	assert.Error(t, err)
	assert.Nil(t, m)
	assert.Contains(t, err.Error(), "failed to open manifest")
}

func TestReadFromFile_MissingColumn(t *testing.T) {
	m, err := ReadFromFile(filepath.Join("testdata", "missing_column.csv"))

	assert.Error(t, err)
	assert.Nil(t, m)
	assert.Contains(t, err.Error(), "missing required column: from")
}

func TestReadFromFile_EmptyStage(t *testing.T) {
	m, err := ReadFromFile(filepath.Join("testdata", "empty_stage.csv"))

	assert.Error(t, err)
	assert.Nil(t, m)
	assert.Contains(t, err.Error(), "stage name is required")
}

func TestReadFromFile_HeaderOnly(t *testing.T) {
	m, err := ReadFromFile(filepath.Join("testdata", "header_only.csv"))

	assert.Error(t, err)
	assert.Nil(t, m)
	assert.Contains(t, err.Error(), "no stage entries")
}

func TestReadFromString_Empty(t *testing.T) {
	m, err := ReadFromString("")

	assert.Error(t, err)
	assert.Nil(t, m)
	assert.Contains(t, err.Error(), "failed to read manifest header")
}

func TestReadFromString_TrimsWhitespace(t *testing.T) {
	csv := `Stage, From, To, Requires
analysis, created, analyzed,
sprint-planning, analyzed, planned, analysis
`
	m, err := ReadFromString(csv)

	require.NoError(t, err)
	require.Len(t, m.Entries, 2)
	assert.Equal(t, "sprint-planning", m.Entries[1].Stage)
	assert.Equal(t, "analysis", m.Entries[1].Requires)
}

func TestManifest_Lookup(t *testing.T) {
	m, err := ReadFromFile(filepath.Join("testdata", "valid.csv"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"analysis", "sprint-planning", "unit-test-gen", "qa-test-gen",
		"code-review", "standup", "deploy",
	}, m.Stages())

	entry := m.GetStageEntry("standup")
	require.NotNil(t, entry)
	assert.Equal(t, "merged", entry.From)
	assert.Equal(t, "sprint-planning", entry.Requires)

	assert.Nil(t, m.GetStageEntry("nonexistent"))
	assert.True(t, m.HasStage("code-review"))
	assert.False(t, m.HasStage("git-commit"))
}
