package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, data string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(data), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestNew_File(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	l, err := New(dir, "debug")
	require.NoError(t, err)
	l.Debug("hello", "n", 1)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	lines := decodeLines(t, string(data))
	require.Len(t, lines, 1)
	assert.Equal(t, "hello", lines[0]["msg"])
	assert.Equal(t, "DEBUG", lines[0]["level"])
}

func TestNew_Stderr(t *testing.T) {
	l, err := New("", LevelInfo)
	require.NoError(t, err)
	assert.Nil(t, l.file)
	assert.NoError(t, l.Close())
}

func TestLevels(t *testing.T) {
	tests := []struct {
		level string
		want  int
	}{
		{level: "debug", want: 4},
		{level: "INFO", want: 3},
		{level: "warning", want: 2},
		{level: "error", want: 1},
		{level: "bogus", want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewWithWriter(&buf, tt.level)
			l.Debug("d")
			l.Info("i")
			l.Warn("w")
			l.Error("e")
			assert.Len(t, decodeLines(t, buf.String()), tt.want)
		})
	}
}

func TestContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, LevelInfo)

	base.WithFeature("42").WithStage("code-review", "K-1").WithRun("run-1").Info("stage started")
	base.WithStage("analysis", "").Info("no subject")

	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 2)
	assert.Equal(t, "42", lines[0]["feature_id"])
	assert.Equal(t, "code-review", lines[0]["stage"])
	assert.Equal(t, "K-1", lines[0]["subject"])
	assert.Equal(t, "run-1", lines[0]["run_id"])

	assert.Equal(t, "analysis", lines[1]["stage"])
	assert.NotContains(t, lines[1], "subject")
	assert.NotContains(t, lines[1], "feature_id")
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error("dropped")
	assert.Same(t, l, l.With())
	assert.NoError(t, l.Close())
}
