package deploy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdlcflow/internal/adapter"
)

func TestDeploy(t *testing.T) {
	d := New(Config{WorkDir: t.TempDir()})

	results, err := d.Deploy(context.Background(), "staging", []adapter.DeployStep{
		{Name: "echo", Command: "echo deploying to $SDLCFLOW_ENVIRONMENT"},
		{Name: "fail", Command: "exit 3"},
		{Name: "never", Command: "echo unreachable"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].OK)
	assert.Contains(t, results[0].Output, "deploying to staging")
	assert.False(t, results[1].OK)
	assert.Contains(t, results[1].Output, "exit status 3")
}

func TestDeploy_StepTimeout(t *testing.T) {
	d := New(Config{StepTimeout: 50 * time.Millisecond})

	results, err := d.Deploy(context.Background(), "staging", []adapter.DeployStep{
		{Name: "slow", Command: "sleep 5"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Output, "timed out")
}

func TestDeploy_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(Config{})
	_, err := d.Deploy(ctx, "staging", []adapter.DeployStep{{Name: "x", Command: "true"}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestTruncate(t *testing.T) {
	long := make([]byte, maxOutput+10)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, truncate(string(long)), maxOutput)
	assert.Equal(t, "short", truncate("short"))
}
