package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"sdlcflow/internal/adapter"
	"sdlcflow/internal/config"
	"sdlcflow/internal/logging"
	"sdlcflow/internal/output"
	"sdlcflow/internal/stage"
	"sdlcflow/internal/store"
	"sdlcflow/internal/store/filestore"
)

var storyKeyRe = regexp.MustCompile(`AUTH-\d+`)

// reply answers each stage prompt with a minimal valid payload.
func reply(prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "Analyze this requirement"):
		return `{"summary": "Sign in.", "analysis": "# Login", "stories": [{"title": "Form"}, {"title": "Session"}]}`, nil
	case strings.Contains(prompt, "Create a sprint plan"):
		var parts []string
		for i, key := range storyKeyRe.FindAllString(prompt, -1) {
			parts = append(parts, fmt.Sprintf(`{"story_key": %q, "points": 2, "priority": %d}`, key, i+1))
		}
		return `{"goal": "Ship login", "assignments": [` + strings.Join(parts, ",") + `]}`, nil
	case strings.Contains(prompt, "Create a daily standup report"):
		return `{"summary": "On track."}`, nil
	}
	return "", errors.New("unexpected prompt")
}

// testApp is an App over an in-memory store and recording adapters.
type testApp struct {
	*App
	out     *bytes.Buffer
	fs      afero.Fs
	source  *adapter.MockSource
	tracker *adapter.MockTracker
	git     [][]string
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	fs := afero.NewMemMapFs()
	ta := &testApp{
		out:     &bytes.Buffer{},
		fs:      fs,
		source:  &adapter.MockSource{},
		tracker: &adapter.MockTracker{StoryPrefix: "AUTH-"},
	}
	svc := stage.Services{
		Tracker:  ta.tracker,
		Docs:     &adapter.MockDocs{},
		Notifier: &adapter.MockNotifier{},
		Model:    &adapter.MockModel{Respond: reply},
		Source:   ta.source,
		Deployer: &adapter.MockDeployer{},
	}
	app, err := NewAppWithServices(config.DefaultConfig(), filestore.New(fs, "/state"), svc,
		output.NewPrinterWithWriter(ta.out), logging.Nop())
	require.NoError(t, err)
	app.FS = fs
	app.Git = func(ctx context.Context, args ...string) error {
		ta.git = append(ta.git, args)
		return nil
	}
	ta.App = app
	return ta
}

// execute runs the command line and returns its error.
func (ta *testApp) execute(args ...string) error {
	rootCmd := NewRootCommand(ta.App)
	rootCmd.SetOut(ta.out)
	rootCmd.SetErr(ta.out)
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func (ta *testApp) record(t *testing.T, id string) *store.FeatureRecord {
	t.Helper()
	rec, err := ta.Store.GetFeature(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// planned creates feature 42 and runs it through sprint planning.
func (ta *testApp) planned(t *testing.T) {
	t.Helper()
	require.NoError(t, ta.execute("create-feature", "Add login", "--id", "42", "--analyze"))
	ta.out.Reset()
}
