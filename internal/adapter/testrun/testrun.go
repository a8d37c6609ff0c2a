// Package testrun implements [adapter.TestRunner] by writing generated test
// files to a scratch directory and running a configured shell command.
//
// The command sees the scratch directory as $SDLCFLOW_TEST_DIR and the
// written files, space separated, as $SDLCFLOW_TEST_FILES. Results are
// counted from pytest verbose lines and go test -v lines.
package testrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/afero"

	"sdlcflow/internal/adapter"
)

const maxOutput = 4000

// Config controls how tests are run.
type Config struct {
	// Command is run with "<shell> -c". Empty disables test runs.
	Command string        `mapstructure:"command"`
	Shell   string        `mapstructure:"shell"`
	WorkDir string        `mapstructure:"work_dir"`
	Timeout time.Duration `mapstructure:"timeout"`
	Env     []string      `mapstructure:"env"`
}

var (
	passedRe = regexp.MustCompile(`(?m)(::\S+ PASSED\b|^\s*--- PASS: )`)
	failedRe = regexp.MustCompile(`(?m)(::\S+ FAILED\b|^\s*--- FAIL: )`)
	errorRe  = regexp.MustCompile(`(?m)::\S+ ERROR\b`)
)

// Runner runs generated tests with a shell command.
type Runner struct {
	cfg Config
	fs  afero.Fs
}

var _ adapter.TestRunner = (*Runner)(nil)

// New creates a Runner on the OS filesystem. Timeout defaults to two
// minutes.
func New(cfg Config) *Runner {
	return NewWithFs(afero.NewOsFs(), cfg)
}

// NewWithFs creates a Runner that writes test files through fsys. The
// command still runs as an OS process, so fsys must be backed by the OS
// filesystem outside of tests that only check file layout.
func NewWithFs(fsys afero.Fs, cfg Config) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Runner{cfg: cfg, fs: fsys}
}

// RunTests implements [adapter.TestRunner]. A timeout or a failing command
// without countable results is reported as one error, not returned. An
// error is returned only when the files cannot be written or ctx ends.
func (r *Runner) RunTests(ctx context.Context, files []adapter.TestFile) (adapter.TestResults, error) {
	if err := ctx.Err(); err != nil {
		return adapter.TestResults{}, err
	}
	dir, err := afero.TempDir(r.fs, "", "sdlcflow-tests-")
	if err != nil {
		return adapter.TestResults{}, fmt.Errorf("create test dir: %w", err)
	}
	defer r.fs.RemoveAll(dir)

	paths, err := r.write(dir, files)
	if err != nil {
		return adapter.TestResults{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.Shell, "-c", r.cfg.Command)
	cmd.Dir = r.cfg.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"SDLCFLOW_TEST_DIR="+dir,
		"SDLCFLOW_TEST_FILES="+strings.Join(paths, " "),
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	res := Count(out.String())
	res.Duration = time.Since(start)

	if runErr != nil {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			res.Output += fmt.Sprintf("\ntests timed out after %s", r.cfg.Timeout)
			if res.Total() == 0 {
				res.Errors = 1
			}
		} else if res.Failed+res.Errors == 0 {
			res.Output += "\n" + runErr.Error()
			res.Errors = 1
		}
	}
	res.Output = truncate(res.Output)
	return res, nil
}

// write stores files under dir and returns their absolute paths. Paths that
// would leave dir keep only their base name.
func (r *Runner) write(dir string, files []adapter.TestFile) ([]string, error) {
	paths := make([]string, 0, len(files))
	for _, f := range files {
		rel := filepath.FromSlash(f.Path)
		if !filepath.IsLocal(rel) {
			rel = filepath.Base(rel)
		}
		path := filepath.Join(dir, rel)
		if err := r.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create test dir for %s: %w", f.Path, err)
		}
		if err := afero.WriteFile(r.fs, path, []byte(f.Content), 0o644); err != nil {
			return nil, fmt.Errorf("write test file %s: %w", f.Path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Count tallies passed, failed and errored tests in runner output.
func Count(output string) adapter.TestResults {
	return adapter.TestResults{
		Passed: len(passedRe.FindAllString(output, -1)),
		Failed: len(failedRe.FindAllString(output, -1)),
		Errors: len(errorRe.FindAllString(output, -1)),
		Output: output,
	}
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[len(s)-maxOutput:]
}
