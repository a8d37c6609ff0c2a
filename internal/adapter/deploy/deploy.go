// Package deploy implements [adapter.Deployer] by running shell commands.
package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"sdlcflow/internal/adapter"
)

// maxOutput caps the output kept per step.
const maxOutput = 2000

// Config controls how steps are executed.
type Config struct {
	Shell       string        `mapstructure:"shell"`
	WorkDir     string        `mapstructure:"work_dir"`
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	Env         []string      `mapstructure:"env"`
}

// Shell runs each step with "<shell> -c <command>".
type Shell struct {
	cfg Config
}

var _ adapter.Deployer = (*Shell)(nil)

// New creates a Shell deployer. StepTimeout defaults to five minutes.
func New(cfg Config) *Shell {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 5 * time.Minute
	}
	return &Shell{cfg: cfg}
}

// Deploy implements [adapter.Deployer]. Steps run in order; the first
// failing step ends the deployment and is the last result returned.
// An error is returned only when the context ends.
func (s *Shell) Deploy(ctx context.Context, environment string, steps []adapter.DeployStep) ([]adapter.StepResult, error) {
	results := make([]adapter.StepResult, 0, len(steps))
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := s.run(ctx, environment, step)
		results = append(results, res)
		if !res.OK {
			break
		}
	}
	return results, nil
}

func (s *Shell) run(ctx context.Context, environment string, step adapter.DeployStep) adapter.StepResult {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.cfg.Shell, "-c", step.Command)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env, "SDLCFLOW_ENVIRONMENT="+environment)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Children of the shell may hold the output pipe open after a kill.
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := adapter.StepResult{
		Name:     step.Name,
		OK:       err == nil,
		Output:   truncate(out.String()),
		Duration: time.Since(start),
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Output = truncate(res.Output + fmt.Sprintf("\ntimed out after %s", s.cfg.StepTimeout))
		} else {
			res.Output = truncate(res.Output + "\n" + err.Error())
		}
	}
	return res
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[len(s)-maxOutput:]
}
