package claude

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"sdlcflow/internal/adapter"
)

// Config selects the CLI binary and model.
type Config struct {
	BinaryPath string   `mapstructure:"binary_path"`
	Model      string   `mapstructure:"model"`
	ExtraArgs  []string `mapstructure:"extra_args"`
}

// Model runs one CLI session per completion.
type Model struct {
	cfg    Config
	parser *Parser
}

var _ adapter.GenerationModel = (*Model)(nil)

// New creates a Model.
func New(cfg Config) *Model {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "claude"
	}
	return &Model{cfg: cfg, parser: NewParser()}
}

func (m *Model) args(prompt string, opts adapter.GenerateOptions) []string {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if m.cfg.Model != "" {
		args = append(args, "--model", m.cfg.Model)
	}
	if opts.System != "" {
		args = append(args, "--append-system-prompt", opts.System)
	}
	args = append(args, m.cfg.ExtraArgs...)
	return append(args, prompt)
}

// Complete implements [adapter.GenerationModel].
//
// The completion text is the session's result when present, otherwise the
// concatenated assistant text.
func (m *Model) Complete(ctx context.Context, prompt string, opts adapter.GenerateOptions) (adapter.Completion, error) {
	cmd := exec.CommandContext(ctx, m.cfg.BinaryPath, m.args(prompt, opts)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return adapter.Completion{}, m.fail(false, fmt.Errorf("stdout pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return adapter.Completion{}, m.fail(false, fmt.Errorf("start %s: %w", m.cfg.BinaryPath, err))
	}

	var text strings.Builder
	var result *Event
	for event := range m.parser.Parse(stdout) {
		switch {
		case event.IsText():
			text.WriteString(event.Text)
		case event.IsResult():
			e := event
			result = &e
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return adapter.Completion{}, m.fail(errors.Is(ctx.Err(), context.DeadlineExceeded), ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		return adapter.Completion{}, m.fail(true, fmt.Errorf("claude exited: %w: %s", err, msg))
	}
	if result == nil {
		return adapter.Completion{}, m.fail(true, errors.New("session ended without a result event"))
	}
	if result.IsError {
		return adapter.Completion{}, m.fail(true, fmt.Errorf("session failed: %s", result.Result))
	}

	out := result.Result
	if out == "" {
		out = text.String()
	}
	return adapter.Completion{
		Text:         out,
		Model:        m.cfg.Model,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		CostUSD:      result.CostUSD,
	}, nil
}

func (m *Model) fail(retriable bool, err error) error {
	name := m.cfg.Model
	if name == "" {
		name = "claude-cli"
	}
	return &adapter.ModelError{Model: name, Retriable: retriable, Err: err}
}
