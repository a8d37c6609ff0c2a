package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sdlcflow/internal/config"
	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/stage"
	"sdlcflow/internal/trigger"
)

// needsServices marks commands that reach external services and so require a
// valid configuration.
const needsServices = "needs-services"

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sdlcflow",
		Short: "SDLC agent pipeline orchestrator",
		Long: `sdlcflow moves a feature from requirement to deployment.

Each stage (analysis, sprint planning, unit and QA test generation, code
review, standup, deploy) is triggered by a repository event, produces a
versioned artifact, and advances the feature's pipeline state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[needsServices] == "" || app.Validate == nil {
				return nil
			}
			if err := app.Validate(); err != nil {
				return fmt.Errorf("invalid configuration (run 'sdlcflow setup'): %w", err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		newCreateFeatureCommand(app),
		newBranchCommand(app),
		newSetupCommand(app),
		newDispatchCommand(app),
		newServeCommand(app),
		newRunCommand(app),
		newStatusCommand(app),
		newResetCommand(app),
		newTickCommand(app),
	)

	return rootCmd
}

// ExecuteResult is the outcome of running the CLI.
type ExecuteResult struct {
	ExitCode int
	Err      error
}

// RunWithConfig builds the production App from cfg and runs the command
// line in os.Args.
func RunWithConfig(ctx context.Context, cfg *config.Config) ExecuteResult {
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return ExecuteResult{ExitCode: 1, Err: err}
	}
	defer app.Close()

	rootCmd := NewRootCommand(app)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if code, ok := IsExitError(err); ok {
			return ExecuteResult{ExitCode: code}
		}
		return ExecuteResult{ExitCode: 1, Err: err}
	}
	return ExecuteResult{}
}

// Execute loads configuration, runs the CLI and exits the process.
func Execute() {
	cfg, err := config.NewLoader().Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	res := RunWithConfig(context.Background(), cfg)
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", res.Err)
	}
	os.Exit(res.ExitCode)
}

// exitCode maps a run error to the process exit code: benign outcomes
// succeed, invalid transitions exit 2, anything else 1.
func exitCode(err error) int {
	switch {
	case err == nil, stage.IsBenign(err):
		return 0
	case errors.Is(err, pipeline.ErrInvalidTransition):
		return 2
	default:
		return 1
	}
}

// exitError converts err into an [ExitError], or nil when it maps to 0.
func exitError(err error) error {
	if code := exitCode(err); code != 0 {
		return NewExitError(code)
	}
	return nil
}

// printOutcomes renders each run and returns the exit error for the first
// failure.
func (a *App) printOutcomes(outcomes []trigger.Outcome) error {
	if len(outcomes) == 0 {
		a.Printer.Info("No stages to run")
		return nil
	}
	for _, o := range outcomes {
		if o.Err != nil {
			a.Printer.StageFailure(o.Request, o.Err)
			continue
		}
		a.Printer.StageResult(o.Request, o.Result)
	}
	return exitError(trigger.FirstFailure(outcomes))
}
