package cli

import (
	"github.com/spf13/cobra"

	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/stage"
)

func newRunCommand(app *App) *cobra.Command {
	var (
		pr     int
		commit string
		story  string
		branch string
	)
	cmd := &cobra.Command{
		Use:   "run <stage> <feature-id> [subject]",
		Short: "Run one stage for a feature",
		Long: `Run one stage for a feature, as a trigger would.

Stages: analysis, sprint-planning, unit-test-gen, qa-test-gen, code-review,
standup, deploy. Per-story stages take the story key as subject; unit-test-gen
takes the commit SHA. Re-running with unchanged inputs replays the existing
artifact.

Exit codes: 0 success or benign no-op, 1 failure, 2 invalid transition.`,
		Args:        cobra.RangeArgs(2, 3),
		Annotations: map[string]string{needsServices: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			s := pipeline.Stage(args[0])
			if _, err := app.Executor.Machine().Transition(s); err != nil {
				return err
			}
			req := stage.Request{
				FeatureID: args[1],
				Stage:     s,
				Event:     stage.Event{PRNumber: pr, CommitSHA: commit, StoryKey: story, Branch: branch},
			}
			if len(args) == 3 {
				req.Subject = args[2]
			}

			res, err := app.Executor.Run(cmd.Context(), req)
			if err != nil {
				app.Printer.StageFailure(req, err)
				return exitError(err)
			}
			app.Printer.StageResult(req, res)
			return nil
		},
	}
	cmd.Flags().IntVar(&pr, "pr", 0, "pull request number for per-story stages")
	cmd.Flags().StringVar(&commit, "commit", "", "head commit SHA")
	cmd.Flags().StringVar(&story, "story", "", "story key a commit belongs to")
	cmd.Flags().StringVar(&branch, "branch", "", "head branch")
	return cmd
}
