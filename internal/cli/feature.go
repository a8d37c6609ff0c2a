package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sdlcflow/internal/config"
	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/stage"
	"sdlcflow/internal/store"
)

func newCreateFeatureCommand(app *App) *cobra.Command {
	var (
		body    string
		id      string
		analyze bool
	)
	cmd := &cobra.Command{
		Use:   "create-feature <title>",
		Short: "Open a feature request and record it",
		Long: `Open a feature request issue on the source host and create its record.

With --id the issue is not created and the record uses the given id.
With --analyze, analysis and sprint planning run immediately instead of
waiting for the issue event.`,
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{needsServices: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			title := args[0]
			if id == "" {
				n, err := app.Services.Source.CreateIssue(ctx, title, body, []string{"feature"})
				if err != nil {
					return fmt.Errorf("create issue: %w", err)
				}
				id = strconv.Itoa(n)
			}
			if err := app.Store.CreateFeature(ctx, store.NewFeatureRecord(id, title, body)); err != nil {
				return err
			}
			app.Printer.Success("Feature %s created: %s", id, title)
			if !analyze {
				return nil
			}
			for _, s := range []pipeline.Stage{pipeline.StageAnalysis, pipeline.StageSprintPlanning} {
				req := stage.Request{FeatureID: id, Stage: s}
				res, err := app.Executor.Run(ctx, req)
				if err != nil {
					app.Printer.StageFailure(req, err)
					return exitError(err)
				}
				app.Printer.StageResult(req, res)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&body, "body", "b", "", "feature description")
	cmd.Flags().StringVar(&id, "id", "", "record id; skips issue creation")
	cmd.Flags().BoolVar(&analyze, "analyze", false, "run analysis and sprint planning now")
	return cmd
}

func newBranchCommand(app *App) *cobra.Command {
	var checkout bool
	cmd := &cobra.Command{
		Use:   "branch <story-key>",
		Short: "Name (and optionally create) the branch for a story",
		Long: `Print the branch name for a story and record it on the feature.

Pushes to this branch trigger unit test generation for the story.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			key := args[0]
			rec, err := app.Store.FindByStory(ctx, key)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("story %s does not belong to any feature", key)
			}
			if err != nil {
				return err
			}
			name := app.Config.Pipeline.BranchPrefix + key
			if checkout {
				if err := app.Git(ctx, "checkout", "-b", name); err != nil {
					return err
				}
			}
			_, err = store.Update(ctx, app.Store, rec.ID, func(r *store.FeatureRecord) error {
				r.Story(key).Branch = name
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(app.Printer.Writer(), name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkout, "checkout", false, "create and switch to the branch")
	return cmd
}

// starterConfig is the non-secret subset of [config.Config] written by setup.
// Credentials come from the environment or .env.
func starterConfig(cfg *config.Config) map[string]any {
	steps := make([]map[string]string, 0, len(cfg.Pipeline.DeploySteps))
	for _, s := range cfg.Pipeline.DeploySteps {
		steps = append(steps, map[string]string{"name": s.Name, "command": s.Command})
	}
	return map[string]any{
		"store":     map[string]any{"driver": cfg.Store.Driver, "path": cfg.Store.Path},
		"generator": cfg.Generator,
		"pipeline": map[string]any{
			"team_size":         cfg.Pipeline.TeamSize,
			"story_key_pattern": cfg.Pipeline.StoryKeyPattern,
			"branch_prefix":     cfg.Pipeline.BranchPrefix,
			"environment":       cfg.Pipeline.Environment,
			"deploy_steps":      steps,
		},
		"jira":       map[string]any{"url": cfg.Jira.URL, "project_key": cfg.Jira.ProjectKey},
		"confluence": map[string]any{"url": cfg.Confluence.URL, "space_key": cfg.Confluence.SpaceKey},
		"github":     map[string]any{"repository": cfg.GitHub.Repository},
		"test_run":   map[string]any{"command": cfg.TestRun.Command, "timeout": cfg.TestRun.Timeout.String()},
		"server":     map[string]any{"addr": cfg.Server.Addr},
		"log":        map[string]any{"level": cfg.Log.Level},
	}
}

func newSetupCommand(app *App) *cobra.Command {
	var (
		path  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write a starter config file and check credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if path == "" {
				return errors.New("no user config directory; pass --path")
			}
			exists, err := afero.Exists(app.FS, path)
			if err != nil {
				return err
			}
			if exists && !force {
				app.Printer.Info("Config already exists at %s (use --force to overwrite)", path)
			} else {
				data, err := yaml.Marshal(starterConfig(app.Config))
				if err != nil {
					return err
				}
				if err := app.FS.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return err
				}
				if err := afero.WriteFile(app.FS, path, data, 0o644); err != nil {
					return err
				}
				app.Printer.Success("Wrote %s", path)
			}

			if err := app.Config.Validate(); err != nil {
				app.Printer.Error("Configuration incomplete:\n%v", err)
				return NewExitError(1)
			}
			app.Printer.Success("Configuration complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "config file to write (default: user config dir)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
