package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/status"
	"sdlcflow/internal/store"
)

func newStatusCommand(app *App) *cobra.Command {
	var (
		format string
		export string
	)
	cmd := &cobra.Command{
		Use:   "status [feature-id]",
		Short: "Show pipeline state",
		Long: `Without arguments, list every feature and its state.
With a feature id, show its stories and artifacts, or the full record with
--output yaml. --export merges the shown features into a sprint-status.yaml
board.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 0 {
				recs, err := app.Store.ListFeatures(ctx)
				if err != nil {
					return err
				}
				if export != "" {
					return app.exportBoard(export, recs)
				}
				app.Printer.FeatureTable(recs)
				return nil
			}

			rec, err := app.Store.GetFeature(ctx, args[0])
			if err != nil {
				return fmt.Errorf("feature %s: %w", args[0], err)
			}
			if export != "" {
				return app.exportBoard(export, []*store.FeatureRecord{rec})
			}
			switch format {
			case "yaml":
				enc := yaml.NewEncoder(app.Printer.Writer())
				enc.SetIndent(2)
				if err := enc.Encode(rec); err != nil {
					return err
				}
				return enc.Close()
			case "table":
			default:
				return fmt.Errorf("unknown output format %q (table or yaml)", format)
			}

			app.Printer.FeatureTable([]*store.FeatureRecord{rec})
			app.Printer.StoryTable(rec)
			arts, err := app.Store.ListArtifacts(ctx, rec.ID)
			if err != nil {
				return err
			}
			for _, a := range arts {
				app.Printer.Info("%s v%d %s", store.Key(a.Stage, a.Subject), a.Version, a.ProducedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format: table or yaml")
	cmd.Flags().StringVar(&export, "export", "", "merge into this sprint-status.yaml instead of printing")
	cmd.Flags().Lookup("export").NoOptDefVal = status.DefaultPath
	return cmd
}

func (a *App) exportBoard(path string, recs []*store.FeatureRecord) error {
	b, err := status.Export(a.FS, path, recs, time.Now())
	if err != nil {
		return err
	}
	a.Printer.Success("Exported %d features (%d stories on board) to %s", len(recs), len(b.DevelopmentStatus), path)
	return nil
}

func newResetCommand(app *App) *cobra.Command {
	var (
		all bool
		to  string
	)
	cmd := &cobra.Command{
		Use:   "reset <feature-id>",
		Short: "Clear a feature's last error and stale run leases",
		Long: `Clear the recorded last error and drop expired run leases so a failed
stage can be retried. --all also drops leases that have not expired, for runs
known to be dead.

--to moves the pipeline state back so later stages run again, for example
after a bad analysis or plan. Stored artifacts are kept; the re-run stages
produce new versions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target pipeline.State
			if to != "" {
				s, err := pipeline.ParseState(to)
				if err != nil {
					return err
				}
				target = s
			}

			now := time.Now()
			dropped := 0
			rec, err := store.Update(cmd.Context(), app.Store, args[0], func(r *store.FeatureRecord) error {
				if target != "" {
					if err := r.ResetTo(target); err != nil {
						return err
					}
				}
				dropped = 0
				r.LastError = ""
				for key, c := range r.Claims {
					if all || !now.Before(c.ExpiresAt) {
						delete(r.Claims, key)
						dropped++
					}
				}
				if len(r.Claims) == 0 {
					r.Claims = nil
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("feature %s: %w", args[0], err)
			}
			app.Printer.Success("Feature %s reset to %s (%d leases dropped)", args[0], rec.State, dropped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also drop unexpired leases")
	cmd.Flags().StringVar(&to, "to", "", "move the pipeline state back to this state")
	return cmd
}
