package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sdlcflow/internal/trigger"
	"sdlcflow/internal/webhook"
)

func newDispatchCommand(app *App) *cobra.Command {
	var (
		event   string
		payload string
	)
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run the stages an event triggers",
		Long: `Run the stages a repository event triggers.

By default the event is read the way CI runners expose it: the name from
GITHUB_EVENT_NAME and the payload from the file at GITHUB_EVENT_PATH.
--event and --payload override both.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{needsServices: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			getenv := os.Getenv
			if event != "" || payload != "" {
				getenv = func(key string) string {
					switch key {
					case "GITHUB_EVENT_NAME":
						return event
					case "GITHUB_EVENT_PATH":
						return payload
					}
					return os.Getenv(key)
				}
			}
			ev, err := trigger.FromEnv(app.FS, getenv)
			if errors.Is(err, trigger.ErrIgnored) {
				app.Printer.Info("Nothing to do: %v", err)
				return nil
			}
			if err != nil {
				return err
			}

			outcomes, err := app.Dispatcher.Dispatch(cmd.Context(), ev)
			if errors.Is(err, trigger.ErrIgnored) {
				app.Printer.Info("Nothing to do: %v", err)
				return nil
			}
			if err != nil {
				return err
			}
			return app.printOutcomes(outcomes)
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "event name (issues, push, pull_request, schedule)")
	cmd.Flags().StringVar(&payload, "payload", "", "path to the event payload JSON")
	return cmd
}

func newServeCommand(app *App) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive webhook deliveries over HTTP",
		Long: `Serve POST /webhook for GitHub deliveries and GET /healthz.

Deliveries are verified against github.webhook_secret. With server.async the
delivery is acknowledged before its stages run.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{needsServices: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = app.Config.Server.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := webhook.New(app.Config.GitHub.WebhookSecret, app.Dispatcher,
				webhook.WithAsync(app.Config.Server.Async),
				webhook.WithLogger(app.Logger),
			)
			app.Printer.Info("Listening on %s", addr)
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return cmd
}

func newTickCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run scheduled stages for merged features",
		Long: `Run the daily standup for every merged feature, then deploy each one
the standup reports. Equivalent to a schedule event.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{needsServices: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			outcomes, err := app.Dispatcher.Tick(cmd.Context())
			if err != nil {
				return err
			}
			return app.printOutcomes(outcomes)
		},
	}
}
