package cli

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/spf13/afero"

	"sdlcflow/internal/adapter/anthropic"
	"sdlcflow/internal/adapter/claude"
	"sdlcflow/internal/adapter/confluence"
	"sdlcflow/internal/adapter/deploy"
	"sdlcflow/internal/adapter/github"
	"sdlcflow/internal/adapter/jira"
	"sdlcflow/internal/adapter/slack"
	"sdlcflow/internal/adapter/testrun"
	"sdlcflow/internal/config"
	"sdlcflow/internal/logging"
	"sdlcflow/internal/manifest"
	"sdlcflow/internal/output"
	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/stage"
	"sdlcflow/internal/store"
	"sdlcflow/internal/store/filestore"
	"sdlcflow/internal/store/sqlstore"
	"sdlcflow/internal/trigger"
)

// App holds the dependencies shared by all commands.
//
// Commands never construct services themselves; tests build an App around
// in-memory stores and adapter mocks with [NewAppWithServices].
type App struct {
	Config     *config.Config
	Store      store.Store
	Services   stage.Services
	Executor   *stage.Executor
	Dispatcher *trigger.Dispatcher
	Printer    *output.Printer
	Logger     *logging.Logger

	// FS is where event payloads are read and setup writes config files.
	FS afero.Fs

	// Git runs a git subcommand in the working directory.
	Git func(ctx context.Context, args ...string) error

	// Validate, when set, is checked before commands that call external
	// services.
	Validate func() error
}

// NewApp builds the production App: store and adapters from cfg.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log, err := logging.New(cfg.Log.Dir, cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app, err := NewAppWithServices(cfg, st, newServices(cfg), output.NewPrinter(), log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	app.Validate = cfg.Validate
	return app, nil
}

// NewAppWithServices wires the executor and dispatcher around st and svc.
func NewAppWithServices(cfg *config.Config, st store.Store, svc stage.Services, p *output.Printer, log *logging.Logger) (*App, error) {
	m, err := newMachine(cfg)
	if err != nil {
		return nil, err
	}
	ex, err := stage.NewExecutor(st, m, svc, cfg, stage.WithLogger(log))
	if err != nil {
		return nil, err
	}
	d, err := trigger.NewDispatcher(st, ex, svc.Notifier, cfg, log)
	if err != nil {
		return nil, err
	}
	return &App{
		Config:     cfg,
		Store:      st,
		Services:   svc,
		Executor:   ex,
		Dispatcher: d,
		Printer:    p,
		Logger:     log,
		FS:         afero.NewOsFs(),
		Git:        runGit,
	}, nil
}

// Close releases the store and log file.
func (a *App) Close() error {
	err := a.Store.Close()
	if lerr := a.Logger.Close(); err == nil {
		err = lerr
	}
	return err
}

func newMachine(cfg *config.Config) (*pipeline.Machine, error) {
	if cfg.Pipeline.ManifestPath == "" {
		return pipeline.NewMachine(), nil
	}
	mf, err := manifest.ReadFromFile(cfg.Pipeline.ManifestPath)
	if err != nil {
		return nil, err
	}
	return pipeline.NewMachineFromManifest(mf)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreFile:
		return filestore.NewOS(cfg.Store.Path), nil
	case config.StoreSQLite:
		path := cfg.Store.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "sdlcflow.db")
		}
		return sqlstore.OpenSQLite(ctx, path)
	case config.StorePostgres:
		return sqlstore.OpenPostgres(ctx, cfg.Store.DSN)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func newServices(cfg *config.Config) stage.Services {
	svc := stage.Services{
		Tracker:  jira.New(cfg.Jira, cfg.Retry, cfg.HTTPTimeout),
		Docs:     confluence.New(cfg.Confluence, cfg.Retry, cfg.HTTPTimeout),
		Source:   github.New(cfg.GitHub, cfg.Retry, cfg.HTTPTimeout),
		Deployer: deploy.New(cfg.Deploy),
	}
	if cfg.Slack.WebhookURL != "" {
		svc.Notifier = slack.New(cfg.Slack, cfg.Retry, cfg.HTTPTimeout)
	}
	if cfg.TestRun.Command != "" {
		svc.Tester = testrun.New(cfg.TestRun)
	}
	switch cfg.Generator {
	case config.GeneratorClaudeCLI:
		svc.Model = claude.New(cfg.Claude)
	default:
		svc.Model = anthropic.New(cfg.Anthropic, cfg.Retry, cfg.HTTPTimeout)
	}
	return svc
}

func runGit(ctx context.Context, args ...string) error {
	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, out)
	}
	return nil
}
