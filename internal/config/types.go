// Package config provides configuration loading for sdlcflow.
//
// Configuration is loaded using Viper, supporting YAML config files and
// environment variable overrides. An optional .env file is read first so
// credentials can live outside the config file. The defaults work without
// any file; only service credentials must be supplied.
//
// Key types:
//   - [Config] is the root configuration container
//   - [Loader] handles Viper-based loading
//   - [StageConfig] holds one stage's prompt template and generation options
//   - [PromptData] is the data available to prompt templates
//
// Configuration priority (highest to lowest):
//  1. Environment variables (SDLCFLOW_ prefix, plus the unprefixed service
//     variables such as JIRA_API_TOKEN and GITHUB_TOKEN)
//  2. Config file specified by SDLCFLOW_CONFIG_PATH
//  3. User config directory: <os.UserConfigDir>/sdlcflow/config.yaml
//  4. ./sdlcflow.yaml
//  5. [DefaultConfig] defaults
package config

import (
	"time"

	"sdlcflow/internal/adapter"
	"sdlcflow/internal/adapter/anthropic"
	"sdlcflow/internal/adapter/claude"
	"sdlcflow/internal/adapter/confluence"
	"sdlcflow/internal/adapter/deploy"
	"sdlcflow/internal/adapter/github"
	"sdlcflow/internal/adapter/jira"
	"sdlcflow/internal/adapter/slack"
	"sdlcflow/internal/adapter/testrun"
)

// Generation backends.
const (
	GeneratorAnthropic = "anthropic"
	GeneratorClaudeCLI = "claude"
)

// Store drivers.
const (
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config represents the root configuration structure.
type Config struct {
	// Store selects and locates the artifact store.
	Store StoreConfig `mapstructure:"store"`

	// Pipeline contains orchestration settings.
	Pipeline PipelineConfig `mapstructure:"pipeline"`

	// Stages maps stage names to their prompt configuration.
	Stages map[string]StageConfig `mapstructure:"stages"`

	// Generator selects the generation backend: "anthropic" or "claude".
	Generator string `mapstructure:"generator"`

	// Retry bounds adapter retries for transient failures.
	Retry adapter.RetryPolicy `mapstructure:"retry"`

	// HTTPTimeout is the per-request timeout for service adapters.
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`

	Jira       jira.Config       `mapstructure:"jira"`
	Confluence confluence.Config `mapstructure:"confluence"`
	Slack      slack.Config      `mapstructure:"slack"`
	Anthropic  anthropic.Config  `mapstructure:"anthropic"`
	Claude     claude.Config     `mapstructure:"claude"`
	GitHub     github.Config     `mapstructure:"github"`
	Deploy     deploy.Config     `mapstructure:"deploy"`

	// TestRun runs generated unit and QA tests. Without a command the tests
	// are reported but not run.
	TestRun testrun.Config `mapstructure:"test_run"`

	// Server configures the webhook listener.
	Server ServerConfig `mapstructure:"server"`

	// Log configures structured logging.
	Log LogConfig `mapstructure:"log"`
}

// StoreConfig selects the artifact store backend.
type StoreConfig struct {
	// Driver is "file", "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`

	// Path is the root directory for the file store or the database file
	// for SQLite.
	Path string `mapstructure:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `mapstructure:"dsn"`
}

// PipelineConfig contains orchestration settings.
type PipelineConfig struct {
	// ManifestPath optionally replaces the built-in transition table with a
	// CSV manifest.
	ManifestPath string `mapstructure:"manifest_path"`

	// ClaimTTL is how long a run's lease on a (stage, subject) lasts.
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`

	// RunTimeout bounds a single stage run.
	RunTimeout time.Duration `mapstructure:"run_timeout"`

	// TeamSize is passed to sprint planning.
	TeamSize int `mapstructure:"team_size"`

	// StandupWindow is how far back standup activity is collected.
	StandupWindow time.Duration `mapstructure:"standup_window"`

	// UnitTestInclude lists glob patterns selecting files for unit test
	// generation; UnitTestExclude removes matches.
	UnitTestInclude []string `mapstructure:"unit_test_include"`
	UnitTestExclude []string `mapstructure:"unit_test_exclude"`

	// UnitTestMaxFiles caps how many changed files get tests per commit.
	UnitTestMaxFiles int `mapstructure:"unit_test_max_files"`

	// StoryKeyPattern extracts tracker keys from branch names and PR bodies.
	StoryKeyPattern string `mapstructure:"story_key_pattern"`

	// BranchPrefix prefixes story branches ("feature/" gives feature/K-1).
	BranchPrefix string `mapstructure:"branch_prefix"`

	// Channel is the notification channel; empty uses the notifier default.
	Channel string `mapstructure:"channel"`

	// Environment names the deploy target.
	Environment string `mapstructure:"environment"`

	// EnvironmentURL is reported after a successful deploy.
	EnvironmentURL string `mapstructure:"environment_url"`

	// DeploySteps are run in order by the deploy stage.
	DeploySteps []DeployStepConfig `mapstructure:"deploy_steps"`

	// Workers bounds the schedule tick fan-out.
	Workers int `mapstructure:"workers"`
}

// DeployStepConfig is one deploy command.
type DeployStepConfig struct {
	Name    string `mapstructure:"name"`
	Command string `mapstructure:"command"`
}

// StageConfig holds one stage's prompt template and generation options.
type StageConfig struct {
	// Prompt is a Go text/template expanded with [PromptData].
	Prompt string `mapstructure:"prompt"`

	// System is an optional system prompt.
	System string `mapstructure:"system"`

	// MaxTokens overrides the backend default when positive.
	MaxTokens int `mapstructure:"max_tokens"`
}

// ServerConfig configures the webhook HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`

	// Async acknowledges deliveries before the stage run finishes.
	Async bool `mapstructure:"async"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Dir, when set, also writes JSON logs to <dir>/sdlcflow.log.
	Dir string `mapstructure:"dir"`
}

// DefaultConfig returns a new [Config] with working defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: StoreFile,
			Path:   ".sdlcflow",
		},
		Pipeline: PipelineConfig{
			ClaimTTL:         15 * time.Minute,
			RunTimeout:       10 * time.Minute,
			TeamSize:         5,
			StandupWindow:    24 * time.Hour,
			UnitTestInclude:  []string{"**.go", "**.py", "**.ts", "**.js"},
			UnitTestExclude:  []string{"**_test.go", "**test_*.py", "**.spec.ts", "**.test.js", "vendor/**"},
			UnitTestMaxFiles: 3,
			StoryKeyPattern:  `[A-Z][A-Z0-9]*-\d+`,
			BranchPrefix:     "feature/",
			Environment:      "staging",
			DeploySteps: []DeployStepConfig{
				{Name: "git status", Command: "git status --short"},
			},
			Workers: 4,
		},
		Stages:      defaultStages(),
		Generator:   GeneratorAnthropic,
		Retry:       adapter.DefaultRetryPolicy(),
		HTTPTimeout: 60 * time.Second,
		Jira: jira.Config{
			EpicIssueType: "Epic",
			LinkType:      "Relates",
		},
		Anthropic: anthropic.Config{
			Model:              "claude-sonnet-4-20250514",
			MaxTokens:          4096,
			InputPricePerMTok:  3.00,
			OutputPricePerMTok: 15.00,
		},
		Claude: claude.Config{
			BinaryPath: "claude",
		},
		GitHub: github.Config{
			APIURL: "https://api.github.com",
		},
		Deploy: deploy.Config{
			Shell:       "/bin/sh",
			StepTimeout: 5 * time.Minute,
		},
		TestRun: testrun.Config{
			Shell:   "/bin/sh",
			Timeout: 2 * time.Minute,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
