package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SDLCFLOW_STORE_DRIVER.
const EnvPrefix = "SDLCFLOW"

// serviceEnv binds the conventional unprefixed variables CI systems and
// developers already export. Earlier names win.
var serviceEnv = map[string][]string{
	"jira.url":              {"JIRA_URL"},
	"jira.email":            {"JIRA_EMAIL"},
	"jira.api_token":        {"JIRA_API_TOKEN"},
	"jira.project_key":      {"JIRA_PROJECT_KEY"},
	"confluence.url":        {"CONFLUENCE_URL"},
	"confluence.email":      {"CONFLUENCE_EMAIL", "JIRA_EMAIL"},
	"confluence.api_token":  {"CONFLUENCE_API_TOKEN", "JIRA_API_TOKEN"},
	"confluence.space_key":  {"CONFLUENCE_SPACE_KEY"},
	"slack.webhook_url":     {"SLACK_WEBHOOK_URL"},
	"anthropic.api_key":     {"ANTHROPIC_API_KEY"},
	"github.token":          {"GITHUB_TOKEN"},
	"github.repository":     {"GITHUB_REPOSITORY"},
	"github.api_url":        {"GITHUB_API_URL"},
	"github.webhook_secret": {"GITHUB_WEBHOOK_SECRET"},
}

// Loader handles configuration loading with Viper.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader with environment bindings.
func NewLoader() *Loader {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, names := range serviceEnv {
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
	setDefaults(v, DefaultConfig())

	return &Loader{v: v}
}

// setDefaults registers every scalar key so AutomaticEnv can override keys
// that no config file mentions.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.dsn", d.Store.DSN)

	v.SetDefault("pipeline.manifest_path", d.Pipeline.ManifestPath)
	v.SetDefault("pipeline.claim_ttl", d.Pipeline.ClaimTTL)
	v.SetDefault("pipeline.run_timeout", d.Pipeline.RunTimeout)
	v.SetDefault("pipeline.team_size", d.Pipeline.TeamSize)
	v.SetDefault("pipeline.standup_window", d.Pipeline.StandupWindow)
	v.SetDefault("pipeline.unit_test_include", d.Pipeline.UnitTestInclude)
	v.SetDefault("pipeline.unit_test_exclude", d.Pipeline.UnitTestExclude)
	v.SetDefault("pipeline.unit_test_max_files", d.Pipeline.UnitTestMaxFiles)
	v.SetDefault("pipeline.story_key_pattern", d.Pipeline.StoryKeyPattern)
	v.SetDefault("pipeline.branch_prefix", d.Pipeline.BranchPrefix)
	v.SetDefault("pipeline.channel", d.Pipeline.Channel)
	v.SetDefault("pipeline.environment", d.Pipeline.Environment)
	v.SetDefault("pipeline.environment_url", d.Pipeline.EnvironmentURL)
	v.SetDefault("pipeline.workers", d.Pipeline.Workers)

	v.SetDefault("generator", d.Generator)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("http_timeout", d.HTTPTimeout)

	v.SetDefault("jira.url", d.Jira.URL)
	v.SetDefault("jira.email", d.Jira.Email)
	v.SetDefault("jira.api_token", d.Jira.APIToken)
	v.SetDefault("jira.project_key", d.Jira.ProjectKey)
	v.SetDefault("jira.epic_issue_type", d.Jira.EpicIssueType)
	v.SetDefault("jira.link_type", d.Jira.LinkType)

	v.SetDefault("confluence.url", d.Confluence.URL)
	v.SetDefault("confluence.email", d.Confluence.Email)
	v.SetDefault("confluence.api_token", d.Confluence.APIToken)
	v.SetDefault("confluence.space_key", d.Confluence.SpaceKey)
	v.SetDefault("confluence.parent_page_id", d.Confluence.ParentPageID)

	v.SetDefault("slack.webhook_url", d.Slack.WebhookURL)
	v.SetDefault("slack.channel", d.Slack.Channel)

	v.SetDefault("anthropic.api_key", d.Anthropic.APIKey)
	v.SetDefault("anthropic.base_url", d.Anthropic.BaseURL)
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)
	v.SetDefault("anthropic.input_price_per_mtok", d.Anthropic.InputPricePerMTok)
	v.SetDefault("anthropic.output_price_per_mtok", d.Anthropic.OutputPricePerMTok)

	v.SetDefault("claude.binary_path", d.Claude.BinaryPath)
	v.SetDefault("claude.model", d.Claude.Model)

	v.SetDefault("github.api_url", d.GitHub.APIURL)
	v.SetDefault("github.token", d.GitHub.Token)
	v.SetDefault("github.repository", d.GitHub.Repository)
	v.SetDefault("github.webhook_secret", d.GitHub.WebhookSecret)

	v.SetDefault("deploy.shell", d.Deploy.Shell)
	v.SetDefault("deploy.work_dir", d.Deploy.WorkDir)
	v.SetDefault("deploy.step_timeout", d.Deploy.StepTimeout)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.async", d.Server.Async)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.dir", d.Log.Dir)
}

// Load reads .env if present, then the first config file found in priority
// order, and applies environment overrides.
// Without any config file the defaults are returned with overrides applied.
func (l *Loader) Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	if path := findConfigFile(); path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	return l.unmarshal()
}

// LoadFromFile loads configuration from a specific file. The format is
// chosen by extension (yaml, yml or json).
func (l *Loader) LoadFromFile(path string) (*Config, error) {
	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Stage prompts are merged per stage so a file overriding one stage's
	// system prompt keeps the built-in template.
	defaults := defaultStages()
	for name, sc := range cfg.Stages {
		d := defaults[name]
		if sc.Prompt == "" {
			sc.Prompt = d.Prompt
		}
		if sc.System == "" {
			sc.System = d.System
		}
		cfg.Stages[name] = sc
	}
	for name, d := range defaults {
		if _, ok := cfg.Stages[name]; !ok {
			cfg.Stages[name] = d
		}
	}

	return cfg, nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := NewLoader().Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("error reading %s: %w", path, err)
}

func findConfigFile() string {
	if path := os.Getenv(EnvPrefix + "_CONFIG_PATH"); path != "" {
		return path
	}
	candidates := []string{"sdlcflow.yaml"}
	if p := DefaultConfigPath(); p != "" {
		candidates = []string{p, "sdlcflow.yaml"}
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// ConfigDir returns the sdlcflow directory under the user config directory,
// or "" when the platform has none.
func ConfigDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "sdlcflow")
}

// DefaultConfigPath returns the user-level config file path.
func DefaultConfigPath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// EnsureConfigDir creates the user config directory if needed.
func EnsureConfigDir() error {
	dir := ConfigDir()
	if dir == "" {
		return errors.New("no user config directory available")
	}
	return os.MkdirAll(dir, 0o755)
}
