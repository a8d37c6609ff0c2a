package config

import (
	"errors"
	"fmt"
	"regexp"

	"sdlcflow/internal/pipeline"
)

// Validate reports every missing credential and invalid setting at once.
// Slack is optional: without a webhook, notifications are only logged.
func (c *Config) Validate() error {
	var errs []error
	missing := func(key string) {
		errs = append(errs, fmt.Errorf("missing %s", key))
	}

	switch c.Store.Driver {
	case StoreFile, StoreSQLite:
		if c.Store.Path == "" {
			missing("store.path")
		}
	case StorePostgres:
		if c.Store.DSN == "" {
			missing("store.dsn")
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Generator {
	case GeneratorAnthropic:
		if c.Anthropic.APIKey == "" {
			missing("anthropic.api_key (ANTHROPIC_API_KEY)")
		}
	case GeneratorClaudeCLI:
		if c.Claude.BinaryPath == "" {
			missing("claude.binary_path")
		}
	default:
		errs = append(errs, fmt.Errorf("unknown generator %q", c.Generator))
	}

	if c.Jira.URL == "" {
		missing("jira.url (JIRA_URL)")
	}
	if c.Jira.APIToken == "" {
		missing("jira.api_token (JIRA_API_TOKEN)")
	}
	if c.Jira.ProjectKey == "" {
		missing("jira.project_key (JIRA_PROJECT_KEY)")
	}
	if c.Confluence.URL == "" {
		missing("confluence.url (CONFLUENCE_URL)")
	}
	if c.Confluence.SpaceKey == "" {
		missing("confluence.space_key (CONFLUENCE_SPACE_KEY)")
	}
	if c.GitHub.Token == "" {
		missing("github.token (GITHUB_TOKEN)")
	}
	if c.GitHub.Repository == "" {
		missing("github.repository (GITHUB_REPOSITORY)")
	}

	if _, err := regexp.Compile(c.Pipeline.StoryKeyPattern); err != nil {
		errs = append(errs, fmt.Errorf("invalid pipeline.story_key_pattern: %w", err))
	}
	if c.Pipeline.TeamSize <= 0 {
		errs = append(errs, errors.New("pipeline.team_size must be positive"))
	}
	if c.Pipeline.ClaimTTL <= 0 {
		errs = append(errs, errors.New("pipeline.claim_ttl must be positive"))
	}
	// A run that outlives its lease can be taken over mid-effect.
	if c.Pipeline.RunTimeout > 0 && c.Pipeline.RunTimeout >= c.Pipeline.ClaimTTL {
		errs = append(errs, fmt.Errorf("pipeline.run_timeout (%s) must be shorter than pipeline.claim_ttl (%s)",
			c.Pipeline.RunTimeout, c.Pipeline.ClaimTTL))
	}
	m := pipeline.NewMachine()
	for name := range c.Stages {
		if _, err := m.Transition(pipeline.Stage(name)); err != nil {
			errs = append(errs, fmt.Errorf("stages: %w", err))
		}
	}

	return errors.Join(errs...)
}
