// Package slack implements [adapter.Notifier] with Slack incoming webhooks.
package slack

import (
	"context"
	"net/http"
	"time"

	"sdlcflow/internal/adapter"
)

// Config holds the webhook settings.
type Config struct {
	WebhookURL string `mapstructure:"webhook_url"`
	// Channel overrides the webhook's default channel when set.
	Channel string `mapstructure:"channel"`
}

// Notifier posts to a Slack incoming webhook.
type Notifier struct {
	cfg  Config
	http *adapter.JSONClient
}

var _ adapter.Notifier = (*Notifier)(nil)

// New creates a Notifier.
func New(cfg Config, retry adapter.RetryPolicy, timeout time.Duration) *Notifier {
	return &Notifier{
		cfg: cfg,
		http: &adapter.JSONClient{
			Service: "slack",
			HTTP:    adapter.NewHTTPClient(timeout),
			Retry:   retry,
		},
	}
}

type message struct {
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"`
}

// Send implements [adapter.Notifier]. An empty channel uses the configured one.
func (n *Notifier) Send(ctx context.Context, channel, text string) error {
	if channel == "" {
		channel = n.cfg.Channel
	}
	return n.http.Do(ctx, http.MethodPost, n.cfg.WebhookURL, message{Text: text, Channel: channel}, nil)
}
