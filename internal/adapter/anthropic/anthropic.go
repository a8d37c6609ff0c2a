// Package anthropic implements [adapter.GenerationModel] with the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"sdlcflow/internal/adapter"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Config holds API settings and pricing used for cost estimates.
type Config struct {
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
	// Prices are USD per million tokens.
	InputPricePerMTok  float64 `mapstructure:"input_price_per_mtok"`
	OutputPricePerMTok float64 `mapstructure:"output_price_per_mtok"`
}

// Model calls the Messages API.
type Model struct {
	cfg  Config
	http *adapter.JSONClient
}

var _ adapter.GenerationModel = (*Model)(nil)

// New creates a Model.
func New(cfg Config, retry adapter.RetryPolicy, timeout time.Duration) *Model {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Model{
		cfg: cfg,
		http: &adapter.JSONClient{
			Service: "anthropic",
			BaseURL: strings.TrimRight(cfg.BaseURL, "/") + "/v1",
			HTTP:    adapter.NewHTTPClient(timeout),
			Retry:   retry,
			Authorize: func(r *http.Request) {
				r.Header.Set("x-api-key", cfg.APIKey)
				r.Header.Set("anthropic-version", apiVersion)
			},
		},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Messages    []message `json:"messages"`
}

type response struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete implements [adapter.GenerationModel].
func (m *Model) Complete(ctx context.Context, prompt string, opts adapter.GenerateOptions) (adapter.Completion, error) {
	req := request{
		Model:     m.cfg.Model,
		MaxTokens: m.cfg.MaxTokens,
		System:    opts.System,
		Messages:  []message{{Role: "user", Content: prompt}},
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		t := opts.Temperature
		req.Temperature = &t
	}

	var resp response
	if err := m.http.Do(ctx, http.MethodPost, "messages", req, &resp); err != nil {
		return adapter.Completion{}, &adapter.ModelError{Model: m.cfg.Model, Retriable: retriable(err), Err: err}
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return adapter.Completion{}, &adapter.ModelError{Model: m.cfg.Model, Err: fmt.Errorf("empty response (stop reason %q)", resp.StopReason)}
	}

	c := adapter.Completion{
		Text:         text.String(),
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	c.CostUSD = m.Cost(c.InputTokens, c.OutputTokens)
	return c, nil
}

// Cost estimates the USD cost of a call.
func (m *Model) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*m.cfg.InputPricePerMTok +
		float64(outputTokens)/1e6*m.cfg.OutputPricePerMTok
}

// retriable reports whether a later run may succeed: throttling, overload
// and network failures are; rejected requests are not.
func retriable(err error) bool {
	var se *adapter.StatusError
	if errors.As(err, &se) {
		return adapter.RetryableStatus(se.StatusCode)
	}
	return adapter.IsRetryable(errors.Unwrap(err))
}
