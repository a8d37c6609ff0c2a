package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdlcflow/internal/adapter"
)

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))

		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-test", req.Model)
		assert.Equal(t, "be terse", req.System)
		assert.Equal(t, "hello", req.Messages[0].Content)

		w.Write([]byte(`{"model":"claude-test","content":[{"type":"text","text":"hi "},{"type":"text","text":"there"}],"usage":{"input_tokens":1000000,"output_tokens":100000}}`))
	}))
	defer srv.Close()

	m := New(Config{
		APIKey:             "key",
		BaseURL:            srv.URL,
		Model:              "claude-test",
		InputPricePerMTok:  3,
		OutputPricePerMTok: 15,
	}, adapter.RetryPolicy{MaxAttempts: 1}, time.Second)

	c, err := m.Complete(context.Background(), "hello", adapter.GenerateOptions{System: "be terse"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", c.Text)
	assert.Equal(t, 1100000, c.TotalTokens())
	assert.InDelta(t, 4.5, c.CostUSD, 1e-9)
}

func TestComplete_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retriable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, true},
		{"overloaded", 529, `{}`, true},
		{"bad request", http.StatusBadRequest, `{}`, false},
		{"empty text", http.StatusOK, `{"content":[],"stop_reason":"max_tokens"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			m := New(Config{BaseURL: srv.URL, Model: "m"}, adapter.RetryPolicy{MaxAttempts: 1}, time.Second)
			_, err := m.Complete(context.Background(), "p", adapter.GenerateOptions{})

			var me *adapter.ModelError
			require.ErrorAs(t, err, &me)
			assert.Equal(t, tt.retriable, me.Retriable)
		})
	}
}
