package slack

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

func TestSend(t *testing.T) {
	var got message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/T/B/X", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	n := New(Config{WebhookURL: srv.URL + "/services/T/B/X", Channel: "#delivery"}, adapter.RetryPolicy{MaxAttempts: 1}, time.Second)
	require.NoError(t, n.Send(context.Background(), "", "analysis complete for #42"))

	assert.Equal(t, "analysis complete for #42", got.Text)
	assert.Equal(t, "#delivery", got.Channel)
}

func TestSend_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	n := New(Config{WebhookURL: srv.URL}, adapter.RetryPolicy{MaxAttempts: 3}, time.Second)
	err := n.Send(context.Background(), "#c", "x")

	var perm *adapter.PermanentError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, http.StatusBadRequest, perm.StatusCode)
}
