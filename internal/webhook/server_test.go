package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/stage"
	"sdlcflow/internal/store"
	"sdlcflow/internal/trigger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	events   []*trigger.Event
	outcomes []trigger.Outcome
	err      error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, ev *trigger.Event) ([]trigger.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.outcomes, f.err
}

func (f *fakeDispatcher) seen() []*trigger.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*trigger.Event(nil), f.events...)
}

const secret = "s3cret"

const issuePayload = `{"action": "opened", "issue": {"number": 42, "title": "Add login"}}`

func deliver(t *testing.T, h http.Handler, event, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(body))
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	req.Header.Set("X-GitHub-Delivery", "d-1")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func TestServer_Delivery(t *testing.T) {
	okOutcome := trigger.Outcome{
		Request: stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis},
		Result:  &stage.Result{State: pipeline.StateAnalyzed, Artifact: &store.StageArtifact{Version: 1}},
	}
	failed := trigger.Outcome{
		Request: stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis},
		Err:     &stage.Error{FeatureID: "42", Stage: pipeline.StageAnalysis, Kind: stage.KindMalformedOutput, Err: errors.New("no stories")},
	}
	conflict := trigger.Outcome{
		Request: stage.Request{FeatureID: "42", Stage: pipeline.StageAnalysis},
		Err:     fmt.Errorf("claim: %w", store.ErrConflict),
	}

	tests := []struct {
		name       string
		event      string
		body       string
		signature  string
		outcomes   []trigger.Outcome
		err        error
		wantCode   int
		wantStatus string
		dispatched bool
	}{
		{name: "valid delivery", event: "issues", body: issuePayload, signature: Sign(secret, []byte(issuePayload)),
			outcomes: []trigger.Outcome{okOutcome}, wantCode: http.StatusOK, wantStatus: "ok", dispatched: true},
		{name: "benign conflict", event: "issues", body: issuePayload, signature: Sign(secret, []byte(issuePayload)),
			outcomes: []trigger.Outcome{conflict}, wantCode: http.StatusOK, wantStatus: "ok", dispatched: true},
		{name: "stage failure", event: "issues", body: issuePayload, signature: Sign(secret, []byte(issuePayload)),
			outcomes: []trigger.Outcome{failed}, wantCode: http.StatusInternalServerError, wantStatus: "failed", dispatched: true},
		{name: "bad signature", event: "issues", body: issuePayload, signature: Sign("other", []byte(issuePayload)),
			wantCode: http.StatusUnauthorized},
		{name: "missing signature", event: "issues", body: issuePayload, wantCode: http.StatusUnauthorized},
		{name: "missing event header", body: issuePayload, signature: Sign(secret, []byte(issuePayload)),
			wantCode: http.StatusBadRequest},
		{name: "ignored event", event: "ping", body: `{}`, signature: Sign(secret, []byte(`{}`)),
			wantCode: http.StatusAccepted, wantStatus: "ignored"},
		{name: "malformed payload", event: "issues", body: `{`, signature: Sign(secret, []byte(`{`)),
			wantCode: http.StatusBadRequest},
		{name: "unknown story", event: "issues", body: issuePayload, signature: Sign(secret, []byte(issuePayload)),
			err: fmt.Errorf("%w: no feature owns story X-1", stage.ErrInvalidRequest), wantCode: http.StatusUnprocessableEntity, dispatched: true},
		{name: "routing ignored", event: "issues", body: issuePayload, signature: Sign(secret, []byte(issuePayload)),
			err: fmt.Errorf("%w: not a story branch", trigger.ErrIgnored), wantCode: http.StatusAccepted, wantStatus: "ignored", dispatched: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{outcomes: tt.outcomes, err: tt.err}
			s := New(secret, d)

			w := deliver(t, s.Handler(), tt.event, tt.body, tt.signature)

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantStatus != "" {
				assert.Equal(t, tt.wantStatus, decodeBody(t, w)["status"])
			}
			if tt.dispatched {
				require.Len(t, d.seen(), 1)
				assert.Equal(t, "d-1", d.seen()[0].Delivery)
			} else {
				assert.Empty(t, d.seen())
			}
		})
	}
}

func TestServer_RunsInResponse(t *testing.T) {
	d := &fakeDispatcher{outcomes: []trigger.Outcome{{
		Request: stage.Request{FeatureID: "42", Stage: pipeline.StageCodeReview, Subject: "AUTH-1"},
		Result:  &stage.Result{State: pipeline.StateReviewed, Replayed: true, Artifact: &store.StageArtifact{Version: 2}},
	}}}
	s := New("", d)

	w := deliver(t, s.Handler(), "issues", issuePayload, "")

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Runs []runJSON `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, runJSON{FeatureID: "42", Stage: "code-review", Subject: "AUTH-1", State: "reviewed", Version: 2, Replayed: true}, resp.Runs[0])
}

func TestServer_Async(t *testing.T) {
	d := &fakeDispatcher{}
	s := New(secret, d, WithAsync(true))

	w := deliver(t, s.Handler(), "issues", issuePayload, Sign(secret, []byte(issuePayload)))
	s.Wait()

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "accepted", decodeBody(t, w)["status"])
	require.Len(t, d.seen(), 1)
	assert.Equal(t, 42, d.seen()[0].IssueNumber)
}

func TestServer_Healthz(t *testing.T) {
	s := New(secret, &fakeDispatcher{})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status": "ok"}`, w.Body.String())
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	s := New(secret, &fakeDispatcher{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.ListenAndServe(ctx, "127.0.0.1:0")
	assert.NoError(t, err)
}

func TestVerify(t *testing.T) {
	s := New(secret, &fakeDispatcher{})
	body := []byte(issuePayload)

	assert.True(t, s.verify(Sign(secret, body), body))
	assert.False(t, s.verify(Sign(secret, body), []byte(issuePayload+" ")))
	assert.False(t, s.verify("sha1=abc", body))
	assert.False(t, s.verify("sha256=zz", body))
}
