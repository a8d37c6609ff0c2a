package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(t *testing.T) {
	t.Helper()
	orig := sleep
	sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	t.Cleanup(func() { sleep = orig })
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"transient", ErrTransient, true},
		{"429", &StatusError{StatusCode: 429}, true},
		{"503", &StatusError{StatusCode: 503}, true},
		{"400", &StatusError{StatusCode: 400}, false},
		{"404", &StatusError{StatusCode: 404}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"permanent wrapping transient", &PermanentError{Err: ErrTransient}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestDo(t *testing.T) {
	noSleep(t)
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), policy, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return ErrTransient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), policy, func(ctx context.Context) error {
			calls++
			return &StatusError{StatusCode: 502}
		})
		require.ErrorIs(t, err, ErrTransient)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), policy, func(ctx context.Context) error {
			calls++
			return &StatusError{StatusCode: 401}
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	for attempt := 0; attempt < 6; attempt++ {
		d := p.Delay(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 300*time.Millisecond+300*time.Millisecond/8)
	}
}

func TestJSONClient(t *testing.T) {
	noSleep(t)

	t.Run("retries 503 then decodes", func(t *testing.T) {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			if atomic.AddInt32(&hits, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"key":"K1"}`))
		}))
		defer srv.Close()

		c := &JSONClient{
			Service:   "tracker",
			BaseURL:   srv.URL,
			Retry:     RetryPolicy{MaxAttempts: 3},
			Authorize: func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") },
		}
		var out struct {
			Key string `json:"key"`
		}
		require.NoError(t, c.Do(context.Background(), http.MethodPost, "/issue", map[string]string{"a": "b"}, &out))
		assert.Equal(t, "K1", out.Key)
		assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	})

	t.Run("4xx is permanent without retry", func(t *testing.T) {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			http.Error(w, "bad field", http.StatusBadRequest)
		}))
		defer srv.Close()

		c := &JSONClient{Service: "tracker", BaseURL: srv.URL, Retry: RetryPolicy{MaxAttempts: 3}}
		err := c.Do(context.Background(), http.MethodPost, "issue", nil, nil)

		var perm *PermanentError
		require.ErrorAs(t, err, &perm)
		assert.Equal(t, http.StatusBadRequest, perm.StatusCode)
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	})
}

func TestMockTracker_FailNext(t *testing.T) {
	m := &MockTracker{}
	ctx := context.Background()
	m.FailNext("CreateStory", errors.New("down"))

	_, err := m.CreateStory(ctx, "E1", StoryInput{Title: "a"})
	require.Error(t, err)

	issue, err := m.CreateStory(ctx, "E1", StoryInput{Title: "a"})
	require.NoError(t, err)
	assert.Equal(t, "K1", issue.Key)
	assert.Equal(t, 2, m.Calls("CreateStory"))
}
