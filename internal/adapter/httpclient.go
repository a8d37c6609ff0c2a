package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// maxErrorBody caps how much of an error response is kept in a StatusError.
const maxErrorBody = 512

// NewHTTPClient returns an http.Client with the given overall timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// JSONClient performs JSON requests against one base URL with retries.
type JSONClient struct {
	Service string
	BaseURL string
	HTTP    *http.Client
	Retry   RetryPolicy
	// Authorize decorates each request, e.g. with credentials.
	Authorize func(*http.Request)
}

// Do sends in (if non-nil) as JSON and decodes the response into out (if
// non-nil). Transient failures are retried; the final failure is returned
// as a [*PermanentError].
func (c *JSONClient) Do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return Permanent(c.Service, method+" "+path, fmt.Errorf("marshal request: %w", err))
		}
	}

	err := Do(ctx, c.Retry, func(ctx context.Context) error {
		body, err := c.roundTrip(ctx, method, path, payload)
		if err != nil {
			return err
		}
		if out == nil || len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
	if err != nil {
		return Permanent(c.Service, method+" "+path, err)
	}
	return nil
}

// Raw performs a request and returns the raw response body, for endpoints
// that answer with non-JSON content such as diffs.
func (c *JSONClient) Raw(ctx context.Context, method, path string, header http.Header) ([]byte, error) {
	var out []byte
	err := Do(ctx, c.Retry, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, method, path, nil)
		if err != nil {
			return err
		}
		for k, vs := range header {
			req.Header.Del(k)
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		out, err = c.send(req)
		return err
	})
	if err != nil {
		return nil, Permanent(c.Service, method+" "+path, err)
	}
	return out, nil
}

func (c *JSONClient) roundTrip(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	return c.send(req)
}

func (c *JSONClient) newRequest(ctx context.Context, method, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	endpoint := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		endpoint = strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Authorize != nil {
		c.Authorize(req)
	}
	return req, nil
}

func (c *JSONClient) send(req *http.Request) ([]byte, error) {
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet}
	}
	return body, nil
}
