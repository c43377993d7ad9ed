// Package llmhttp holds the JSON-over-HTTP plumbing shared by the backends
// that talk to REST chat APIs.
package llmhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/phrazzld/medforge/internal/textutil"
)

// maxErrorBody bounds, in characters, how much of a failed response ends up
// in the error.
const maxErrorBody = 2048

// HTTPError is returned for non-2xx responses. Its text carries the status
// code and body so quota signals ("429", "insufficient_quota") remain
// visible to error classification.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s http %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatusCode returns the response status.
func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// Client posts JSON bodies and decodes JSON responses.
type Client struct {
	provider   string
	baseURL    string
	headers    http.Header
	httpClient *http.Client
}

// NewClient creates a Client. A zero timeout leaves the request bounded
// only by its context.
func NewClient(provider, baseURL string, headers http.Header, timeout time.Duration) *Client {
	return &Client{
		provider:   provider,
		baseURL:    strings.TrimRight(baseURL, "/"),
		headers:    headers.Clone(),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the endpoint prefix requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PostJSON sends body to baseURL+path and decodes a 2xx response into out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("%s encode request: %w", c.provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("%s build request: %w", c.provider, err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", c.provider, err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("%s read response: %w", c.provider, readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := textutil.Truncate(string(raw), maxErrorBody)
		return &HTTPError{Provider: c.provider, StatusCode: resp.StatusCode, Body: strings.TrimSpace(body)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s decode response: %w", c.provider, err)
	}
	return nil
}
