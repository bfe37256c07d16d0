// Package vizcmp provides a client for the visual comparator service. The
// service renders a proposed shelf layout, compares the rendering against the
// source photograph, and returns an accuracy score with per-position findings.
package vizcmp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the comparator operations.
type Client interface {
	// Compare scores a layout against the photograph it was extracted from.
	Compare(ctx context.Context, req CompareRequest) (*CompareResponse, error)
}

// CompareRequest carries the image reference and the layout to score.
type CompareRequest struct {
	ImageRef string       `json:"image_ref"`
	Items    []LayoutItem `json:"items"`
}

// LayoutItem is one positioned entry of the layout being scored.
type LayoutItem struct {
	Position string         `json:"position"`
	Payload  map[string]any `json:"payload"`
}

// CompareResponse is the comparator's verdict.
type CompareResponse struct {
	OverallAccuracy float64            `json:"overall_accuracy"` // 0-100
	Mismatches      []Mismatch         `json:"mismatches,omitempty"`
	PerPosition     map[string]float64 `json:"per_position,omitempty"` // 0-1
}

// Mismatch is one finding: missing, extra, wrong_position, or wrong_value.
type Mismatch struct {
	Kind     string  `json:"kind"`
	Position string  `json:"position"`
	Field    string  `json:"field,omitempty"`
	Severity float64 `json:"severity"`
	Detail   string  `json:"detail,omitempty"`
}

// StatusError is a non-2xx comparator answer after retries.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vizcmp: status %d: %s", e.StatusCode, e.Body)
}

// Option configures the comparator client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a comparator client.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// postRetry sends payload with exponential backoff retries on transient
// failures (429, 500, 502, 503). The request is rebuilt on every attempt
// because the body is consumed by each send.
func (c *httpClient) postRetry(ctx context.Context, url string, payload []byte) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, 0, eris.Wrap(err, "vizcmp: create request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body := new(bytes.Buffer)
		_, readErr := body.ReadFrom(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "vizcmp: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("vizcmp: status %d: %s", resp.StatusCode, body.String())
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body.Bytes(), resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

func (c *httpClient) Compare(ctx context.Context, req CompareRequest) (*CompareResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "vizcmp: marshal request")
	}

	body, statusCode, err := c.postRetry(ctx, c.baseURL+"/v1/compare", payload)
	if err != nil {
		return nil, eris.Wrap(err, "vizcmp: compare request failed")
	}

	if statusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: statusCode, Body: string(body)}
	}

	var result CompareResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "vizcmp: unmarshal response")
	}

	return &result, nil
}
