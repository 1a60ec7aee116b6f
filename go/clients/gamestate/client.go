package gamestate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lodegame/roundsync/go/internal/rounds"
)

// ClientIDHeader is attached to every outbound request so upstream can
// attribute traffic per consumer.
const ClientIDHeader = "X-Roundsync-Client"

// APIError is a non-2xx upstream response. RetryAfter carries the parsed
// Retry-After delay on rate-limited responses.
type APIError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// RateLimited reports whether the error is an HTTP 429.
func (e *APIError) RateLimited() bool { return e.Status == http.StatusTooManyRequests }

// StateQuery tunes the GET /v3/state request.
type StateQuery struct {
	Frames          int
	Sections        []string
	IncludePrevious bool
	Optimized       bool
}

func (q StateQuery) encode() string {
	v := url.Values{}
	if q.Frames > 0 {
		v.Set("frames", strconv.Itoa(q.Frames))
	}
	if len(q.Sections) > 0 {
		v.Set("sections", strings.Join(q.Sections, ","))
	}
	if q.IncludePrevious {
		v.Set("includePrevious", "true")
	}
	if q.Optimized {
		v.Set("optimized", "1")
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// Client is the REST side of the transport: full-state snapshots and health
// probes against one base URL.
type Client struct {
	baseURL string
	http    *http.Client
	headers map[string]string
}

// NewClient creates a client for one upstream base URL.
func NewClient(baseURL, clientID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
		headers: map[string]string{ClientIDHeader: clientID},
	}
}

// SetHeader adds a header to every outbound request.
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// SetTimeout overrides the per-request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.http.Timeout = timeout
}

// BaseURL returns the endpoint this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Body: string(body)}
		if resp.StatusCode == http.StatusTooManyRequests {
			apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return nil, apiErr
	}
	return body, nil
}

// parseRetryAfter interprets a Retry-After value in seconds; malformed or
// absent values yield zero.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

type stateEnvelope struct {
	Data rounds.SnapshotPayload `json:"data"`
}

// FetchState retrieves a full snapshot from GET /v3/state.
func (c *Client) FetchState(ctx context.Context, q StateQuery) (*rounds.SnapshotPayload, error) {
	body, err := c.get(ctx, "/v3/state"+q.encode())
	if err != nil {
		return nil, err
	}
	var env stateEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode state response: %w", err)
	}
	return &env.Data, nil
}

// FetchHealth retrieves the liveness document from GET /v3/health.
func (c *Client) FetchHealth(ctx context.Context) (*HealthReport, error) {
	body, err := c.get(ctx, "/v3/health")
	if err != nil {
		return nil, err
	}
	var report HealthReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &report, nil
}
