// Package refulearn provides the offline-first cache and sync layer of the
// RefuLearn learning client.
//
// It keeps the client usable on poor connectivity: GET responses are cached
// and served while offline, writes are queued and replayed once the network is
// back, and per-item course completion is computed locally and reconciled with
// the server.
//
// Example:
//
//	store, _ := refulearn.OpenSQLiteStore("refulearn.db", nil)
//	client := refulearn.NewClient("https://api.refulearn.org", refulearn.WithToken(token))
//	mgr := refulearn.NewOfflineManager(store, client, nil)
//	_ = mgr.Init(ctx)
//	defer mgr.Destroy()
//
//	course, _ := mgr.FetchCourse(ctx, "c1")
//	key := mgr.ComputeCompletionKey(course.Modules[0], refulearn.KindQuiz, 0)
package refulearn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second
)

// Client is the raw HTTP transport to the RefuLearn REST API. It never consults
// the cache; Gateway layers the offline behaviour on top.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a client for the API at baseURL ("" for DefaultBaseURL).
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Response
// ============================================================================

// Response is a network or cache-served HTTP response. Body holds the exact
// bytes of the payload.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
	CapturedAt time.Time
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the body into dest.
func (r *Response) Decode(dest any) error {
	return decodeInto(r.Body, dest)
}

// ============================================================================
// Internal request helper
// ============================================================================

// Do performs one HTTP round trip. Non-2xx statuses are returned as a Response,
// not an error; only transport failures produce an error.
func (c *Client) Do(ctx context.Context, method, path string, body any, header http.Header) (*Response, error) {
	var b []byte
	switch v := body.(type) {
	case nil:
	case []byte:
		b = v
	case json.RawMessage:
		b = v
	default:
		var err error
		b, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}
	var bodyReader io.Reader
	if len(b) > 0 {
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		CapturedAt: time.Now(),
	}, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func decodeInto(data []byte, dest any) error {
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// unwrapData returns the `data` field of a {success, data} envelope, or the
// payload unchanged when it is not enveloped.
func unwrapData(body []byte) []byte {
	var env Envelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 && string(env.Data) != "null" {
		return env.Data
	}
	return body
}
