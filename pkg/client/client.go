// Package client talks to a Nexxi server. Replies can be delivered
// incrementally over SSE or assembled in one response; Resilient combines
// the two.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config configures a client.
type Config struct {
	BaseURL string
	APIKey  string
	// HTTPClient defaults to a client without a timeout, since streams are
	// long-lived. Bound calls with the context instead.
	HTTPClient *http.Client
}

// Client is a thin HTTP client for the chat API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    hc,
	}
}

// Request is one message to send.
type Request struct {
	SessionID string
	Message   string
	// RequestID makes a retry idempotent. Delivery strategies fill it in
	// when empty.
	RequestID string
}

func (r *Request) ensureID() {
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
}

// Reply is a completed turn.
type Reply struct {
	SessionID      string
	Message        string
	Model          string
	TokensUsed     int
	ResponseTime   time.Duration
	SessionCreated bool
	Degraded       bool
	// Strategy names the delivery that produced the reply.
	Strategy string
}

// Turn is one stored turn.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens,omitempty"`
	LatencyMS int64     `json:"latency_ms,omitempty"`
	Partial   bool      `json:"partial,omitempty"`
}

// History is the stored history of a session.
type History struct {
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	TurnCount    int       `json:"turn_count"`
	MessageCount int       `json:"message_count"`
	Turns        []Turn    `json:"turns"`
}

// APIError is an error reported by the server in its error payload.
type APIError struct {
	// Status is the HTTP status, or 200 for an error inside a stream.
	Status     int    `json:"-"`
	Code       string `json:"error"`
	Detail     string `json:"detail"`
	Violation  string `json:"violation,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

func (e *APIError) Error() string {
	if e.Violation != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Violation, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Retryable reports whether the same request may succeed when repeated.
func (e *APIError) Retryable() bool {
	switch e.Code {
	case "SERVICE_UNAVAILABLE", "TIMEOUT", "INTERNAL_ERROR":
		return true
	}
	return false
}

// TransportError is a failure below the chat protocol: a broken connection,
// an unexpected response, or malformed framing.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Clear empties a session's history.
func (c *Client) Clear(ctx context.Context, sessionID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/chat/session", map[string]string{"session_id": sessionID}, "")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return nil
}

// History fetches the stored history of a session.
func (c *Client) History(ctx context.Context, sessionID string) (*History, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/sessions/"+sessionID, nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	var h History
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("decode history: %w", err)}
	}
	return &h, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, accept string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

// responseError reads the error payload of a non-success response. A
// response without a payload is a TransportError.
func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" {
		return &TransportError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if apiErr.RetryAfter == 0 {
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = s
		}
	}
	return apiErr
}

// shouldFallback reports whether a failed incremental delivery may be
// repeated as an assembled one.
func shouldFallback(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status >= 500 || ae.Retryable()
	}
	return false
}
