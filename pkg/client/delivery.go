package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aixgo-dev/nexxi/internal/sse"
)

// Strategy names.
const (
	StrategyIncremental = "incremental"
	StrategyAssembled   = "assembled"
)

// Delivery sends one message and returns the reply. onFragment, when not
// nil, receives reply text as it becomes available.
type Delivery interface {
	Name() string
	Send(ctx context.Context, req Request, onFragment func(delta string)) (*Reply, error)
}

type chatBody struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	Stream    bool   `json:"stream,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Assembled receives the whole reply in one JSON response.
type Assembled struct {
	client *Client
}

// NewAssembled creates the assembled strategy.
func NewAssembled(c *Client) *Assembled {
	return &Assembled{client: c}
}

// Name implements Delivery.
func (a *Assembled) Name() string { return StrategyAssembled }

// Send implements Delivery. The full reply is passed to onFragment once.
func (a *Assembled) Send(ctx context.Context, req Request, onFragment func(string)) (*Reply, error) {
	req.ensureID()
	resp, err := a.client.do(ctx, http.MethodPost, "/v1/chat", chatBody{
		SessionID: req.SessionID,
		Message:   req.Message,
		RequestID: req.RequestID,
	}, "application/json")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var body struct {
		SessionID      string `json:"session_id"`
		Message        string `json:"message"`
		Model          string `json:"model"`
		TokensUsed     int    `json:"tokens_used"`
		ResponseTimeMS int64  `json:"response_time_ms"`
		SessionCreated bool   `json:"session_created"`
		Degraded       bool   `json:"degraded"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("decode reply: %w", err)}
	}
	if onFragment != nil {
		onFragment(body.Message)
	}
	return &Reply{
		SessionID:      body.SessionID,
		Message:        body.Message,
		Model:          body.Model,
		TokensUsed:     body.TokensUsed,
		ResponseTime:   time.Duration(body.ResponseTimeMS) * time.Millisecond,
		SessionCreated: body.SessionCreated,
		Degraded:       body.Degraded,
		Strategy:       StrategyAssembled,
	}, nil
}

// Incremental receives the reply as SSE fragments.
type Incremental struct {
	client *Client
}

// NewIncremental creates the incremental strategy.
func NewIncremental(c *Client) *Incremental {
	return &Incremental{client: c}
}

// Name implements Delivery.
func (i *Incremental) Name() string { return StrategyIncremental }

type streamEvent struct {
	SessionID string `json:"session_id"`
	Delta     string `json:"delta"`
	Finished  bool   `json:"finished"`
	Error     string `json:"error,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Violation string `json:"violation,omitempty"`
}

// Send implements Delivery. A stream that ends without its terminal event
// is a TransportError.
func (i *Incremental) Send(ctx context.Context, req Request, onFragment func(string)) (*Reply, error) {
	req.ensureID()
	start := time.Now()
	resp, err := i.client.do(ctx, http.MethodPost, "/v1/chat/stream", chatBody{
		SessionID: req.SessionID,
		Message:   req.Message,
		Stream:    true,
		RequestID: req.RequestID,
	}, "text/event-stream")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return nil, &TransportError{Err: fmt.Errorf("unexpected content type %q", ct)}
	}

	var (
		text      strings.Builder
		sessionID = req.SessionID
		rd        = sse.NewReader(resp.Body)
	)
	for {
		ev, err := rd.ReadEvent()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, &TransportError{Err: fmt.Errorf("read stream: %w", err)}
		}

		var se streamEvent
		if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
			return nil, &TransportError{Err: fmt.Errorf("malformed event: %w", err)}
		}
		if se.SessionID != "" {
			sessionID = se.SessionID
		}
		if se.Error != "" {
			return nil, &APIError{Status: http.StatusOK, Code: se.Error, Detail: se.Detail, Violation: se.Violation}
		}
		if se.Finished {
			break
		}
		text.WriteString(se.Delta)
		if onFragment != nil && se.Delta != "" {
			onFragment(se.Delta)
		}
	}

	return &Reply{
		SessionID:    sessionID,
		Message:      text.String(),
		ResponseTime: time.Since(start),
		Strategy:     StrategyIncremental,
	}, nil
}

// Resilient tries incremental delivery and, when it fails below the chat
// protocol before the terminal event, repeats the request once as an
// assembled one with the same request ID. The server replays a reply it
// already stored for that ID, so the turn is recorded once.
type Resilient struct {
	primary  Delivery
	fallback Delivery
	// OnReset is called with the text already passed to onFragment when
	// that text is discarded for a fallback.
	OnReset func(discarded string)
	logger  *slog.Logger
}

// NewResilient creates a resilient delivery over c.
func NewResilient(c *Client, logger *slog.Logger) *Resilient {
	return NewResilientWith(NewIncremental(c), NewAssembled(c), logger)
}

// NewResilientWith combines arbitrary strategies.
func NewResilientWith(primary, fallback Delivery, logger *slog.Logger) *Resilient {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resilient{primary: primary, fallback: fallback, logger: logger}
}

// Name implements Delivery.
func (r *Resilient) Name() string { return "resilient" }

// Send implements Delivery.
func (r *Resilient) Send(ctx context.Context, req Request, onFragment func(string)) (*Reply, error) {
	req.ensureID()

	var delivered strings.Builder
	reply, err := r.primary.Send(ctx, req, func(delta string) {
		delivered.WriteString(delta)
		if onFragment != nil {
			onFragment(delta)
		}
	})
	if err == nil {
		return reply, nil
	}
	if ctx.Err() != nil || !shouldFallback(err) {
		return nil, err
	}

	r.logger.Warn("incremental delivery failed, falling back",
		slog.String("request_id", req.RequestID),
		slog.Int("discarded_bytes", delivered.Len()),
		slog.String("error", err.Error()))
	if delivered.Len() > 0 && r.OnReset != nil {
		r.OnReset(delivered.String())
	}
	return r.fallback.Send(ctx, req, onFragment)
}
