package server

import (
	"time"

	"github.com/aixgo-dev/nexxi/internal/chaterr"
)

// ChatRequest is the body of POST /v1/chat and POST /v1/chat/stream.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty" validate:"omitempty,max=128,printascii"`
	Message   string `json:"message" validate:"required"`
	Stream    bool   `json:"stream,omitempty"`
	RequestID string `json:"request_id,omitempty" validate:"omitempty,max=128,printascii"`
}

// ChatResponse is the assembled reply.
type ChatResponse struct {
	SessionID      string    `json:"session_id"`
	Message        string    `json:"message"`
	Model          string    `json:"model"`
	TokensUsed     int       `json:"tokens_used"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	Timestamp      time.Time `json:"timestamp"`
	SessionCreated bool      `json:"session_created"`
	Degraded       bool      `json:"degraded"`
}

// StreamEvent is one SSE event. The last event of a stream has Finished set
// and, when the turn failed after streaming began, carries the error.
type StreamEvent struct {
	SessionID string       `json:"session_id"`
	Delta     string       `json:"delta"`
	Finished  bool         `json:"finished"`
	Error     chaterr.Kind `json:"error,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	Violation string       `json:"violation,omitempty"`
}

// ClearRequest is the body of DELETE /v1/chat/session.
type ClearRequest struct {
	SessionID string `json:"session_id" validate:"required,max=128,printascii"`
}

// Ack acknowledges a session operation.
type Ack struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// TurnView is one stored turn as returned by GET /v1/sessions/{id}.
type TurnView struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens,omitempty"`
	LatencyMS int64     `json:"latency_ms,omitempty"`
	Partial   bool      `json:"partial,omitempty"`
}

// SessionView is the stored history of a session.
type SessionView struct {
	SessionID    string     `json:"session_id"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	TurnCount    int        `json:"turn_count"`
	MessageCount int        `json:"message_count"`
	Turns        []TurnView `json:"turns"`
}
