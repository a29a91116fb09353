// Package session stores conversation sessions for the chat service.
// A session is an ordered list of turns that starts with a system turn and
// is bounded by a sliding window. Sessions expire after a TTL of inactivity
// or when deleted explicitly.
package session

import (
	"time"
)

// Role identifies the author of a turn.
type Role string

const (
	// RoleSystem is the instruction turn that opens every session.
	RoleSystem Role = "system"
	// RoleUser is a message sent by the client.
	RoleUser Role = "user"
	// RoleAssistant is a reply produced by the model.
	RoleAssistant Role = "assistant"
)

// Turn is one entry in a session's history.
// Turns are immutable once appended.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	// RequestID ties user and assistant turns to the request that produced them.
	RequestID string `json:"request_id,omitempty"`
	// Tokens and LatencyMS are set on assistant turns.
	Tokens    int   `json:"tokens,omitempty"`
	LatencyMS int64 `json:"latency_ms,omitempty"`
	// Partial marks an assistant turn persisted from an interrupted stream.
	Partial bool `json:"partial,omitempty"`
	// Summary marks the system turn that condenses summarized history.
	Summary bool `json:"summary,omitempty"`
}

// Session is a conversation and its bounded history.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     []Turn    `json:"turns"`
	// TurnCount is the number of completed user/assistant exchanges.
	TurnCount int `json:"turn_count"`
	// MessageCount is the number of turns ever appended, including evicted ones.
	MessageCount int `json:"message_count"`
	// SummarizedAt is the TurnCount at the last summarization.
	SummarizedAt int `json:"summarized_at,omitempty"`
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	return &c
}

// Reply returns the complete assistant turn produced by requestID, if it is
// still in the history.
func (s *Session) Reply(requestID string) (Turn, bool) {
	if requestID == "" {
		return Turn{}, false
	}
	for i := len(s.Turns) - 1; i >= 0; i-- {
		t := s.Turns[i]
		if t.Role == RoleAssistant && !t.Partial && t.RequestID == requestID {
			return t, true
		}
	}
	return Turn{}, false
}

// WithoutInterrupted returns a copy of s without the turns of requestID
// when its reply was stored partial. s is returned unchanged otherwise.
// It is nil-safe.
func (s *Session) WithoutInterrupted(requestID string) *Session {
	if s == nil {
		return nil
	}
	kept, _, _ := dropInterrupted(s.Turns, requestID)
	if len(kept) == len(s.Turns) {
		return s
	}
	c := s.Clone()
	c.Turns = kept
	return c
}

// dropInterrupted removes the turns of requestID if one of them is a partial
// reply, and reports how many turns and assistant turns were removed.
func dropInterrupted(turns []Turn, requestID string) ([]Turn, int, int) {
	if requestID == "" {
		return turns, 0, 0
	}
	interrupted := false
	for _, t := range turns {
		if t.RequestID == requestID && t.Partial {
			interrupted = true
			break
		}
	}
	if !interrupted {
		return turns, 0, 0
	}
	kept := make([]Turn, 0, len(turns))
	removed, replies := 0, 0
	for _, t := range turns {
		if t.RequestID == requestID {
			removed++
			if t.Role == RoleAssistant {
				replies++
			}
			continue
		}
		kept = append(kept, t)
	}
	return kept, removed, replies
}

// History returns the turns excluding the system turn.
func (s *Session) History() []Turn {
	if len(s.Turns) > 0 && s.Turns[0].Role == RoleSystem {
		return s.Turns[1:]
	}
	return s.Turns
}
