// Package llm is the boundary to the language model. The service only
// depends on the Model interface; concrete backends speak the
// OpenAI-compatible chat API or text-generation-inference, and Chain adds
// fallback across several of them.
package llm

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrUnavailable is returned when a model cannot serve a request: it is not
// configured, unreachable, overloaded or rejected the call upstream.
var ErrUnavailable = errors.New("model unavailable")

// Roles used in prompts.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged entry of a prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt is the ordered conversation sent for generation. The last message
// is the user turn being answered.
type Prompt struct {
	Messages []Message
}

// Params control sampling.
type Params struct {
	MaxNewTokens int
	Temperature  float64
	TopP         float64
}

// DefaultParams returns the sampling defaults.
func DefaultParams() Params {
	return Params{MaxNewTokens: 512, Temperature: 0.7, TopP: 0.9}
}

// Chunk is one increment of generated text.
type Chunk struct {
	Delta string
	// FinishReason is set on the last chunk when the backend reports one.
	FinishReason string
	// Tokens is the completion token count when the backend reports usage.
	Tokens int
}

// Stream yields chunks until io.EOF. Close cancels generation upstream.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
	// Model names the model producing this stream.
	Model() string
}

// Model produces streamed completions.
type Model interface {
	Name() string
	Submit(ctx context.Context, prompt Prompt, params Params) (Stream, error)
	// Ping reports whether the model can currently take requests.
	Ping(ctx context.Context) error
}

// DisplayName strips the organisation prefix and routing suffix from a model
// identifier, e.g. "deepseek-ai/DeepSeek-R1:fastest" becomes "DeepSeek-R1".
func DisplayName(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	if i := strings.Index(model, ":"); i >= 0 {
		model = model[:i]
	}
	return model
}

// Collect drains a stream into its full text and reported token count.
// It closes the stream.
func Collect(s Stream) (string, int, error) {
	defer func() { _ = s.Close() }()

	var b strings.Builder
	tokens := 0
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return b.String(), tokens, nil
		}
		if err != nil {
			return b.String(), tokens, err
		}
		b.WriteString(c.Delta)
		if c.Tokens > 0 {
			tokens = c.Tokens
		}
	}
}
