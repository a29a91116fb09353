package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// HuggingFaceRouterURL is the OpenAI-compatible endpoint of the Hugging Face
// inference router.
const HuggingFaceRouterURL = "https://router.huggingface.co/v1"

// OpenAIConfig configures an OpenAI-compatible chat backend.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// OpenAI streams chat completions from any OpenAI-compatible API
// (Hugging Face router, vLLM, OpenAI).
type OpenAI struct {
	client *openai.Client
	model  string
	hasKey bool
}

// NewOpenAI creates a backend for one model.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
		hasKey: cfg.APIKey != "",
	}
}

// Name returns the model identifier.
func (m *OpenAI) Name() string { return m.model }

// Ping reports whether the backend is configured.
func (m *OpenAI) Ping(ctx context.Context) error {
	if m.model == "" {
		return fmt.Errorf("%w: no model configured", ErrUnavailable)
	}
	if !m.hasKey {
		return fmt.Errorf("%w: no API key configured", ErrUnavailable)
	}
	return nil
}

// Submit opens a streaming chat completion.
func (m *OpenAI) Submit(ctx context.Context, prompt Prompt, params Params) (Stream, error) {
	if err := m.Ping(ctx); err != nil {
		return nil, err
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(prompt.Messages))
	for _, msg := range prompt.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}

	req := openai.ChatCompletionRequest{
		Model:         m.model,
		Messages:      msgs,
		MaxTokens:     params.MaxNewTokens,
		Temperature:   float32(params.Temperature),
		TopP:          float32(params.TopP),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	stream, err := m.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, classifyOpenAIError(ctx, m.model, err)
	}
	return &openaiStream{stream: stream, model: m.model, ctx: ctx}, nil
}

// classifyOpenAIError maps upstream failures to ErrUnavailable so callers can
// fall back. Caller cancellation is passed through unchanged.
func classifyOpenAIError(ctx context.Context, model string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s: status %d: %s", ErrUnavailable, model, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: %s: status %d", ErrUnavailable, model, reqErr.HTTPStatusCode)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, model, err)
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
	model  string
	ctx    context.Context
}

func (s *openaiStream) Recv() (Chunk, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return Chunk{}, io.EOF
		}
		if err != nil {
			return Chunk{}, classifyOpenAIError(s.ctx, s.model, err)
		}

		var c Chunk
		if resp.Usage != nil {
			c.Tokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) > 0 {
			c.Delta = resp.Choices[0].Delta.Content
			c.FinishReason = string(resp.Choices[0].FinishReason)
		}
		if c.Delta == "" && c.FinishReason == "" && c.Tokens == 0 {
			// role-only or keep-alive chunk
			continue
		}
		return c, nil
	}
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}

func (s *openaiStream) Model() string { return s.model }
