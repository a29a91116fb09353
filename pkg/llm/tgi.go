package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aixgo-dev/nexxi/internal/sse"
)

// TGIConfig configures a text-generation-inference backend.
type TGIConfig struct {
	// BaseURL is the TGI server root, e.g. http://tgi:8080.
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// Model is the name reported for this backend.
	Model      string
	HTTPClient *http.Client
}

// TGI streams completions from a Hugging Face text-generation-inference
// server using the rendered instruction template.
type TGI struct {
	base   string
	token  string
	model  string
	client *http.Client
}

// NewTGI creates a TGI backend.
func NewTGI(cfg TGIConfig) (*TGI, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid TGI base URL %q", cfg.BaseURL)
	}
	client := cfg.HTTPClient
	if client == nil {
		// no overall timeout: streams are bounded by the caller's context
		client = &http.Client{Transport: http.DefaultTransport}
	}
	model := cfg.Model
	if model == "" {
		model = "tgi"
	}
	return &TGI{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		model:  model,
		client: client,
	}, nil
}

// Name returns the configured model name.
func (m *TGI) Name() string { return m.model }

// Ping calls the TGI health endpoint.
func (m *TGI) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.base+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	m.authorize(req)
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, m.model, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: health status %d", ErrUnavailable, m.model, resp.StatusCode)
	}
	return nil
}

func (m *TGI) authorize(req *http.Request) {
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
}

type tgiParameters struct {
	MaxNewTokens   int      `json:"max_new_tokens,omitempty"`
	Temperature    float64  `json:"temperature,omitempty"`
	TopP           float64  `json:"top_p,omitempty"`
	ReturnFullText bool     `json:"return_full_text"`
	Stop           []string `json:"stop,omitempty"`
}

type tgiRequest struct {
	Inputs     string        `json:"inputs"`
	Parameters tgiParameters `json:"parameters"`
	Stream     bool          `json:"stream"`
}

type tgiStreamResponse struct {
	Token struct {
		ID      int    `json:"id"`
		Text    string `json:"text"`
		Special bool   `json:"special"`
	} `json:"token"`
	GeneratedText *string `json:"generated_text"`
	Details       *struct {
		FinishReason    string `json:"finish_reason"`
		GeneratedTokens int    `json:"generated_tokens"`
	} `json:"details"`
	Error string `json:"error"`
}

// Submit starts a generate_stream call.
func (m *TGI) Submit(ctx context.Context, prompt Prompt, params Params) (Stream, error) {
	body, err := json.Marshal(tgiRequest{
		Inputs: prompt.Render(),
		Parameters: tgiParameters{
			MaxNewTokens: params.MaxNewTokens,
			Temperature:  params.Temperature,
			TopP:         params.TopP,
			Stop:         []string{eos},
		},
		Stream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base+"/generate_stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	m.authorize(req)

	resp, err := m.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, m.model, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s: status %d: %s", ErrUnavailable, m.model, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return &tgiStream{
		ctx:    ctx,
		body:   resp.Body,
		reader: sse.NewReader(resp.Body),
		model:  m.model,
	}, nil
}

type tgiStream struct {
	ctx    context.Context
	body   io.ReadCloser
	reader *sse.Reader
	model  string
	done   bool
}

func (s *tgiStream) Recv() (Chunk, error) {
	for {
		if s.done {
			return Chunk{}, io.EOF
		}
		ev, err := s.reader.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Chunk{}, io.EOF
			}
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return Chunk{}, ctxErr
			}
			return Chunk{}, fmt.Errorf("%w: %s: read stream: %v", ErrUnavailable, s.model, err)
		}
		if ev.Data == "" {
			continue
		}
		if ev.Data == "[DONE]" {
			s.done = true
			return Chunk{}, io.EOF
		}

		var resp tgiStreamResponse
		if err := json.Unmarshal([]byte(ev.Data), &resp); err != nil {
			return Chunk{}, fmt.Errorf("parse stream chunk: %w", err)
		}
		if resp.Error != "" {
			return Chunk{}, fmt.Errorf("%w: %s: %s", ErrUnavailable, s.model, resp.Error)
		}

		var c Chunk
		if !resp.Token.Special {
			c.Delta = resp.Token.Text
		}
		if resp.Details != nil {
			c.FinishReason = resp.Details.FinishReason
			c.Tokens = resp.Details.GeneratedTokens
			s.done = true
		}
		if c.Delta == "" && !s.done {
			continue
		}
		return c, nil
	}
}

func (s *tgiStream) Close() error {
	return s.body.Close()
}

func (s *tgiStream) Model() string { return s.model }
