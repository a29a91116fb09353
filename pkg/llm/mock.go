package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// MockModel is a scriptable model for development and tests.
type MockModel struct {
	name string

	mu         sync.Mutex
	available  bool
	respond    func(Prompt) []string
	delay      time.Duration
	submitErr  error
	failAfter  int
	streamErr  error
	calls      int
	cancelled  int
	lastPrompt Prompt
}

// NewMockModel creates a mock that echoes the last user message back in
// word-sized chunks.
func NewMockModel(name string) *MockModel {
	if name == "" {
		name = "mock"
	}
	return &MockModel{
		name:      name,
		available: true,
		respond:   echoReply,
		failAfter: -1,
	}
}

func echoReply(p Prompt) []string {
	last := ""
	if n := len(p.Messages); n > 0 {
		last = p.Messages[n-1].Content
	}
	return SplitWords(fmt.Sprintf("You said: %s", last))
}

// SplitWords splits text into chunks that each end with their trailing space.
func SplitWords(text string) []string {
	var out []string
	for text != "" {
		i := strings.IndexByte(text, ' ')
		if i < 0 {
			out = append(out, text)
			break
		}
		out = append(out, text[:i+1])
		text = text[i+1:]
	}
	return out
}

// WithReply makes every call stream the given chunks.
func (m *MockModel) WithReply(chunks ...string) *MockModel {
	return m.WithResponder(func(Prompt) []string { return chunks })
}

// WithResponder sets a function computing the chunks for a prompt.
func (m *MockModel) WithResponder(fn func(Prompt) []string) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respond = fn
	return m
}

// WithDelay waits d before each chunk.
func (m *MockModel) WithDelay(d time.Duration) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithSubmitError makes Submit fail with err.
func (m *MockModel) WithSubmitError(err error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
	return m
}

// WithStreamError makes the stream fail with err after n chunks.
func (m *MockModel) WithStreamError(n int, err error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	m.streamErr = err
	return m
}

// SetAvailable toggles Ping and Submit between success and ErrUnavailable.
func (m *MockModel) SetAvailable(available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = available
}

// Calls returns how many times Submit was called.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Cancelled returns how many streams observed context cancellation.
func (m *MockModel) Cancelled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// LastPrompt returns the prompt of the most recent Submit.
func (m *MockModel) LastPrompt() Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPrompt
}

// Name returns the mock name.
func (m *MockModel) Name() string { return m.name }

// Ping implements Model.
func (m *MockModel) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return fmt.Errorf("%w: %s", ErrUnavailable, m.name)
	}
	return nil
}

// Submit implements Model.
func (m *MockModel) Submit(ctx context.Context, prompt Prompt, params Params) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.lastPrompt = Prompt{Messages: append([]Message(nil), prompt.Messages...)}
	if !m.available {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, m.name)
	}
	if m.submitErr != nil {
		return nil, m.submitErr
	}

	ctx, cancel := context.WithCancel(ctx)
	return &mockStream{
		owner:     m,
		ctx:       ctx,
		cancel:    cancel,
		chunks:    m.respond(prompt),
		delay:     m.delay,
		failAfter: m.failAfter,
		err:       m.streamErr,
	}, nil
}

type mockStream struct {
	owner     *MockModel
	ctx       context.Context
	cancel    context.CancelFunc
	chunks    []string
	pos       int
	delay     time.Duration
	failAfter int
	err       error
	sent      int
	noted     bool
}

func (s *mockStream) Recv() (Chunk, error) {
	if s.failAfter >= 0 && s.sent >= s.failAfter {
		return Chunk{}, s.err
	}
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}

	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
			s.noteCancel()
			return Chunk{}, s.ctx.Err()
		case <-t.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		s.noteCancel()
		return Chunk{}, err
	}

	c := Chunk{Delta: s.chunks[s.pos]}
	s.pos++
	s.sent++
	if s.pos == len(s.chunks) {
		c.FinishReason = "stop"
	}
	return c, nil
}

func (s *mockStream) noteCancel() {
	if s.noted {
		return
	}
	s.noted = true
	s.owner.mu.Lock()
	s.owner.cancelled++
	s.owner.mu.Unlock()
}

func (s *mockStream) Close() error {
	s.cancel()
	return nil
}

func (s *mockStream) Model() string { return s.owner.name }
