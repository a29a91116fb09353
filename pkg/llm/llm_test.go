package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptRender(t *testing.T) {
	p := Prompt{Messages: []Message{
		{Role: RoleSystem, Content: "Be nice."},
		{Role: RoleUser, Content: "Hello"},
		{Role: RoleAssistant, Content: "Hi!"},
		{Role: RoleUser, Content: "What did I just say?"},
	}}

	want := "<s>[INST] Be nice.\n\nHello [/INST] Hi! </s>" +
		"<s>[INST] What did I just say? [/INST]"
	assert.Equal(t, want, p.Render())
}

func TestPromptRender_SystemFoldedIntoOnlyUserTurn(t *testing.T) {
	p := Prompt{Messages: []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
	}}
	assert.Equal(t, "<s>[INST] sys\n\nhi [/INST]", p.Render())
}

func TestPromptRender_NoSystem(t *testing.T) {
	p := Prompt{Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	assert.Equal(t, "<s>[INST] hi [/INST]", p.Render())
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "DeepSeek-R1", DisplayName("deepseek-ai/DeepSeek-R1:fastest"))
	assert.Equal(t, "gpt-4o-mini", DisplayName("gpt-4o-mini"))
	assert.Equal(t, "mock", DisplayName("mock"))
}

func TestCollect(t *testing.T) {
	s, err := NewMockModel("m").WithReply("Hel", "lo", "!").Submit(context.Background(), Prompt{}, Params{})
	require.NoError(t, err)

	text, tokens, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", text)
	assert.Equal(t, 0, tokens)
}

func TestMockModel_EchoesLastMessage(t *testing.T) {
	m := NewMockModel("")
	s, err := m.Submit(context.Background(), Prompt{Messages: []Message{{Role: RoleUser, Content: "ping pong"}}}, Params{})
	require.NoError(t, err)

	text, _, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "You said: ping pong", text)
	assert.Equal(t, 1, m.Calls())
}

func TestStripThinking(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{"no block", []string{"Hello ", "world"}, "Hello world"},
		{"whole block", []string{"<think>plan</think>\n\nAnswer"}, "Answer"},
		{"split tags", []string{"<thi", "nk>secret", " stuff</th", "ink> Hi", " there"}, "Hi there"},
		{"block in middle", []string{"A <think>x</think>B"}, "A B"},
		{"lone angle bracket", []string{"1 <", " 2"}, "1 < 2"},
		{"trailing partial tag flushed", []string{"x <thi"}, "x <thi"},
		{"unterminated block", []string{"<think>never ends"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewMockModel("m").WithReply(tt.chunks...).Submit(context.Background(), Prompt{}, Params{})
			require.NoError(t, err)

			text, _, err := Collect(StripThinking(s))
			require.NoError(t, err)
			assert.Equal(t, tt.want, text)
		})
	}
}

func TestChain_FallsBackBeforeFirstChunk(t *testing.T) {
	down := NewMockModel("down")
	down.SetAvailable(false)
	flaky := NewMockModel("flaky").WithStreamError(0, fmt.Errorf("%w: reset", ErrUnavailable))
	good := NewMockModel("good").WithReply("ok")

	chain := NewChain(nil, down, flaky, good)
	s, err := chain.Submit(context.Background(), Prompt{}, Params{})
	require.NoError(t, err)
	assert.Equal(t, "good", s.Model())

	text, _, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)

	// sticky: the next call starts from the model that worked
	_, err = chain.Submit(context.Background(), Prompt{}, Params{})
	require.NoError(t, err)
	assert.Equal(t, 1, down.Calls())
	assert.Equal(t, 1, flaky.Calls())
	assert.Equal(t, 2, good.Calls())
	assert.Equal(t, "good", chain.Active().Name())
}

func TestChain_DoesNotSwitchAfterFirstChunk(t *testing.T) {
	first := NewMockModel("first").WithReply("a", "b", "c").
		WithStreamError(1, fmt.Errorf("%w: dropped", ErrUnavailable))
	second := NewMockModel("second")

	s, err := NewChain(nil, first, second).Submit(context.Background(), Prompt{}, Params{})
	require.NoError(t, err)

	_, _, err = Collect(s)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, second.Calls())
}

func TestChain_AllUnavailable(t *testing.T) {
	a := NewMockModel("a")
	a.SetAvailable(false)
	b := NewMockModel("b")
	b.SetAvailable(false)

	chain := NewChain(nil, a, b)
	_, err := chain.Submit(context.Background(), Prompt{}, Params{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Error(t, chain.Ping(context.Background()))

	b.SetAvailable(true)
	assert.NoError(t, chain.Ping(context.Background()))
}

func TestChain_OtherErrorsStop(t *testing.T) {
	boom := errors.New("boom")
	a := NewMockModel("a").WithSubmitError(boom)
	b := NewMockModel("b")

	_, err := NewChain(nil, a, b).Submit(context.Background(), Prompt{}, Params{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, b.Calls())
}

func TestOpenAI_Streams(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`{"id":"1","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
			`{"id":"1","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"1","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`{"id":"1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
			`[DONE]`,
		} {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
	defer srv.Close()

	m := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "k", Model: "org/model:fastest"})
	s, err := m.Submit(context.Background(), Prompt{Messages: []Message{{Role: RoleUser, Content: "hi"}}}, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, "org/model:fastest", s.Model())

	text, tokens, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, 2, tokens)
	assert.Equal(t, "Bearer k", gotAuth)
}

func TestOpenAI_UpstreamErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	m := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	_, err := m.Submit(context.Background(), Prompt{}, DefaultParams())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpenAI_NoKey(t *testing.T) {
	m := NewOpenAI(OpenAIConfig{Model: "m"})
	assert.ErrorIs(t, m.Ping(context.Background()), ErrUnavailable)
	_, err := m.Submit(context.Background(), Prompt{}, DefaultParams())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestTGI_Streams(t *testing.T) {
	var gotInputs string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/generate_stream":
			body, _ := io.ReadAll(r.Body)
			gotInputs = string(body)
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, "data:{\"token\":{\"id\":1,\"text\":\"Hi\",\"special\":false}}\n\n")
			_, _ = io.WriteString(w, "data:{\"token\":{\"id\":2,\"text\":\" you\",\"special\":false}}\n\n")
			_, _ = io.WriteString(w, "data:{\"token\":{\"id\":3,\"text\":\"</s>\",\"special\":true},\"generated_text\":\"Hi you\",\"details\":{\"finish_reason\":\"eos_token\",\"generated_tokens\":3}}\n\n")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	m, err := NewTGI(TGIConfig{BaseURL: srv.URL, Model: "mistral"})
	require.NoError(t, err)
	require.NoError(t, m.Ping(context.Background()))

	s, err := m.Submit(context.Background(), Prompt{Messages: []Message{{Role: RoleUser, Content: "hello"}}}, DefaultParams())
	require.NoError(t, err)

	text, tokens, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "Hi you", text)
	assert.Equal(t, 3, tokens)
	assert.True(t, strings.Contains(gotInputs, `[INST] hello [/INST]`))
}

func TestTGI_ErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data:{\"error\":\"Model is overloaded\",\"error_type\":\"overloaded\"}\n\n")
	}))
	defer srv.Close()

	m, err := NewTGI(TGIConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	s, err := m.Submit(context.Background(), Prompt{}, DefaultParams())
	require.NoError(t, err)

	_, err = s.Recv()
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestTGI_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, err := NewTGI(TGIConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = m.Submit(context.Background(), Prompt{}, DefaultParams())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, m.Ping(context.Background()), ErrUnavailable)
}

func TestNewTGI_InvalidURL(t *testing.T) {
	_, err := NewTGI(TGIConfig{BaseURL: "ftp://x"})
	assert.Error(t, err)
}
