package dispatch

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/nexxi/pkg/llm"
	"github.com/aixgo-dev/nexxi/pkg/session"
)

func drain(t *testing.T, s *Stream) (string, error) {
	t.Helper()
	var b strings.Builder
	finished := false
	for {
		f, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			assert.True(t, finished, "EOF before the finished fragment")
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		assert.False(t, finished, "fragment after the finished fragment")
		if f.Finished {
			finished = true
			continue
		}
		b.WriteString(f.Delta)
	}
}

func TestGenerate_StreamsReply(t *testing.T) {
	model := llm.NewMockModel("mock")
	d := New(model, Config{}, nil)

	history := []session.Turn{
		{Role: session.RoleSystem, Content: "be nice"},
		{Role: session.RoleUser, Content: "hi"},
		{Role: session.RoleAssistant, Content: "hello"},
	}
	s, err := d.Generate(context.Background(), "s1", history, "how are you", llm.DefaultParams())
	require.NoError(t, err)
	defer s.Close()

	text, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, "You said: how are you", text)
	assert.Equal(t, "mock", s.Model())

	p := model.LastPrompt()
	require.Len(t, p.Messages, 4)
	assert.Equal(t, llm.RoleSystem, p.Messages[0].Role)
	assert.Equal(t, "hello", p.Messages[2].Content)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "how are you"}, p.Messages[3])
}

func TestGenerate_FragmentsCarrySessionID(t *testing.T) {
	d := New(llm.NewMockModel("mock").WithReply("a", "b"), Config{}, nil)
	s, err := d.Generate(context.Background(), "abc", nil, "x", llm.DefaultParams())
	require.NoError(t, err)
	defer s.Close()

	for {
		f, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, "abc", f.SessionID)
	}
}

func TestGenerate_StripsThinking(t *testing.T) {
	d := New(llm.NewMockModel("mock").WithReply("<think>hmm", "</think>", "Answer"), Config{}, nil)
	s, err := d.Generate(context.Background(), "s", nil, "q", llm.DefaultParams())
	require.NoError(t, err)
	defer s.Close()

	text, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, "Answer", text)
}

func TestGenerate_ModelErrorPassesThrough(t *testing.T) {
	model := llm.NewMockModel("mock").WithStreamError(1, llm.ErrUnavailable)
	d := New(model, Config{}, nil)

	s, err := d.Generate(context.Background(), "s", nil, "one two three", llm.DefaultParams())
	require.NoError(t, err)
	defer s.Close()

	_, err = drain(t, s)
	assert.ErrorIs(t, err, llm.ErrUnavailable)
}

func TestGenerate_SubmitError(t *testing.T) {
	model := llm.NewMockModel("mock")
	model.SetAvailable(false)
	d := New(model, Config{}, nil)

	s, err := d.Generate(context.Background(), "s", nil, "x", llm.DefaultParams())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, llm.ErrUnavailable)
}

func TestGenerate_FirstTokenTimeout(t *testing.T) {
	model := llm.NewMockModel("mock").WithDelay(500 * time.Millisecond)
	d := New(model, Config{FirstTokenTimeout: 30 * time.Millisecond}, nil)

	s, err := d.Generate(context.Background(), "s", nil, "x", llm.DefaultParams())
	require.NoError(t, err)
	defer s.Close()

	_, err = drain(t, s)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, model.Cancelled())
}

func TestGenerate_IdleTimeout(t *testing.T) {
	model := llm.NewMockModel("mock").WithReply("a", "b", "c").WithDelay(100 * time.Millisecond)
	d := New(model, Config{FirstTokenTimeout: time.Second, IdleTimeout: 40 * time.Millisecond}, nil)

	s, err := d.Generate(context.Background(), "s", nil, "x", llm.DefaultParams())
	require.NoError(t, err)
	defer s.Close()

	text, err := drain(t, s)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "a", text)
}

func TestGenerate_TotalTimeout(t *testing.T) {
	model := llm.NewMockModel("mock").WithReply("a", "b", "c", "d").WithDelay(30 * time.Millisecond)
	d := New(model, Config{
		FirstTokenTimeout: time.Second,
		IdleTimeout:       time.Second,
		Timeout:           70 * time.Millisecond,
	}, nil)

	s, err := d.Generate(context.Background(), "s", nil, "x", llm.DefaultParams())
	require.NoError(t, err)
	defer s.Close()

	_, err = drain(t, s)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestStream_CloseCancelsUpstream(t *testing.T) {
	model := llm.NewMockModel("mock").WithDelay(time.Second)
	d := New(model, Config{}, nil)

	s, err := d.Generate(context.Background(), "s", nil, "x", llm.DefaultParams())
	require.NoError(t, err)

	s.Close()
	s.Close()
	assert.Equal(t, 1, model.Cancelled())
}

func TestStream_CallerCancellation(t *testing.T) {
	model := llm.NewMockModel("mock").WithDelay(time.Second)
	d := New(model, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := d.Generate(ctx, "s", nil, "x", llm.DefaultParams())
	require.NoError(t, err)
	defer s.Close()

	cancel()
	_, err = drain(t, s)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatcher_PoolIsBounded(t *testing.T) {
	model := llm.NewMockModel("mock").WithDelay(time.Second)
	d := New(model, Config{Workers: 1, QueueTimeout: 30 * time.Millisecond}, nil)

	first, err := d.Generate(context.Background(), "a", nil, "x", llm.DefaultParams())
	require.NoError(t, err)

	_, err = d.Generate(context.Background(), "b", nil, "x", llm.DefaultParams())
	assert.ErrorIs(t, err, ErrTimeout)

	first.Close()

	second, err := d.Generate(context.Background(), "b", nil, "x", llm.DefaultParams())
	require.NoError(t, err)
	second.Close()
}

func TestDispatcher_QueueWaitHonoursCallerContext(t *testing.T) {
	model := llm.NewMockModel("mock").WithDelay(time.Second)
	d := New(model, Config{Workers: 1, QueueTimeout: time.Second}, nil)

	first, err := d.Generate(context.Background(), "a", nil, "x", llm.DefaultParams())
	require.NoError(t, err)
	defer first.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Generate(ctx, "b", nil, "x", llm.DefaultParams())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcher_RateLimit(t *testing.T) {
	d := New(llm.NewMockModel("mock"), Config{
		QueueTimeout:      20 * time.Millisecond,
		RequestsPerSecond: 0.5,
		Burst:             1,
	}, nil)

	s, err := d.Generate(context.Background(), "a", nil, "x", llm.DefaultParams())
	require.NoError(t, err)
	s.Close()

	_, err = d.Generate(context.Background(), "b", nil, "x", llm.DefaultParams())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(nil, "hi")
	assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, p.Messages)
}

func TestSummaryPrompt(t *testing.T) {
	p := SummaryPrompt([]session.Turn{
		{Role: session.RoleSystem, Content: "be nice"},
		{Role: session.RoleUser, Content: "hi"},
		{Role: session.RoleAssistant, Content: "hello"},
	})
	assert.Equal(t, "Summarize this conversation concisely in 2-3 sentences:\n\nUSER: hi\nASSISTANT: hello\n\nSummary:", p)

	p = SummaryPrompt([]session.Turn{
		{Role: session.RoleSystem, Content: session.SummaryPrefix + "earlier", Summary: true},
		{Role: session.RoleUser, Content: "more"},
	})
	assert.Contains(t, p, "SYSTEM: "+session.SummaryPrefix+"earlier\nUSER: more\n")
}

func TestDispatcher_Summarize(t *testing.T) {
	model := llm.NewMockModel("mock").WithReply(" They ", "said hi. ")
	d := New(model, Config{}, nil)

	summary, err := d.Summarize(context.Background(), "s1", []session.Turn{
		{Role: session.RoleUser, Content: "hi"},
	}, llm.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, "They said hi.", summary)

	p := model.LastPrompt()
	require.Len(t, p.Messages, 1)
	assert.True(t, strings.HasPrefix(p.Messages[0].Content, "Summarize this conversation"))

	t.Run("empty summary", func(t *testing.T) {
		d := New(llm.NewMockModel("mock").WithReply("  "), Config{}, nil)
		_, err := d.Summarize(context.Background(), "s1", nil, llm.DefaultParams())
		assert.Error(t, err)
	})

	t.Run("model failure", func(t *testing.T) {
		d := New(llm.NewMockModel("mock").WithSubmitError(llm.ErrUnavailable), Config{}, nil)
		_, err := d.Summarize(context.Background(), "s1", nil, llm.DefaultParams())
		assert.ErrorIs(t, err, llm.ErrUnavailable)
	})
}
