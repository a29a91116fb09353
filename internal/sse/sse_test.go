package sse

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_ReadEvent(t *testing.T) {
	stream := ": keep-alive\n\n" +
		"data: {\"a\":1}\n\n" +
		"event: token\nid: 7\ndata: line1\ndata: line2\r\n\r\n"
	r := NewReader(strings.NewReader(stream))

	ev, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, ev.Data)

	ev, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "token", ev.Event)
	assert.Equal(t, "7", ev.ID)
	assert.Equal(t, "line1\nline2", ev.Data)

	_, err = r.ReadEvent()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_TruncatedEvent(t *testing.T) {
	r := NewReader(strings.NewReader("data: {\"partial\""))
	_, err := r.ReadEvent()
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestReader_EventTooLarge(t *testing.T) {
	r := NewReader(strings.NewReader("data: " + strings.Repeat("x", 100) + "\n\n"))
	r.maxSize = 10
	_, err := r.ReadEvent()
	assert.ErrorIs(t, err, ErrEventTooLarge)
}

func TestWriter_WriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)
	assert.False(t, w.Started())

	require.NoError(t, w.WriteJSON(map[string]any{"delta": "Hi", "finished": false}))
	require.NoError(t, w.WriteJSON(map[string]any{"delta": "", "finished": true}))

	assert.True(t, w.Started())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "data: {\"delta\":\"Hi\",\"finished\":false}\n\ndata: {\"delta\":\"\",\"finished\":true}\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestWriter_RoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)
	require.NoError(t, w.WriteJSON(map[string]string{"x": "multi\nline"}))

	ev, err := NewReader(strings.NewReader(rec.Body.String())).ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, `{"x":"multi\nline"}`, ev.Data)
}
