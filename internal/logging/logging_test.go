package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/nexxi/pkg/safety"
)

func TestNew_RedactsPII(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("contact jane@example.com", slog.String("note", "call 555-123-4567"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "contact "+safety.EmailPlaceholder, entry["msg"])
	assert.NotContains(t, buf.String(), "jane@example.com")
	assert.NotContains(t, buf.String(), "555-123-4567")
}

func TestNew_MasksSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Format: "text"}, &buf, "key-abcdef123", "x")
	require.NoError(t, err)

	logger.With(slog.String("auth", "Bearer key-abcdef123")).
		WithGroup("req").
		Error("rejected", slog.Any("err", errors.New("bad key key-abcdef123")))

	out := buf.String()
	assert.NotContains(t, out, "key-abcdef123")
	assert.Contains(t, out, SecretPlaceholder)
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	assert.Empty(t, buf.String())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"}, nil)
	assert.Error(t, err)
	_, err = New(Config{Format: "xml"}, nil)
	assert.Error(t, err)
}

func TestRedactingHandler_Groups(t *testing.T) {
	var buf bytes.Buffer
	h := NewRedactingHandler(slog.NewJSONHandler(&buf, nil), nil)
	slog.New(h).Info("x", slog.Group("user", slog.String("email", "a@b.io")))
	assert.NotContains(t, buf.String(), "a@b.io")
}
