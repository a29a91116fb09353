package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/aixgo-dev/nexxi/pkg/observability"
)

// Chain tries a list of models in order, starting from the one that last
// succeeded. A model is skipped when it fails with ErrUnavailable before
// producing its first chunk; once a chunk has been delivered the stream is
// committed to that model.
type Chain struct {
	models []Model
	logger *slog.Logger

	mu     sync.Mutex
	active int
}

// NewChain creates a fallback chain. It panics if models is empty.
func NewChain(logger *slog.Logger, models ...Model) *Chain {
	if len(models) == 0 {
		panic("llm: NewChain requires at least one model")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{models: models, logger: logger}
}

// Name lists the chained model names.
func (c *Chain) Name() string {
	names := make([]string, len(c.models))
	for i, m := range c.models {
		names[i] = m.Name()
	}
	return strings.Join(names, ",")
}

// Active returns the model that will be tried first.
func (c *Chain) Active() Model {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.models[c.active]
}

// Ping succeeds if any model is ready.
func (c *Chain) Ping(ctx context.Context) error {
	var errs []error
	for _, m := range c.models {
		err := m.Ping(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Submit opens a stream on the first model that can produce a chunk.
func (c *Chain) Submit(ctx context.Context, prompt Prompt, params Params) (Stream, error) {
	c.mu.Lock()
	start := c.active
	c.mu.Unlock()

	n := len(c.models)
	var errs []error
	for offset := 0; offset < n; offset++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := (start + offset) % n
		m := c.models[idx]

		s, first, err := open(ctx, m, prompt, params)
		if err == nil {
			c.mu.Lock()
			c.active = idx
			c.mu.Unlock()
			return &primedStream{Stream: s, first: first, primed: true}, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		observability.RecordModelFallback(m.Name())
		c.logger.Warn("model unavailable, trying next candidate",
			slog.String("model", m.Name()),
			slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("all %d models failed: %w", n, errors.Join(errs...))
}

// open submits to m and reads its first chunk so failures that surface on
// the first read can still fall through to the next model.
func open(ctx context.Context, m Model, prompt Prompt, params Params) (Stream, *Chunk, error) {
	s, err := m.Submit(ctx, prompt, params)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.Recv()
	if errors.Is(err, io.EOF) {
		return s, nil, nil
	}
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return s, &c, nil
}

// primedStream replays a chunk read ahead of time.
type primedStream struct {
	Stream
	first  *Chunk
	primed bool
}

func (p *primedStream) Recv() (Chunk, error) {
	if p.primed {
		p.primed = false
		if p.first == nil {
			return Chunk{}, io.EOF
		}
		return *p.first, nil
	}
	return p.Stream.Recv()
}
