// Package dispatch runs model generation on a bounded worker pool and
// exposes each generation as a cancellable stream of fragments.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/aixgo-dev/nexxi/pkg/llm"
	"github.com/aixgo-dev/nexxi/pkg/observability"
	"github.com/aixgo-dev/nexxi/pkg/session"
)

// ErrTimeout is returned when generation does not get a worker, does not
// start, stalls, or runs past its deadline.
var ErrTimeout = errors.New("generation timed out")

// Config bounds the pool and every wait inside a generation.
type Config struct {
	// Workers is the number of concurrent generations.
	Workers int
	// QueueTimeout bounds the wait for admission and a free worker.
	QueueTimeout time.Duration
	// FirstTokenTimeout bounds the wait for the first fragment.
	FirstTokenTimeout time.Duration
	// IdleTimeout bounds the gap between fragments.
	IdleTimeout time.Duration
	// Timeout bounds the whole generation.
	Timeout time.Duration
	// RequestsPerSecond and Burst limit calls to the model. Zero disables the limit.
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		QueueTimeout:      10 * time.Second,
		FirstTokenTimeout: 30 * time.Second,
		IdleTimeout:       15 * time.Second,
		Timeout:           2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = d.QueueTimeout
	}
	if c.FirstTokenTimeout <= 0 {
		c.FirstTokenTimeout = d.FirstTokenTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// Fragment is one increment of a reply.
type Fragment struct {
	SessionID string `json:"session_id"`
	Delta     string `json:"delta"`
	Finished  bool   `json:"finished"`
}

// Dispatcher submits prompts to the model. It is the only component that
// talks to the model.
type Dispatcher struct {
	model   llm.Model
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a dispatcher.
func New(model llm.Model, cfg Config, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		model:  model,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		logger: logger,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return d
}

// Model returns the underlying model.
func (d *Dispatcher) Model() llm.Model {
	return d.model
}

// BuildPrompt converts windowed history plus the new user message into a
// prompt, preserving order and roles.
func BuildPrompt(history []session.Turn, message string) llm.Prompt {
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: message})
	return llm.Prompt{Messages: msgs}
}

// Generate waits for admission and a worker, then starts generation in the
// background. The returned stream must be closed.
func (d *Dispatcher) Generate(ctx context.Context, sessionID string, history []session.Turn, message string, params llm.Params) (*Stream, error) {
	if err := d.admit(ctx); err != nil {
		return nil, err
	}

	genCtx, cancel := context.WithCancelCause(ctx)
	genCtx, cancelTimeout := context.WithTimeoutCause(genCtx, d.cfg.Timeout, ErrTimeout)

	s := &Stream{
		sessionID: sessionID,
		frags:     make(chan Fragment, 16),
		done:      make(chan struct{}),
		cancel: func(cause error) {
			cancel(cause)
			cancelTimeout()
		},
		model: d.model.Name(),
	}

	observability.AddInflightGenerations(1)
	go func() {
		defer close(s.done)
		defer observability.AddInflightGenerations(-1)
		defer d.sem.Release(1)
		defer close(s.frags)
		defer s.cancel(nil)

		s.run(genCtx, d, BuildPrompt(history, message), params)
	}()
	return s, nil
}

// SummaryPrompt asks the model to condense turns. System turns other than
// an earlier summary are left out.
func SummaryPrompt(turns []session.Turn) string {
	var b strings.Builder
	b.WriteString("Summarize this conversation concisely in 2-3 sentences:\n\n")
	for _, t := range turns {
		if t.Role == session.RoleSystem && !t.Summary {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(string(t.Role)), t.Content)
	}
	b.WriteString("\nSummary:")
	return b.String()
}

// Summarize generates a summary of turns and returns it once complete.
func (d *Dispatcher) Summarize(ctx context.Context, sessionID string, turns []session.Turn, params llm.Params) (string, error) {
	s, err := d.Generate(ctx, sessionID, nil, SummaryPrompt(turns), params)
	if err != nil {
		return "", err
	}
	defer s.Close()

	var b strings.Builder
	for {
		f, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		b.WriteString(f.Delta)
	}
	summary := strings.TrimSpace(b.String())
	if summary == "" {
		return "", errors.New("empty summary")
	}
	return summary, nil
}

// admit applies the upstream rate limit and acquires a worker slot, both
// within QueueTimeout.
func (d *Dispatcher) admit(ctx context.Context) error {
	qctx, cancel := context.WithTimeout(ctx, d.cfg.QueueTimeout)
	defer cancel()

	if d.limiter != nil {
		if err := d.limiter.Wait(qctx); err != nil {
			return queueError(ctx, err)
		}
	}
	if err := d.sem.Acquire(qctx, 1); err != nil {
		return queueError(ctx, err)
	}
	return nil
}

func queueError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: waiting for a worker: %v", ErrTimeout, err)
}

// Stream delivers the fragments of one generation.
type Stream struct {
	sessionID string
	frags     chan Fragment
	done      chan struct{}
	cancel    func(error)

	mu      sync.Mutex
	err     error
	model   string
	tokens  int
	elapsed time.Duration
}

// Next returns the next fragment. After the finished fragment it returns
// io.EOF; a failed generation returns its error instead.
func (s *Stream) Next(ctx context.Context) (Fragment, error) {
	select {
	case f, ok := <-s.frags:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.err != nil {
				return Fragment{}, s.err
			}
			return Fragment{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return Fragment{}, ctx.Err()
	}
}

// Close cancels generation upstream and waits for the worker to finish.
// It is safe to call more than once.
func (s *Stream) Close() {
	s.cancel(context.Canceled)
	for range s.frags {
	}
	<-s.done
}

// Model returns the model that produced the stream.
func (s *Stream) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Tokens returns the completion token count reported by the model, or 0.
func (s *Stream) Tokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// Elapsed returns how long generation ran.
func (s *Stream) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Stream) send(ctx context.Context, f Fragment) bool {
	select {
	case s.frags <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) run(ctx context.Context, d *Dispatcher, prompt llm.Prompt, params llm.Params) {
	start := time.Now()

	// watchdog: first-token deadline, then reset to the idle deadline on every chunk
	watchdog := time.AfterFunc(d.cfg.FirstTokenTimeout, func() { s.cancel(ErrTimeout) })
	defer watchdog.Stop()

	ms, err := d.model.Submit(ctx, prompt, params)
	if err != nil {
		s.fail(generationError(ctx, err))
		return
	}
	ms = llm.StripThinking(ms)
	defer func() { _ = ms.Close() }()

	s.mu.Lock()
	s.model = ms.Model()
	s.mu.Unlock()

	first := true
	for {
		c, err := ms.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.fail(generationError(ctx, err))
			d.logger.Warn("generation failed",
				slog.String("session_id", s.sessionID),
				slog.String("model", s.Model()),
				slog.String("error", err.Error()))
			return
		}
		watchdog.Reset(d.cfg.IdleTimeout)

		if c.Tokens > 0 {
			s.mu.Lock()
			s.tokens = c.Tokens
			s.mu.Unlock()
		}
		if c.Delta == "" {
			continue
		}
		if first {
			observability.RecordFirstToken(s.Model(), time.Since(start))
			first = false
		}
		if !s.send(ctx, Fragment{SessionID: s.sessionID, Delta: c.Delta}) {
			s.fail(generationError(ctx, ctx.Err()))
			return
		}
	}

	elapsed := time.Since(start)
	s.mu.Lock()
	s.elapsed = elapsed
	s.mu.Unlock()
	observability.RecordInference(s.Model(), elapsed, s.Tokens())

	if !s.send(ctx, Fragment{SessionID: s.sessionID, Finished: true}) {
		s.fail(generationError(ctx, ctx.Err()))
	}
}

// generationError maps a model or context failure to ErrTimeout,
// context.Canceled or the model error.
func generationError(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTimeout):
		return ErrTimeout
	case cause != nil:
		return cause
	case err == nil:
		return context.Canceled
	}
	return err
}
