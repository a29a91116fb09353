// Package turn runs one conversational turn end to end: quota, input
// safety, history, generation, output safety and persistence.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/aixgo-dev/nexxi/internal/chaterr"
	"github.com/aixgo-dev/nexxi/internal/dispatch"
	tracing "github.com/aixgo-dev/nexxi/internal/observability"
	"github.com/aixgo-dev/nexxi/pkg/llm"
	"github.com/aixgo-dev/nexxi/pkg/observability"
	"github.com/aixgo-dev/nexxi/pkg/quota"
	"github.com/aixgo-dev/nexxi/pkg/safety"
	"github.com/aixgo-dev/nexxi/pkg/session"
)

// DefaultMaxInputLength is the longest accepted message, in characters.
const DefaultMaxInputLength = 1000

// anonymous is the quota identity of unauthenticated callers.
const anonymous = "anonymous"

// Config tunes the orchestrator.
type Config struct {
	// MaxInputLength bounds the message length in characters.
	MaxInputLength int
	// LockTimeout bounds the wait for a busy session.
	LockTimeout time.Duration
	// PersistPartial stores the text generated before a cancellation or
	// failure, marked partial. Output safety violations are never stored.
	PersistPartial bool
	// OutputWindow is the trailing window rescanned by the output guard.
	OutputWindow int
	// Params are the sampling parameters for every turn.
	Params llm.Params
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxInputLength: DefaultMaxInputLength,
		LockTimeout:    30 * time.Second,
		OutputWindow:   safety.DefaultOutputWindow,
		Params:         llm.DefaultParams(),
	}
}

// Request is one user message.
type Request struct {
	// SessionID continues a session. Empty starts a new one.
	SessionID string
	Message   string
	// RequestID makes retries idempotent. Empty assigns a fresh one.
	RequestID string
	// Identity is the caller the quota is charged to.
	Identity string
	// Stream selects incremental delivery. It only affects metrics.
	Stream bool
}

// Result is a completed turn.
type Result struct {
	SessionID      string
	RequestID      string
	Message        string
	Model          string
	TokensUsed     int
	ResponseTime   time.Duration
	Timestamp      time.Time
	SessionCreated bool
	// Degraded is set when the reply was produced but could not be stored.
	Degraded bool
	// Replayed is set when the reply was already stored for RequestID.
	Replayed bool
}

// Sink receives fragments as they pass the output guard. Returning an error
// cancels generation.
type Sink func(dispatch.Fragment) error

// Orchestrator runs turns. It is safe for concurrent use.
type Orchestrator struct {
	quota      quota.Tracker
	sessions   *session.Store
	filter     *safety.Filter
	dispatcher *dispatch.Dispatcher
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an orchestrator.
func New(q quota.Tracker, sessions *session.Store, filter *safety.Filter, d *dispatch.Dispatcher, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.MaxInputLength <= 0 {
		cfg.MaxInputLength = DefaultMaxInputLength
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig().LockTimeout
	}
	if cfg.Params == (llm.Params{}) {
		cfg.Params = llm.DefaultParams()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		quota:      q,
		sessions:   sessions,
		filter:     filter,
		dispatcher: d,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Handle runs one turn. When sink is nil the reply is only returned
// assembled; otherwise every fragment, including the finished one, is
// passed to sink before Handle returns. Errors are *chaterr.Error.
func (o *Orchestrator) Handle(ctx context.Context, req Request, sink Sink) (*Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Identity == "" {
		req.Identity = anonymous
	}

	ctx, span := tracing.StartSpan(ctx, "turn", map[string]any{
		"request_id": req.RequestID,
		"stream":     req.Stream,
	})
	defer span.End()

	r := &run{
		o:     o,
		req:   req,
		sink:  sink,
		span:  span,
		state: StateReceived,
		start: o.now(),
	}
	res, err := r.execute(ctx)
	if err != nil {
		ce := r.abort(ctx, err)
		return nil, ce
	}
	r.transition(StateCompleted)
	r.record(ReasonNone)
	return res, nil
}

// run is the state of one turn in flight.
type run struct {
	o     *Orchestrator
	req   Request
	sink  Sink
	span  *tracing.Span
	state State
	start time.Time

	sessionID string
	created   bool
	userTurn  session.Turn
	partial   strings.Builder
	reason    Reason
}

func (r *run) transition(to State) {
	if !CanTransition(r.state, to) {
		r.o.logger.Error("illegal turn transition",
			slog.String("from", string(r.state)),
			slog.String("to", string(to)))
		return
	}
	r.span.AddEvent("transition", map[string]any{"from": string(r.state), "to": string(to)})
	r.state = to
}

func (r *run) mode() string {
	if r.req.Stream {
		return "stream"
	}
	return "assembled"
}

func (r *run) record(reason Reason) {
	observability.RecordTurn(string(r.state), string(reason), r.mode(), r.o.now().Sub(r.start))
}

func (r *run) execute(ctx context.Context) (res *Result, err error) {
	o := r.o

	message := strings.TrimSpace(r.req.Message)
	if message == "" {
		return nil, r.fail(ReasonInvalidRequest, chaterr.New(chaterr.KindInvalidRequest, "Message must not be empty."))
	}
	if utf8.RuneCountInString(message) > o.cfg.MaxInputLength {
		return nil, r.fail(ReasonInvalidRequest, chaterr.New(chaterr.KindInvalidRequest,
			fmt.Sprintf("Message exceeds %d characters.", o.cfg.MaxInputLength)))
	}

	decision, err := o.quota.Allow(ctx, r.req.Identity)
	if err != nil {
		return nil, r.fail(ReasonUnavailable, chaterr.Wrap(chaterr.KindServiceUnavailable,
			"Service temporarily unavailable. Please try again.", err))
	}
	if !decision.Permitted {
		observability.RecordQuotaRejection()
		ce := chaterr.New(chaterr.KindQuotaExceeded,
			fmt.Sprintf("Rate limit of %d requests exceeded. Please slow down.", decision.Limit))
		ce.RetryAfter = decision.RetryAfter
		return nil, r.fail(ReasonQuotaExceeded, ce)
	}
	r.transition(StateQuotaChecked)

	clean, err := o.filter.Screen(message)
	if err != nil {
		return nil, r.fail(ReasonInputViolation, violationError(err, "input"))
	}
	if clean == "" {
		return nil, r.fail(ReasonInvalidRequest, chaterr.New(chaterr.KindInvalidRequest, "Message has no usable content."))
	}
	r.transition(StateInputFiltered)

	r.sessionID = r.req.SessionID
	if r.sessionID == "" {
		r.sessionID = uuid.NewString()
		r.created = true
	}
	r.span.SetAttribute("session_id", r.sessionID)

	lockCtx, cancel := context.WithTimeout(ctx, o.cfg.LockTimeout)
	unlock, err := o.sessions.Lock(lockCtx, r.sessionID)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			err = chaterr.Wrap(chaterr.KindTimeout, "Session is busy. Please retry.", err)
		}
		return nil, err
	}
	defer unlock()
	// runs before unlock
	defer func() {
		if err != nil {
			r.savePartial(ctx)
		}
	}()

	var sess *session.Session
	if !r.created {
		sess, err = o.sessions.Load(ctx, r.sessionID)
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			r.created = true
		case err != nil:
			return nil, chaterr.Wrap(chaterr.KindServiceUnavailable, "Session storage unavailable. Please try again.", err)
		}
	}
	if r.created {
		r.span.AddEvent("session_created", map[string]any{"session_id": r.sessionID})
	}

	if sess != nil {
		if reply, ok := sess.Reply(r.req.RequestID); ok {
			r.transition(StateHistoryLoaded)
			return r.replay(reply)
		}
	}

	if o.sessions.ShouldSummarize(sess) {
		sess = r.summarize(ctx, sess)
	}
	// a retry regenerates over the history before the interrupted attempt
	sess = sess.WithoutInterrupted(r.req.RequestID)

	r.userTurn = session.Turn{Role: session.RoleUser, Content: clean, RequestID: r.req.RequestID}
	history := o.sessions.Context(sess, r.userTurn)
	history = history[:len(history)-1]
	r.transition(StateHistoryLoaded)

	return r.generate(ctx, history, clean)
}

// summarize condenses the stored history. Failures leave sess as it was.
func (r *run) summarize(ctx context.Context, sess *session.Session) *session.Session {
	o := r.o
	summary, err := o.dispatcher.Summarize(ctx, r.sessionID, sess.WithoutInterrupted(r.req.RequestID).History(), o.cfg.Params)
	if err == nil {
		err = o.filter.Check(summary)
	}
	var updated *session.Session
	if err == nil {
		updated, err = o.sessions.Summarize(ctx, r.sessionID, safety.Redact(summary))
	}
	if err != nil {
		o.logger.Warn("failed to summarize conversation",
			slog.String("session_id", r.sessionID),
			slog.String("error", err.Error()))
		r.span.AddEvent("summary_failed", map[string]any{"error": err.Error()})
		return sess
	}
	r.span.AddEvent("summarized", map[string]any{"turn_count": updated.TurnCount})
	return updated
}

func (r *run) replay(reply session.Turn) (*Result, error) {
	r.span.AddEvent("replayed", nil)
	if r.sink != nil {
		if err := r.sink(dispatch.Fragment{SessionID: r.sessionID, Delta: reply.Content}); err != nil {
			return nil, err
		}
		if err := r.sink(dispatch.Fragment{SessionID: r.sessionID, Finished: true}); err != nil {
			return nil, err
		}
	}
	return &Result{
		SessionID:    r.sessionID,
		RequestID:    r.req.RequestID,
		Message:      reply.Content,
		Model:        r.o.dispatcher.Model().Name(),
		TokensUsed:   reply.Tokens,
		ResponseTime: time.Duration(reply.LatencyMS) * time.Millisecond,
		Timestamp:    reply.Timestamp,
		Replayed:     true,
	}, nil
}

func (r *run) generate(ctx context.Context, history []session.Turn, message string) (*Result, error) {
	o := r.o

	genStart := o.now()
	stream, err := o.dispatcher.Generate(ctx, r.sessionID, history, message, o.cfg.Params)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	r.transition(StateGenerating)

	guard := safety.NewOutputGuard(o.filter, o.cfg.OutputWindow)
	fragments := 0
	for {
		frag, err := stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if frag.Finished {
			break
		}
		if r.state == StateGenerating {
			r.transition(StateOutputFiltering)
		}
		fragments++
		if err := guard.Feed(frag.Delta); err != nil {
			stream.Close()
			return nil, r.fail(ReasonOutputViolation, violationError(err, "output"))
		}
		r.partial.WriteString(frag.Delta)
		if r.sink != nil {
			if err := r.sink(frag); err != nil {
				stream.Close()
				return nil, fmt.Errorf("%w: delivering fragment: %v", context.Canceled, err)
			}
		}
	}
	if r.state == StateGenerating {
		r.transition(StateOutputFiltering)
	}
	r.span.SetAttribute("fragments", fragments)

	text := strings.TrimSpace(r.partial.String())
	if text == "" {
		return nil, chaterr.New(chaterr.KindServiceUnavailable, "The model returned an empty reply. Please try again.")
	}
	latency := o.now().Sub(genStart)
	tokens := stream.Tokens()
	if tokens == 0 {
		tokens = session.ApproxTokens(text)
	}

	res := &Result{
		SessionID:      r.sessionID,
		RequestID:      r.req.RequestID,
		Message:        text,
		Model:          stream.Model(),
		TokensUsed:     tokens,
		ResponseTime:   latency,
		SessionCreated: r.created,
	}

	assistant := session.Turn{
		Role:      session.RoleAssistant,
		Content:   text,
		RequestID: r.req.RequestID,
		Tokens:    tokens,
		LatencyMS: latency.Milliseconds(),
	}
	if err := r.persist(ctx, assistant); err != nil {
		observability.RecordPersistFailure()
		o.logger.Error("failed to persist turn",
			slog.String("session_id", r.sessionID),
			slog.String("request_id", r.req.RequestID),
			slog.String("error", err.Error()))
		r.span.SetError(err)
		res.Degraded = true
	}
	res.Timestamp = o.now().UTC()
	r.transition(StatePersisted)

	if r.sink != nil {
		if err := r.sink(dispatch.Fragment{SessionID: r.sessionID, Finished: true}); err != nil {
			o.logger.Debug("client left before the finished fragment",
				slog.String("session_id", r.sessionID),
				slog.String("error", err.Error()))
		}
	}
	return res, nil
}

// persist commits the user and assistant turns together, retrying once.
// Stored content is redacted.
func (r *run) persist(ctx context.Context, assistant session.Turn) error {
	user := r.userTurn
	user.Content = safety.Redact(user.Content)
	assistant.Content = safety.Redact(assistant.Content)

	// the reply exists; store it even if the client has gone
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err = r.o.sessions.Append(pctx, r.sessionID, user, assistant)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

// fail records the abort reason for err.
func (r *run) fail(reason Reason, err error) error {
	r.reason = reason
	return err
}

// abort classifies err and records the terminal state.
func (r *run) abort(ctx context.Context, err error) *chaterr.Error {
	ce, reason := classify(ctx, err)
	if r.reason != ReasonNone {
		reason = r.reason
	}
	r.transition(StateAborted)
	r.record(reason)
	r.span.SetAttribute("abort_reason", string(reason))
	r.span.SetError(err)

	if ce.Kind == chaterr.KindInternal {
		r.o.logger.Error("turn failed",
			slog.String("session_id", r.sessionID),
			slog.String("request_id", r.req.RequestID),
			slog.String("error", err.Error()))
	} else {
		r.o.logger.Info("turn aborted",
			slog.String("session_id", r.sessionID),
			slog.String("request_id", r.req.RequestID),
			slog.String("reason", string(reason)))
	}

	return ce
}

// savePartial stores the text generated before a failed turn, marked
// partial, when the orchestrator is configured to. The caller holds the
// session lock.
func (r *run) savePartial(ctx context.Context) {
	if !r.o.cfg.PersistPartial || r.reason == ReasonOutputViolation || r.partial.Len() == 0 {
		return
	}
	partial := session.Turn{
		Role:      session.RoleAssistant,
		Content:   r.partial.String(),
		RequestID: r.req.RequestID,
		Partial:   true,
	}
	if err := r.persist(ctx, partial); err != nil {
		r.o.logger.Warn("failed to persist partial reply",
			slog.String("session_id", r.sessionID),
			slog.String("error", err.Error()))
		return
	}
	r.span.AddEvent("partial_persisted", map[string]any{"bytes": r.partial.Len()})
}

// classify maps err to its client-visible form and abort reason.
func classify(ctx context.Context, err error) (*chaterr.Error, Reason) {
	var ce *chaterr.Error
	if errors.As(err, &ce) {
		return ce, reasonFor(ce.Kind)
	}

	switch {
	case errors.Is(err, dispatch.ErrTimeout), errors.Is(err, context.DeadlineExceeded),
		errors.Is(ctx.Err(), context.DeadlineExceeded):
		return chaterr.Wrap(chaterr.KindTimeout, "The model took too long to respond. Please try again.", err), ReasonTimeout
	case errors.Is(err, context.Canceled), ctx.Err() != nil:
		return chaterr.Wrap(chaterr.KindCancelled, "Request cancelled.", err), ReasonCancelled
	case errors.Is(err, llm.ErrUnavailable):
		return chaterr.Wrap(chaterr.KindServiceUnavailable, "The model is temporarily unavailable. Please try again.", err), ReasonUnavailable
	}
	return chaterr.Internal(err), ReasonInternal
}

func reasonFor(k chaterr.Kind) Reason {
	switch k {
	case chaterr.KindInvalidRequest:
		return ReasonInvalidRequest
	case chaterr.KindQuotaExceeded:
		return ReasonQuotaExceeded
	case chaterr.KindSafetyViolation:
		return ReasonInputViolation
	case chaterr.KindServiceUnavailable:
		return ReasonUnavailable
	case chaterr.KindTimeout:
		return ReasonTimeout
	case chaterr.KindCancelled:
		return ReasonCancelled
	}
	return ReasonInternal
}

func violationError(err error, direction string) *chaterr.Error {
	var v *safety.Violation
	if !errors.As(err, &v) {
		return chaterr.Internal(err)
	}
	observability.RecordSafetyViolation(direction, string(v.Kind))
	detail := "Your message was blocked by the safety filter."
	if direction == "output" {
		detail = "The response was stopped by the safety filter."
	}
	ce := chaterr.Wrap(chaterr.KindSafetyViolation, detail, err)
	ce.Violation = string(v.Kind)
	return ce
}
