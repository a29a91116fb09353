// Package server exposes the chat service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/aixgo-dev/nexxi/internal/chaterr"
	"github.com/aixgo-dev/nexxi/internal/dispatch"
	"github.com/aixgo-dev/nexxi/internal/sse"
	"github.com/aixgo-dev/nexxi/internal/turn"
	"github.com/aixgo-dev/nexxi/pkg/observability"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Config configures the HTTP server.
type Config struct {
	Addr string
	// RequestTimeout bounds one chat request, streaming included.
	RequestTimeout time.Duration
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
	// APIKeys maps each accepted key to the identity it is charged as.
	APIKeys map[string]string
}

// Server serves the chat API plus health and metrics.
type Server struct {
	cfg        Config
	turns      *turn.Orchestrator
	health     *observability.HealthChecker
	validate   *validator.Validate
	logger     *slog.Logger
	httpServer *http.Server
	now        func() time.Time
}

// New creates a server.
func New(cfg Config, turns *turn.Orchestrator, health *observability.HealthChecker, logger *slog.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		turns:    turns,
		health:   health,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		now:      time.Now,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the router with every route wired.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	// Public, no auth required.
	r.Get("/health", s.health.LivenessHandler())
	r.Get("/ready", s.health.ReadinessHandler())
	r.Handle("/metrics", observability.MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Route("/v1", func(r chi.Router) {
			r.Post("/chat", s.handleChat(false))
			r.Post("/chat/stream", s.handleChat(true))
			r.Delete("/chat/session", s.handleClearSession())
			r.Get("/sessions/{id}", s.handleGetSession())
			r.Delete("/sessions/{id}", s.handleDeleteSession())
		})
	})
	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", slog.String("addr", s.cfg.Addr))

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones, bounded by
// ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start))
	})
}

func (s *Server) handleChat(alwaysStream bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if !s.decode(w, r, &req) {
			return
		}

		ctx := r.Context()
		if s.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
		}

		treq := turn.Request{
			SessionID: req.SessionID,
			Message:   req.Message,
			RequestID: req.RequestID,
			Identity:  identityFrom(r.Context()),
			Stream:    alwaysStream || req.Stream,
		}
		if treq.Stream {
			s.streamTurn(ctx, w, r, treq)
			return
		}

		res, err := s.turns.Handle(ctx, treq, nil)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ChatResponse{
			SessionID:      res.SessionID,
			Message:        res.Message,
			Model:          res.Model,
			TokensUsed:     res.TokensUsed,
			ResponseTimeMS: res.ResponseTime.Milliseconds(),
			Timestamp:      res.Timestamp,
			SessionCreated: res.SessionCreated,
			Degraded:       res.Degraded,
		})
	}
}

// streamTurn runs a turn with SSE delivery. Failures before the first event
// are ordinary JSON errors; later ones end the stream with an error event.
func (s *Server) streamTurn(ctx context.Context, w http.ResponseWriter, r *http.Request, req turn.Request) {
	sw, err := sse.NewWriter(w)
	if err != nil {
		s.writeError(w, r, chaterr.Internal(err))
		return
	}

	sessionID := req.SessionID
	sink := func(f dispatch.Fragment) error {
		sessionID = f.SessionID
		return sw.WriteJSON(StreamEvent{SessionID: f.SessionID, Delta: f.Delta, Finished: f.Finished})
	}

	if _, err := s.turns.Handle(ctx, req, sink); err != nil {
		ce := chaterr.From(err)
		if !sw.Started() {
			s.writeError(w, r, ce)
			return
		}
		if ce.Kind == chaterr.KindCancelled {
			return
		}
		if werr := sw.WriteJSON(StreamEvent{
			SessionID: sessionID,
			Finished:  true,
			Error:     ce.Kind,
			Detail:    ce.Detail,
			Violation: ce.Violation,
		}); werr != nil {
			s.logger.Debug("failed to write terminal event", slog.String("error", werr.Error()))
		}
	}
}

func (s *Server) handleClearSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ClearRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := s.turns.Clear(r.Context(), req.SessionID); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, Ack{Message: "Session cleared.", SessionID: req.SessionID})
	}
}

func (s *Server) handleGetSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sess, err := s.turns.History(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		view := SessionView{
			SessionID:    sess.ID,
			CreatedAt:    sess.CreatedAt,
			UpdatedAt:    sess.UpdatedAt,
			TurnCount:    sess.TurnCount,
			MessageCount: sess.MessageCount,
			Turns:        make([]TurnView, 0, len(sess.Turns)),
		}
		for _, t := range sess.History() {
			view.Turns = append(view.Turns, TurnView{
				Role:      string(t.Role),
				Content:   t.Content,
				Timestamp: t.Timestamp,
				Tokens:    t.Tokens,
				LatencyMS: t.LatencyMS,
				Partial:   t.Partial,
			})
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) handleDeleteSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.turns.Delete(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, Ack{Message: "Session deleted.", SessionID: id})
	}
}

// decode reads and validates a JSON body, writing an error response and
// returning false when it is unusable.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, chaterr.Wrap(chaterr.KindInvalidRequest, "Request body must be valid JSON.", err))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.writeError(w, r, chaterr.Wrap(chaterr.KindInvalidRequest, validationDetail(err), err))
		return false
	}
	return true
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return "Field " + fe.Field() + " is required."
		case "max":
			return "Field " + fe.Field() + " is too long."
		default:
			return "Field " + fe.Field() + " is invalid."
		}
	}
	return "Request is invalid."
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ce := chaterr.From(err)
	if ce.Kind == chaterr.KindInternal {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	if ce.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(chaterr.RetryAfterSeconds(ce.RetryAfter)))
	}
	writeJSON(w, ce.Kind.Status(), ce.Payload(s.now()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
