// Package observability configures OpenTelemetry tracing for turns.
package observability

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultServiceName is the service name reported on spans.
	DefaultServiceName = "nexxi"

	// LangfuseEndpoint is the Langfuse OTLP ingest endpoint.
	LangfuseEndpoint = "https://cloud.langfuse.com/api/public/otel"
)

// Exporter names.
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

var (
	mu             sync.RWMutex
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
)

// Config holds tracing configuration.
type Config struct {
	// ServiceName defaults to "nexxi".
	ServiceName string
	// Exporter is "otlp", "stdout" or "none". Empty means none.
	Exporter string
	// Endpoint is the OTLP endpoint, either host:port or a full URL.
	Endpoint string
	// Headers are sent with every OTLP export.
	Headers map[string]string
	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer io.Writer
}

// FromEnv overlays the standard OpenTelemetry environment variables onto cfg:
// OTEL_SERVICE_NAME, OTEL_TRACES_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT and
// OTEL_EXPORTER_OTLP_HEADERS ("k1=v1,k2=v2"). When LANGFUSE_PUBLIC_KEY and
// LANGFUSE_SECRET_KEY are both set, Basic auth for Langfuse is added.
func FromEnv(cfg Config) Config {
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("OTEL_TRACES_EXPORTER"); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if h := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(h) > 0 {
		if cfg.Headers == nil {
			cfg.Headers = make(map[string]string, len(h))
		}
		for k, v := range h {
			cfg.Headers[k] = v
		}
	}

	publicKey := os.Getenv("LANGFUSE_PUBLIC_KEY")
	secretKey := os.Getenv("LANGFUSE_SECRET_KEY")
	if publicKey != "" && secretKey != "" {
		if cfg.Headers == nil {
			cfg.Headers = make(map[string]string)
		}
		cfg.Headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(publicKey+":"+secretKey))
		if cfg.Endpoint == "" {
			cfg.Endpoint = LangfuseEndpoint
		}
		if cfg.Exporter == "" {
			cfg.Exporter = ExporterOTLP
		}
	}
	return cfg
}

// Init installs the global tracer provider for cfg.
func Init(cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Exporter {
	case "", ExporterNone:
		logger.Info("tracing disabled")
		UseTracerProvider(otel.GetTracerProvider())
		return nil

	case ExporterOTLP:
		exporter, err = newOTLPExporter(cfg)
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		logger.Info("tracing initialized", slog.String("exporter", cfg.Exporter), slog.String("endpoint", cfg.Endpoint))

	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		logger.Info("tracing initialized", slog.String("exporter", cfg.Exporter))

	default:
		return fmt.Errorf("unknown trace exporter: %s", cfg.Exporter)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mu.Lock()
	tracerProvider = tp
	tracer = tp.Tracer(cfg.ServiceName)
	mu.Unlock()
	return nil
}

// UseTracerProvider makes spans come from tp.
func UseTracerProvider(tp trace.TracerProvider) {
	mu.Lock()
	defer mu.Unlock()
	tracer = tp.Tracer(DefaultServiceName)
}

// Shutdown flushes and stops the tracer provider installed by Init.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp := tracerProvider
	tracerProvider = nil
	mu.Unlock()
	if tp == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return tp.Shutdown(ctx)
}

func currentTracer() trace.Tracer {
	mu.RLock()
	tr := tracer
	mu.RUnlock()
	if tr == nil {
		return otel.GetTracerProvider().Tracer(DefaultServiceName)
	}
	return tr
}

// StartSpan starts a span under ctx with the given attributes.
func StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, *Span) {
	ctx, span := currentTracer().Start(ctx, name, trace.WithAttributes(toAttributes(attrs)...))
	return ctx, &Span{span: span}
}

// Span wraps an OpenTelemetry span. A nil *Span is a no-op.
type Span struct {
	mu    sync.Mutex
	span  trace.Span
	ended bool
}

// End finishes the span. Further calls are ignored.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.span.End()
		s.ended = true
	}
}

// AddEvent records a named event.
func (s *Span) AddEvent(name string, attrs map[string]any) {
	if s == nil {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
}

// SetAttribute adds an attribute.
func (s *Span) SetAttribute(key string, value any) {
	if s == nil {
		return
	}
	s.span.SetAttributes(toAttribute(key, value))
}

// SetError records err and marks the span failed.
func (s *Span) SetError(err error) {
	if s == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func newOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	var opts []otlptracehttp.Option
	switch {
	case strings.Contains(cfg.Endpoint, "://"):
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	case cfg.Endpoint != "":
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
}

func toAttributes(m map[string]any) []attribute.KeyValue {
	if len(m) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		attrs = append(attrs, toAttribute(k, v))
	}
	return attrs
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case time.Duration:
		return attribute.Int64(key, v.Milliseconds())
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return headers
}
