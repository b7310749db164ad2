// Package telemetry wires call lifecycle spans into OpenTelemetry tracing,
// grounded in the teacher's tracing provider idiom (a lazily-enabled
// TracerProvider behind an exporter switch, syncing exports instead of
// batching for simplicity).
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "voicegate"

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing for call lifecycle spans.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider. A disabled or unrecognized
// exporter yields a no-op provider rather than an error, so tracing failures
// never block call handling.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer(tracerName)}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voicegate"
	}

	slog.Info("creating trace exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("otlp trace exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer(tracerName)}, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter), // sync exporter: simpler than batching for call-volume traffic
	)
	otel.SetTracerProvider(tp)

	return &Provider{config: cfg, tracer: tp.Tracer(tracerName), provider: tp}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether a real exporter is attached.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Call span attribute keys.
const (
	AttrCallID       = "voicegate.call.id"
	AttrVariantID    = "voicegate.call.variant_id"
	AttrBackend      = "voicegate.call.backend"
	AttrRemoteAddr   = "voicegate.call.remote_addr"
	AttrDurationMs   = "voicegate.call.duration_ms"
	AttrReward       = "voicegate.call.reward"
	AttrBargeInCount = "voicegate.call.barge_in_count"
	AttrRepeatCount  = "voicegate.call.repeat_count"
	AttrResolution   = "voicegate.call.resolution"
)

// StartCallSpan starts a span covering one call's full WebSocket lifetime,
// from admission through HandleCallEnded.
func (p *Provider) StartCallSpan(ctx context.Context, callID, variantID, remoteAddr string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "call.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrCallID, callID),
			attribute.String(AttrVariantID, variantID),
			attribute.String(AttrRemoteAddr, remoteAddr),
		),
	)
}

// EndCallSpan closes a call span with the final reward-bearing outcome.
func (p *Provider) EndCallSpan(span trace.Span, backend string, durationMs int64, reward float64, bargeIns, repeats int, resolution bool, err error) {
	span.SetAttributes(
		attribute.String(AttrBackend, backend),
		attribute.Int64(AttrDurationMs, durationMs),
		attribute.Float64(AttrReward, reward),
		attribute.Int(AttrBargeInCount, bargeIns),
		attribute.Int(AttrRepeatCount, repeats),
		attribute.Bool(AttrResolution, resolution),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordBackendCutover adds a failover event to the active call span.
func (p *Provider) RecordBackendCutover(ctx context.Context, from, to string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("backend.cutover", trace.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordBargeIn adds a barge-in event to the active call span.
func (p *Provider) RecordBargeIn(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("call.barge_in")
}

// DefaultConfig returns a default (disabled) telemetry configuration.
func DefaultConfig() Config {
	return Config{Enabled: false, Exporter: "none", ServiceName: "voicegate"}
}

// ConfigFromEnv layers environment overrides onto DefaultConfig, mirroring
// the OTEL SDK's own env-var conventions plus a VOICEGATE_TELEMETRY_* set.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	if os.Getenv("VOICEGATE_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if v := os.Getenv("VOICEGATE_TELEMETRY_EXPORTER"); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv("VOICEGATE_TELEMETRY_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	return cfg
}

// NoopProvider returns a provider that does nothing (for tests and gateways
// run with telemetry disabled).
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer(tracerName + "-noop")}
}

// ContextWithTimeout creates a context with timeout for shutdown.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
