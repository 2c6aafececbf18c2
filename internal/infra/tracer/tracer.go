package tracer

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
)

const tracerName = "relaybot"

// Setup initializes OpenTelemetry tracing and returns a shutdown function.
// When cfg.Enabled is false, a noop TracerProvider is used (zero overhead).
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	case "noop", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartSpan starts a named span on the relay tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// RecordError records err on the span and marks it failed.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GenerationSpan describes one relay.generation span.
type GenerationSpan struct {
	Key     domain.ConversationKey
	ID      string
	Backend string
	Stream  bool
}

// StartGeneration opens the span covering a generation from placeholder to
// final edit.
func StartGeneration(ctx context.Context, g GenerationSpan) (context.Context, trace.Span) {
	return StartSpan(ctx, "relay.generation", trace.WithAttributes(
		attribute.Int64("chat.id", g.Key.ChatID),
		attribute.Int64("chat.thread_id", g.Key.ThreadID),
		attribute.String("generation.id", g.ID),
		attribute.String("llm.backend", g.Backend),
		attribute.Bool("llm.stream", g.Stream),
	))
}

// EndGeneration records the terminal state and ends the span. err is only
// recorded for failed generations.
func EndGeneration(span trace.Span, state string, runes int, err error) {
	span.SetAttributes(
		attribute.String("generation.state", state),
		attribute.Int("generation.runes", runes),
	)
	if err != nil {
		RecordError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// StartBackendCall opens a span for one request to the generation backend.
// name is "llm.stream" or "llm.chat".
func StartBackendCall(ctx context.Context, name, provider, model string, messages int) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
		attribute.Int("llm.messages", messages),
	))
}

// EndBackendCall records usage and outcome and ends the span. A cancelled
// request is marked as such rather than failed.
func EndBackendCall(span trace.Span, usage *domain.Usage, err error) {
	if usage != nil {
		span.SetAttributes(
			attribute.Int("llm.prompt_tokens", usage.PromptTokens),
			attribute.Int("llm.completion_tokens", usage.CompletionTokens),
			attribute.Int("llm.prompt_cache_hit_tokens", usage.PromptCacheHitTokens),
		)
		if usage.ReasoningTokens != nil {
			span.SetAttributes(attribute.Int("llm.reasoning_tokens", *usage.ReasoningTokens))
		}
	}
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, context.Canceled):
		span.SetAttributes(attribute.Bool("llm.cancelled", true))
	default:
		RecordError(span, err)
	}
	span.End()
}
