package tracing

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const sessionTracerName = "agor-session"

func sessionTracer() trace.Tracer {
	return Tracer(sessionTracerName)
}

const maxEventDataLen = 8192

// TraceSessionStart opens a long-lived span covering a Session's lifetime
// from creation to completion/failure. The caller ends the span when the
// session leaves its active states.
func TraceSessionStart(ctx context.Context, sessionID, repoID string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("repo_id", repoID),
	)
	return ctx, span
}

// TraceSessionRecovered opens a session span for a session reattached after
// a daemon restart (the prior span was lost with the process).
func TraceSessionRecovered(ctx context.Context, sessionID, repoID string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session.recovered",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("repo_id", repoID),
		attribute.Bool("recovered", true),
	)
	return ctx, span
}

// TraceTaskPrompt opens a span covering one Task from prompt acceptance to
// terminal state. Child of the session span via ctx.
func TraceTaskPrompt(ctx context.Context, taskID, sessionID, toolAdapter string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "task.prompt",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("session_id", sessionID),
		attribute.String("tool_adapter", toolAdapter),
	)
	return ctx, span
}

// TraceTaskEnd records the terminal status and token accounting of a Task
// on its span before the caller calls span.End().
func TraceTaskEnd(span trace.Span, status string, inputTokens, outputTokens int64, err error) {
	span.SetAttributes(
		attribute.String("task.status", status),
		attribute.Int64("task.input_tokens", inputTokens),
		attribute.Int64("task.output_tokens", outputTokens),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceToolEvent records a single normalized event emitted by a Tool
// adapter as a span event on the current context's span. The raw payload
// is truncated to keep spans small.
func TraceToolEvent(ctx context.Context, eventType, taskID string, raw json.RawMessage) {
	_, span := sessionTracer().Start(ctx, "tool.event."+eventType,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("event_type", eventType),
		attribute.String("task_id", taskID),
	)

	if len(raw) > 0 {
		data := string(raw)
		if len(data) > maxEventDataLen {
			data = data[:maxEventDataLen] + "...(truncated)"
		}
		span.AddEvent("event_data", trace.WithAttributes(
			attribute.String("data", data),
		))
	}
}
