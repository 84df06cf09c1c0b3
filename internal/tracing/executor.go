package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const executorTracerName = "agor-executor"

func executorTracer() trace.Tracer {
	return Tracer(executorTracerName)
}

// TraceExecutorSpawn starts a span for launching the executor subprocess
// for one Task. Caller ends the span once the subprocess exits.
func TraceExecutorSpawn(ctx context.Context, taskID, sessionID, toolAdapter string) (context.Context, trace.Span) {
	ctx, span := executorTracer().Start(ctx, "executor.spawn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("session_id", sessionID),
		attribute.String("tool_adapter", toolAdapter),
	)
	return ctx, span
}

// TraceExecutorExit records the exit status of an executor subprocess.
func TraceExecutorExit(span trace.Span, exitCode int, err error) {
	span.SetAttributes(attribute.Int("executor.exit_code", exitCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceExecutorRPC starts a span for one stdin payload sent to a running
// executor (prompt, stopTask, computeContextWindow).
func TraceExecutorRPC(ctx context.Context, payloadType, taskID string) (context.Context, trace.Span) {
	ctx, span := executorTracer().Start(ctx, "executor.rpc."+payloadType,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("payload_type", payloadType),
		attribute.String("task_id", taskID),
	)
	return ctx, span
}

// TraceExecutorRPCResult records the outcome of an executor RPC on its span.
func TraceExecutorRPCResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceWorktreeSync starts a span covering one Unix group/ACL sync pass for
// a Worktree (C4, idempotent per P4).
func TraceWorktreeSync(ctx context.Context, worktreeID string) (context.Context, trace.Span) {
	ctx, span := executorTracer().Start(ctx, "worktree.sync",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("worktree_id", worktreeID))
	return ctx, span
}

// TraceWorktreeSyncResult records whether a sync pass changed anything.
func TraceWorktreeSyncResult(span trace.Span, changed bool, err error) {
	span.SetAttributes(attribute.Bool("worktree.sync_changed", changed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
