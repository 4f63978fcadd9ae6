package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sunshow/workgear/conductor/internal/graph"
)

const tracerName = "github.com/sunshow/workgear/conductor/internal/engine"

// newTracer returns the engine tracer from the global provider. Without a
// configured provider spans are no-ops.
func newTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startPlanSpan starts a span for initial plan generation.
func (e *Engine) startPlanSpan(ctx context.Context, workflowID, goal string) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, "workflow.plan")
	span.SetAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.Int("workflow.goal_length", len(goal)),
	)
	return ctx, span
}

// startStepSpan starts a span covering one pipeline run of a step.
func (e *Engine) startStepSpan(ctx context.Context, workflowID string, step *graph.Step, agentID string) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, "step."+string(step.ActionType))
	span.SetAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("step.id", step.ID),
		attribute.String("step.action_type", string(step.ActionType)),
		attribute.String("agent.id", agentID),
	)
	return ctx, span
}

// startReplanSpan starts a span for a replan triggered by a failed step.
func (e *Engine) startReplanSpan(ctx context.Context, workflowID, failedID string) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, "workflow.replan")
	span.SetAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("step.failed_id", failedID),
	)
	return ctx, span
}

// endSpan records err, if any, and ends the span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
