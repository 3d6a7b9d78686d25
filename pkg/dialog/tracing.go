package dialog

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/voicetyped/intentflow/pkg/dialog"

// startDispatchSpan opens the span for one dispatch. The caller ends it.
//
//nolint:spancheck // ended by endDispatchSpan
func startDispatchSpan(ctx context.Context, state, method string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dialog.dispatch")
	span.SetAttributes(
		attribute.String("dialog.state", state),
		attribute.String("dialog.method", method),
	)
	return ctx, span
}

func endDispatchSpan(span trace.Span, out Outcome, err error) {
	span.SetAttributes(
		attribute.String("dialog.executed", out.Method),
		attribute.Bool("dialog.intercepted", out.Intercepted),
		attribute.Bool("dialog.fallback", out.FellBack),
	)
	if out.Original != "" {
		span.SetAttributes(attribute.String("dialog.original", out.Original))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
