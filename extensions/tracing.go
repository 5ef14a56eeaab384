package extensions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sdlib/mutator"
)

// TracingExtension starts one span per body execution. The span context is
// passed on to the body, so spans the body creates nest under it.
type TracingExtension struct {
	mutator.BaseExtension
	tracer trace.Tracer
}

// NewTracingExtension creates a tracing extension using tracer
func NewTracingExtension(tracer trace.Tracer) *TracingExtension {
	return &TracingExtension{
		BaseExtension: mutator.NewBaseExtension("tracing"),
		tracer:        tracer,
	}
}

// Order runs tracing outside the other extensions so their work is timed too
func (e *TracingExtension) Order() int {
	return 10
}

func (e *TracingExtension) Wrap(ctx context.Context, next func(context.Context) error, op *mutator.Operation) error {
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("%s.%s", op.Mutator.Name(), op.Kind),
		trace.WithAttributes(
			attribute.String("mutator.name", op.Mutator.Name()),
			attribute.String("mutator.op", string(op.Kind)),
			attribute.String("mutator.id", op.ID),
			attribute.Int64("mutator.wait_ms", waitedMillis(op)),
		),
	)
	defer span.End()

	err := next(ctx)

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case mutator.IsCancellation(err):
		span.SetAttributes(attribute.Bool("mutator.cancelled", true))
		span.AddEvent("cancelled", trace.WithAttributes(attribute.String("cause", err.Error())))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

// OnCancel records a short span for each cancellation, linked by mutator.id
// to the span of the cancelled body
func (e *TracingExtension) OnCancel(op *mutator.Operation, cause error) {
	label := "cancel_mutate"
	if errors.Is(cause, mutator.ErrPreempted) {
		label = "preempted"
	}
	_, span := e.tracer.Start(context.Background(), "mutator.cancel",
		trace.WithAttributes(
			attribute.String("mutator.name", op.Mutator.Name()),
			attribute.String("mutator.id", op.ID),
			attribute.String("mutator.cause", label),
		),
	)
	span.End()
}

func waitedMillis(op *mutator.Operation) int64 {
	if op.Started.IsZero() {
		return 0
	}
	return time.Since(op.Started).Milliseconds()
}
