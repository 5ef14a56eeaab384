package extensions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sdlib/mutator"
)

// LoggingExtension logs every body execution with its lock wait and run time
type LoggingExtension struct {
	mutator.BaseExtension
	logger *slog.Logger
}

// NewLoggingExtension creates a new logging extension.
// handler: use NewHumanHandler for terminals, or any other slog.Handler
func NewLoggingExtension(handler slog.Handler) *LoggingExtension {
	return &LoggingExtension{
		BaseExtension: mutator.NewBaseExtension("logging"),
		logger:        slog.New(handler),
	}
}

func (e *LoggingExtension) Wrap(ctx context.Context, next func(context.Context) error, op *mutator.Operation) error {
	start := time.Now()
	e.logger.DebugContext(ctx, "Operation Started",
		"mutator", op.Mutator.Name(),
		"op", string(op.Kind),
		"id", op.ID,
		"waited", start.Sub(op.Started),
	)

	err := next(ctx)

	attrs := []any{
		"mutator", op.Mutator.Name(),
		"op", string(op.Kind),
		"id", op.ID,
		"duration", time.Since(start),
	}
	switch {
	case err == nil:
		e.logger.InfoContext(ctx, "Operation Completed", attrs...)
	case mutator.IsCancellation(err):
		e.logger.InfoContext(ctx, "Operation Cancelled", append(attrs, "error", err.Error())...)
	default:
		e.logger.WarnContext(ctx, "Operation Failed", append(attrs, "error", err.Error())...)
	}

	return err
}

// OnCancel logs preemption and CancelMutate
func (e *LoggingExtension) OnCancel(op *mutator.Operation, cause error) {
	e.logger.Info("Mutate Cancelled",
		"mutator", op.Mutator.Name(),
		"id", op.ID,
		"cause", cause.Error(),
	)
}

// OnError logs calls rejected before reaching a body
func (e *LoggingExtension) OnError(err error, op *mutator.Operation) {
	var re *mutator.ReentrancyError
	if errors.As(err, &re) {
		e.logger.Error("Nested Call Rejected",
			"mutator", op.Mutator.Name(),
			"op", string(op.Kind),
			"id", op.ID,
		)
	}
}

// OnPanic logs the recovered value and stack before the panic is re-raised
func (e *LoggingExtension) OnPanic(ctx context.Context, op *mutator.Operation, recovered any, stack []byte) {
	e.logger.ErrorContext(ctx, "Body Panic",
		"mutator", op.Mutator.Name(),
		"op", string(op.Kind),
		"id", op.ID,
		"panic", fmt.Sprintf("%v", recovered),
		"stack_trace", string(stack),
	)
}
