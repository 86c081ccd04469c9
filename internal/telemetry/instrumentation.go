package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName, trace.WithAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	))

	defer span.End()

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentPeerRequest instruments an RPC issued to a peer. File references
// are unbounded, so they never become metric attributes here.
func (t *Telemetry) InstrumentPeerRequest(ctx context.Context, method string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "peer_"+method, "peer", fn)

	t.RecordPeerRequest(ctx, method, statusOf(err), time.Since(start))

	return err
}

// InstrumentLedgerOperation instruments download ledger operations.
func (t *Telemetry) InstrumentLedgerOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "ledger_"+operation, "ledger", fn)

	t.RecordLedgerOperation(ctx, operation, statusOf(err), time.Since(start))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
