package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes feed metrics, so they must stay low cardinality: operation
// names, components and statuses only. User ids, download state ids, section
// hashes and seller urls belong in logs, which carry the trace id.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

func status(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status(err)),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if !t.enabled() {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, status(err), time.Since(start))

	return err
}

// InstrumentClientOperation instruments calls made through the messenger.
func (t *Telemetry) InstrumentClientOperation(ctx context.Context, client, operation string, fn InstrumentedFunc) error {
	if !t.enabled() {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "client_"+operation, "messenger", fn)

	t.RecordClientOperation(client, operation, status(err))

	return err
}

// InstrumentDownload instruments one run of a download manager.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn InstrumentedFunc) error {
	if !t.enabled() {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	err := t.InstrumentOperation(ctx, "download", "manager", fn)

	t.RecordDownload(status(err), time.Since(start))

	return err
}

// InstrumentPiece instruments one piece download.
func (t *Telemetry) InstrumentPiece(ctx context.Context, fn InstrumentedFunc) error {
	if !t.enabled() {
		return fn(ctx)
	}

	start := time.Now()

	t.piecesActive.Add(context.Background(), 1)
	defer t.piecesActive.Add(context.Background(), -1)

	err := t.InstrumentOperation(ctx, "piece_download", "downloader", fn)

	t.RecordPiece(status(err), time.Since(start))

	return err
}

// InstrumentNegotiation instruments one negotiation with one seller.
func (t *Telemetry) InstrumentNegotiation(ctx context.Context, fn InstrumentedFunc) error {
	if !t.enabled() {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "negotiate", "negotiator", fn)

	t.RecordNegotiation(status(err))

	return err
}
