package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds all telemetry instruments and providers. A zero or nil
// Telemetry is valid and records nothing.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestsInFlight metric.Int64UpDownCounter
	httpRequestDuration  metric.Float64Histogram

	// Purchase metrics
	downloadsTotal      metric.Int64Counter
	downloadsActive     metric.Int64UpDownCounter
	downloadDuration    metric.Float64Histogram
	piecesTotal         metric.Int64Counter
	piecesActive        metric.Int64UpDownCounter
	pieceDuration       metric.Float64Histogram
	bytesDownloaded     metric.Int64Counter
	negotiationsTotal   metric.Int64Counter
	sellersBlacklisted  metric.Int64Counter
	eventsTotal         metric.Int64Counter
	messengerOperations metric.Int64Counter
	messengerErrors     metric.Int64Counter
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// Go runtime metrics: memory, GC, goroutines.
	if err := runtime.Start(
		runtime.WithMeterProvider(meterProvider),
		runtime.WithMinimumReadMemStatsInterval(15*time.Second),
	); err != nil {
		return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	go t.collectUptime(ctx)

	return t, nil
}

func (t *Telemetry) enabled() bool {
	return t != nil && t.meter != nil
}

// Tracer returns the OpenTelemetry tracer, or a no-op tracer when telemetry
// is disabled.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer("")
	}

	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	if t == nil {
		return nil
	}

	return t.meter
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if !t.enabled() {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t.enabled() {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t.enabled() {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordDownload records the end of one download manager run.
func (t *Telemetry) RecordDownload(status string, duration time.Duration) {
	if !t.enabled() {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.downloadsTotal.Add(context.Background(), 1, attrs)
	t.downloadDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementActiveDownloads increments running download managers.
func (t *Telemetry) IncrementActiveDownloads() {
	if t.enabled() {
		t.downloadsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveDownloads decrements running download managers.
func (t *Telemetry) DecrementActiveDownloads() {
	if t.enabled() {
		t.downloadsActive.Add(context.Background(), -1)
	}
}

// RecordPiece records the outcome of one piece download.
func (t *Telemetry) RecordPiece(status string, duration time.Duration) {
	if !t.enabled() {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.piecesTotal.Add(context.Background(), 1, attrs)
	t.pieceDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordBytes adds n to the downloaded bytes counter.
func (t *Telemetry) RecordBytes(n int64) {
	if t.enabled() && n > 0 {
		t.bytesDownloaded.Add(context.Background(), n)
	}
}

// RecordNegotiation records a negotiation attempt with one seller.
func (t *Telemetry) RecordNegotiation(status string) {
	if t.enabled() {
		t.negotiationsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// RecordBlacklist counts a seller being excluded from selection.
func (t *Telemetry) RecordBlacklist(reason string) {
	if t.enabled() {
		t.sellersBlacklisted.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason)),
		)
	}
}

// RecordEvent counts a published event by type.
func (t *Telemetry) RecordEvent(eventType string) {
	if t.enabled() {
		t.eventsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("type", eventType)),
		)
	}
}

// RecordClientOperation records messenger call metrics.
func (t *Telemetry) RecordClientOperation(client, operation, status string) {
	if !t.enabled() {
		return
	}

	t.messengerOperations.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("client", client),
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)

	if status == "error" {
		t.messengerErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("client", client),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if !t.enabled() {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t.enabled() {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

type counterDef struct {
	dst         *metric.Int64Counter
	name, descr string
}

type histogramDef struct {
	dst         *metric.Float64Histogram
	name, descr string
}

type upDownDef struct {
	dst         *metric.Int64UpDownCounter
	name, descr string
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	counters := []counterDef{
		{&t.httpRequestsTotal, "http_requests_total", "Total number of HTTP requests"},
		{&t.downloadsTotal, "downloads_total", "Total number of finished download manager runs"},
		{&t.piecesTotal, "pieces_total", "Total number of piece downloads"},
		{&t.bytesDownloaded, "downloaded_bytes_total", "Total number of piece bytes received"},
		{&t.negotiationsTotal, "negotiations_total", "Total number of seller negotiations"},
		{&t.sellersBlacklisted, "sellers_blacklisted_total", "Total number of sellers blacklisted"},
		{&t.eventsTotal, "events_total", "Total number of published events"},
		{&t.messengerOperations, "messenger_operations_total", "Total number of messenger calls"},
		{&t.messengerErrors, "messenger_errors_total", "Total number of failed messenger calls"},
		{&t.dbOperationsTotal, "db_operations_total", "Total number of database operations"},
		{&t.systemErrors, "system_errors_total", "Total number of system errors"},
	}

	for _, c := range counters {
		counter, err := t.meter.Int64Counter(c.name, metric.WithDescription(c.descr), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}

		*c.dst = counter
	}

	histograms := []histogramDef{
		{&t.httpRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds"},
		{&t.downloadDuration, "download_duration_seconds", "Download manager run duration in seconds"},
		{&t.pieceDuration, "piece_duration_seconds", "Piece download duration in seconds"},
		{&t.dbOperationDuration, "db_operation_duration_seconds", "Database operation duration in seconds"},
	}

	for _, h := range histograms {
		histogram, err := t.meter.Float64Histogram(h.name, metric.WithDescription(h.descr), metric.WithUnit("s"))
		if err != nil {
			return fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}

		*h.dst = histogram
	}

	upDowns := []upDownDef{
		{&t.httpRequestsInFlight, "http_requests_in_flight", "Number of HTTP requests currently being processed"},
		{&t.downloadsActive, "downloads_active", "Number of running download managers"},
		{&t.piecesActive, "pieces_active", "Number of piece downloads in progress"},
	}

	for _, u := range upDowns {
		counter, err := t.meter.Int64UpDownCounter(u.name, metric.WithDescription(u.descr), metric.WithUnit("1"))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", u.name, err)
		}

		*u.dst = counter
	}

	var err error

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}

func (t *Telemetry) collectUptime(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.systemUptime.Record(context.Background(), time.Since(startTime).Seconds())
		}
	}
}
