package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED metrics for the REST surface
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Bridge metrics
	tasksTotal              metric.Int64Counter
	tasksActive             metric.Int64UpDownCounter
	taskDuration            metric.Float64Histogram
	callbackPhasesTotal     metric.Int64Counter
	protocolViolationsTotal metric.Int64Counter
	progressReportsTotal    metric.Int64Counter
	engineOperationsTotal   metric.Int64Counter
	engineErrors            metric.Int64Counter
	dbOperationsTotal       metric.Int64Counter
	dbOperationDuration     metric.Float64Histogram
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a new telemetry instance. When disabled, every method is a
// no-op so callers never need to branch.
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

	if err := otelruntime.Start(otelruntime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordTask records one finished task execution.
func (t *Telemetry) RecordTask(status string, durationSeconds float64) {
	if t == nil {
		return
	}

	if t.tasksTotal != nil {
		t.tasksTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}

	if t.taskDuration != nil {
		t.taskDuration.Record(context.Background(), durationSeconds,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// IncrementActiveTasks increments the running-task counter.
func (t *Telemetry) IncrementActiveTasks() {
	if t.tasksActive != nil {
		t.tasksActive.Add(context.Background(), 1)
	}
}

// DecrementActiveTasks decrements the running-task counter.
func (t *Telemetry) DecrementActiveTasks() {
	if t.tasksActive != nil {
		t.tasksActive.Add(context.Background(), -1)
	}
}

// RecordCallbackPhase records one forwarded request-callback phase.
func (t *Telemetry) RecordCallbackPhase(phase string) {
	if t != nil && t.callbackPhasesTotal != nil {
		t.callbackPhasesTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("phase", phase)),
		)
	}
}

// RecordProtocolViolation records one dropped out-of-order phase.
func (t *Telemetry) RecordProtocolViolation(event string) {
	if t != nil && t.protocolViolationsTotal != nil {
		t.protocolViolationsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("event", event)),
		)
	}
}

// RecordProgressReport records one progress report crossing the boundary.
func (t *Telemetry) RecordProgressReport() {
	if t != nil && t.progressReportsTotal != nil {
		t.progressReportsTotal.Add(context.Background(), 1)
	}
}

// RecordEngineOperation records engine boundary operation metrics.
func (t *Telemetry) RecordEngineOperation(operation, status string) {
	if t == nil {
		return
	}

	if t.engineOperationsTotal != nil {
		t.engineOperationsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}

	if status == "error" && t.engineErrors != nil {
		t.engineErrors.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("operation", operation)),
		)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}

	if t.dbOperationDuration != nil {
		t.dbOperationDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return t.initializeBridgeMetrics()
}

func (t *Telemetry) initializeBridgeMetrics() error {
	var err error

	t.tasksTotal, err = t.meter.Int64Counter(
		"transfer_tasks_total",
		metric.WithDescription("Total number of transfer tasks executed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer_tasks_total counter: %w", err)
	}

	t.tasksActive, err = t.meter.Int64UpDownCounter(
		"transfer_tasks_active",
		metric.WithDescription("Number of transfer tasks currently running"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer_tasks_active counter: %w", err)
	}

	t.taskDuration, err = t.meter.Float64Histogram(
		"transfer_task_duration_seconds",
		metric.WithDescription("Transfer task duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer_task_duration histogram: %w", err)
	}

	t.callbackPhasesTotal, err = t.meter.Int64Counter(
		"callback_phases_total",
		metric.WithDescription("Request callback phases forwarded to the engine"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create callback_phases_total counter: %w", err)
	}

	t.protocolViolationsTotal, err = t.meter.Int64Counter(
		"protocol_violations_total",
		metric.WithDescription("Callback phases dropped for violating the lifecycle contract"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create protocol_violations_total counter: %w", err)
	}

	t.progressReportsTotal, err = t.meter.Int64Counter(
		"progress_reports_total",
		metric.WithDescription("Progress reports forwarded across the engine boundary"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create progress_reports_total counter: %w", err)
	}

	t.engineOperationsTotal, err = t.meter.Int64Counter(
		"engine_operations_total",
		metric.WithDescription("Engine boundary operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine_operations_total counter: %w", err)
	}

	t.engineErrors, err = t.meter.Int64Counter(
		"engine_errors_total",
		metric.WithDescription("Engine boundary operations that returned a non-zero result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine_errors_total counter: %w", err)
	}

	t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}
