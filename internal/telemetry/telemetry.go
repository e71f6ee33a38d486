// Package telemetry is the metrics facade for the capture engine: OTel
// instruments behind nil-safe record methods, exported through the Prometheus
// handler on the REST server.
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
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// Telemetry holds all instruments and providers. The zero value (telemetry
// disabled) is safe to call; every record method checks its instrument.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	exchangesTotal   metric.Int64Counter
	capturesTotal    metric.Int64Counter
	rejectionsTotal  metric.Int64Counter
	downloadsTotal   metric.Int64Counter
	downloadDuration metric.Float64Histogram
	downloadedBytes  metric.Int64Counter
	transcodesTotal  metric.Int64Counter

	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram
}

// New creates a telemetry instance with a Prometheus exporter and Go runtime
// instrumentation.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, err
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// RecordExchange counts one classified exchange.
func (t *Telemetry) RecordExchange(category string) {
	if t.exchangesTotal != nil {
		t.exchangesTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("category", category)))
	}
}

// RecordCapture counts one persisted artifact.
func (t *Telemetry) RecordCapture(kind string) {
	if t.capturesTotal != nil {
		t.capturesTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordRejection counts one rejected candidate by reason code.
func (t *Telemetry) RecordRejection(reason string) {
	if t.rejectionsTotal != nil {
		t.rejectionsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordDownload records a terminated download task.
func (t *Telemetry) RecordDownload(status string, bytes int64, duration time.Duration) {
	if t.downloadsTotal != nil {
		t.downloadsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)))
	}

	if t.downloadDuration != nil {
		t.downloadDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(attribute.String("status", status)))
	}

	if t.downloadedBytes != nil && bytes > 0 {
		t.downloadedBytes.Add(context.Background(), bytes)
	}
}

// RegisterActiveDownloads exposes the in-flight download count as an
// observable gauge. count is called on every metrics collection.
func (t *Telemetry) RegisterActiveDownloads(count func() int64) error {
	if t.meter == nil {
		return nil
	}

	gauge, err := t.meter.Int64ObservableGauge(
		"downloads_active",
		metric.WithDescription("Number of downloads currently in flight"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_active gauge: %w", err)
	}

	_, err = t.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, count())

		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("failed to register downloads_active callback: %w", err)
	}

	return nil
}

// RecordTranscode counts a terminated transcoder invocation.
func (t *Telemetry) RecordTranscode(kind, status string) {
	if t.transcodesTotal != nil {
		t.transcodesTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("kind", kind),
				attribute.String("status", status),
			))
	}
}

// RecordHTTPRequest records REST-surface request metrics.
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

func (t *Telemetry) initializeMetrics() error {
	var err error

	t.exchangesTotal, err = t.meter.Int64Counter(
		"capture_exchanges_total",
		metric.WithDescription("Total classified HTTP exchanges by category"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create capture_exchanges_total counter: %w", err)
	}

	t.capturesTotal, err = t.meter.Int64Counter(
		"capture_artifacts_total",
		metric.WithDescription("Total persisted media artifacts by kind"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create capture_artifacts_total counter: %w", err)
	}

	t.rejectionsTotal, err = t.meter.Int64Counter(
		"capture_rejections_total",
		metric.WithDescription("Total rejected candidates by reason"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create capture_rejections_total counter: %w", err)
	}

	t.downloadsTotal, err = t.meter.Int64Counter(
		"downloads_total",
		metric.WithDescription("Total terminated download tasks"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_total counter: %w", err)
	}

	t.downloadDuration, err = t.meter.Float64Histogram(
		"download_duration_seconds",
		metric.WithDescription("Download task duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_duration histogram: %w", err)
	}

	t.downloadedBytes, err = t.meter.Int64Counter(
		"downloaded_bytes_total",
		metric.WithDescription("Total bytes written by completed downloads"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloaded_bytes_total counter: %w", err)
	}

	t.transcodesTotal, err = t.meter.Int64Counter(
		"transcodes_total",
		metric.WithDescription("Total transcoder invocations by kind and status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transcodes_total counter: %w", err)
	}

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

	return nil
}
