// Package observability exposes queue health as Prometheus metrics via
// the OpenTelemetry metric SDK.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"loom/internal/domain/run"
)

// Metrics owns the meter provider and the queue health instruments. One
// instance per process; Record is called by the collector on every tick.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	queueDepth    metric.Int64Gauge
	readyDepth    metric.Int64Gauge
	futureDepth   metric.Int64Gauge
	oldestReady   metric.Float64Gauge
	expiredLeases metric.Int64Gauge
	activeLeases  metric.Int64Gauge
}

// NewMetrics builds the instruments over a Prometheus exporter. The
// registry behind promhttp.Handler is the default one, so the handler
// serves these instruments without extra wiring.
func NewMetrics() (*Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	res := resource.NewSchemaless(attribute.String("service.name", "loom"))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	meter := provider.Meter("loom")

	m := &Metrics{provider: provider}

	if m.queueDepth, err = meter.Int64Gauge("loom.queue.depth",
		metric.WithDescription("Runs per status")); err != nil {
		return nil, err
	}
	if m.readyDepth, err = meter.Int64Gauge("loom.queue.ready",
		metric.WithDescription("Queued runs eligible to claim now")); err != nil {
		return nil, err
	}
	if m.futureDepth, err = meter.Int64Gauge("loom.queue.future",
		metric.WithDescription("Queued runs scheduled for later")); err != nil {
		return nil, err
	}
	if m.oldestReady, err = meter.Float64Gauge("loom.queue.oldest_ready_seconds",
		metric.WithDescription("Age of the oldest claimable run"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.expiredLeases, err = meter.Int64Gauge("loom.leases.expired",
		metric.WithDescription("Running runs with expired leases awaiting reclaim")); err != nil {
		return nil, err
	}
	if m.activeLeases, err = meter.Int64Gauge("loom.leases.active",
		metric.WithDescription("Running runs with live leases")); err != nil {
		return nil, err
	}
	return m, nil
}

// Record publishes one stats snapshot.
func (m *Metrics) Record(ctx context.Context, stats *run.QueueStats) {
	for status, count := range stats.DepthByStatus {
		m.queueDepth.Record(ctx, count,
			metric.WithAttributes(attribute.String("status", string(status))))
	}
	m.readyDepth.Record(ctx, stats.ReadyDepth)
	m.futureDepth.Record(ctx, stats.FutureDepth)
	m.oldestReady.Record(ctx, stats.OldestReadySeconds)
	m.expiredLeases.Record(ctx, stats.RunningWithExpiredLease)
	m.activeLeases.Record(ctx, stats.RunningWithActiveLease)
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
