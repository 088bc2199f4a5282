package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"

	"fleet-compiler/internal/common/logger"
)

// Observability owns the otel meter provider. Instruments are exported
// through the default prometheus registry, next to the promauto metrics.
type Observability struct {
	meterProvider   *metric.MeterProvider
	meter           otelmetric.Meter
	compileCounter  otelmetric.Int64Counter
	compileDuration otelmetric.Float64Histogram
	execDuration    otelmetric.Float64Histogram
}

func New(serviceName string, log logger.Logger) *Observability {
	exporter, err := prometheus.New()
	if err != nil {
		log.Warn("failed to create prometheus exporter", map[string]interface{}{"error": err.Error()})
		return &Observability{}
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	compileCounter, _ := meter.Int64Counter(
		"compile.requests",
		otelmetric.WithDescription("Number of interpretations compiled"),
	)

	compileDuration, _ := meter.Float64Histogram(
		"compile.duration",
		otelmetric.WithDescription("End-to-end compile duration"),
		otelmetric.WithUnit("ms"),
	)

	execDuration, _ := meter.Float64Histogram(
		"fleet_api.execution.duration",
		otelmetric.WithDescription("Fleet API execution call duration"),
		otelmetric.WithUnit("ms"),
	)

	return &Observability{
		meterProvider:   provider,
		meter:           meter,
		compileCounter:  compileCounter,
		compileDuration: compileDuration,
		execDuration:    execDuration,
	}
}

// RecordCompile is safe on a nil or exporter-less Observability.
func (o *Observability) RecordCompile(ctx context.Context, intent, outcome string, duration time.Duration) {
	if o == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("intent", intent),
		attribute.String("outcome", outcome),
	)
	if o.compileCounter != nil {
		o.compileCounter.Add(ctx, 1, attrs)
	}
	if o.compileDuration != nil {
		o.compileDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}

func (o *Observability) RecordExecution(ctx context.Context, status string, duration time.Duration) {
	if o == nil || o.execDuration == nil {
		return
	}
	o.execDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
		attribute.String("status", status),
	))
}

func (o *Observability) Shutdown() {
	if o != nil && o.meterProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.meterProvider.Shutdown(ctx)
	}
}
