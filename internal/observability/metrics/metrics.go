package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics holds the OTLP counters for gateway business events.
type Metrics struct {
	receiptsSigned  metric.Int64Counter
	regulatorCalls  metric.Int64Counter
	enrollments     metric.Int64Counter
	evidenceExports metric.Int64Counter
	offlineSessions metric.Int64Counter
}

// NewProvider installs the global meter provider. A no-op provider is used
// when OTLP export is off; the Prometheus registry serves /metrics either way.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := metricExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)
	if lc != nil {
		lc.Append(fx.Hook{OnStop: provider.Shutdown})
	}
	log.Info("metrics.otlp_enabled",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
		zap.Duration("interval", exportInterval),
	)
	return provider, nil
}

const exportInterval = 15 * time.Second

// New creates the business counters on the service meter.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	meterName := strings.TrimSpace(cfg.ServiceName)
	if meterName == "" {
		meterName = "srmgate"
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.receiptsSigned, "srmgate_receipts_signed_total", "Receipts signed and chained."},
		{&m.regulatorCalls, "srmgate_regulator_calls_total", "Regulator web service calls by outcome class."},
		{&m.enrollments, "srmgate_enrollment_transitions_total", "Device enrollment state transitions."},
		{&m.evidenceExports, "srmgate_evidence_exports_total", "Evidence bundles produced."},
		{&m.offlineSessions, "srmgate_offline_sessions_total", "Offline sessions opened."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("metrics: counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

// RecordReceiptSigned increments signed receipt counts.
func (m *Metrics) RecordReceiptSigned(ctx context.Context, environment, transactionType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("environment", strings.TrimSpace(environment)),
		attribute.String("transaction_type", strings.TrimSpace(transactionType)),
	)
	m.receiptsSigned.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRegulatorCall increments regulator call counts by outcome class.
func (m *Metrics) RecordRegulatorCall(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.regulatorCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEnrollmentTransition increments enrollment state transition counts.
func (m *Metrics) RecordEnrollmentTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.enrollments.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEvidenceExport increments evidence bundle counts.
func (m *Metrics) RecordEvidenceExport(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.evidenceExports.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOfflineSession increments offline session counts by source.
func (m *Metrics) RecordOfflineSession(ctx context.Context, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.offlineSessions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func metricExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch strings.ToLower(protocol) {
	case "", "grpc", "grpc/protobuf":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case "http", "http/protobuf":
		var opts []otlpmetrichttp.Option
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(ctx, opts...)
	}
	return nil, fmt.Errorf("metrics: unsupported OTLP protocol %q", protocol)
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"environment":      {},
	"transaction_type": {},
	"operation":        {},
	"outcome":          {},
	"from":             {},
	"to":               {},
	"source":           {},
	"endpoint":         {},
	"status_code":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
