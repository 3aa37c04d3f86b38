package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("transaction_id", "T1"),
		attribute.String("device_id", "ABCD-1234"),
		attribute.String("operation", "transaction.submit"),
		attribute.String("outcome", "transient"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "transaction_id" || attr.Key == "device_id" {
			t.Fatalf("expected %s to be dropped", attr.Key)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordReceiptSigned(context.Background(), "ESSAI", "sale")
	m.RecordRegulatorCall(context.Background(), "transaction.submit", "ok")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "srmgate"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.RecordEvidenceExport(context.Background(), "ok")
	m.RecordOfflineSession(context.Background(), "signal")
	m.RecordEnrollmentTransition(context.Background(), "pending", "enrolled")
}
