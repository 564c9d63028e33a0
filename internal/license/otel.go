package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope for key metrics.
const MeterName = "keygate/license"

// Metrics holds the key lifecycle instruments. A nil *Metrics is valid and
// records nothing, so tests and tools can skip telemetry setup.
type Metrics struct {
	KeysIssued      metric.Int64Counter
	Activations     metric.Int64Counter
	ScanAttempts    metric.Int64Counter
	ScanDuration    metric.Float64Histogram
	QuotaExhausted  metric.Int64Counter
	UsageCommitted  metric.Int64Counter
	PersistFailures metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.KeysIssued, err = meter.Int64Counter("license_keys_issued_total",
		metric.WithDescription("Keys issued, by entitlement class")); err != nil {
		return nil, fmt.Errorf("failed to create keys issued counter: %w", err)
	}
	if m.Activations, err = meter.Int64Counter("license_activations_total",
		metric.WithDescription("Key activation lookups, by result")); err != nil {
		return nil, fmt.Errorf("failed to create activations counter: %w", err)
	}
	if m.ScanAttempts, err = meter.Int64Counter("license_scan_attempts_total",
		metric.WithDescription("Metered scan attempts, by result")); err != nil {
		return nil, fmt.Errorf("failed to create scan attempts counter: %w", err)
	}
	if m.ScanDuration, err = meter.Float64Histogram("license_scan_duration_seconds",
		metric.WithDescription("Duration of the guarded scan sequence"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create scan duration histogram: %w", err)
	}
	if m.QuotaExhausted, err = meter.Int64Counter("license_quota_exhausted_total",
		metric.WithDescription("Scans rejected because the key had no quota left")); err != nil {
		return nil, fmt.Errorf("failed to create quota exhausted counter: %w", err)
	}
	if m.UsageCommitted, err = meter.Int64Counter("license_usage_committed_total",
		metric.WithDescription("Usage units committed to the key store")); err != nil {
		return nil, fmt.Errorf("failed to create usage committed counter: %w", err)
	}
	if m.PersistFailures, err = meter.Int64Counter("license_persist_failures_total",
		metric.WithDescription("Key store writes rejected by the persister")); err != nil {
		return nil, fmt.Errorf("failed to create persist failures counter: %w", err)
	}
	return m, nil
}

// RecordIssued counts one issued key.
func (m *Metrics) RecordIssued(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.KeysIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("entitlement_class", class)))
}

// RecordActivation counts one activation lookup.
func (m *Metrics) RecordActivation(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.Activations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordScan counts one guarded scan and its duration.
func (m *Metrics) RecordScan(ctx context.Context, result string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.ScanAttempts.Add(ctx, 1, attrs)
	m.ScanDuration.Record(ctx, d.Seconds(), attrs)
	switch result {
	case ErrCodeQuotaExhausted:
		m.QuotaExhausted.Add(ctx, 1)
	case "success":
		m.UsageCommitted.Add(ctx, 1)
	}
}

// RecordPersistFailure counts one rejected store write.
func (m *Metrics) RecordPersistFailure(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.PersistFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}
