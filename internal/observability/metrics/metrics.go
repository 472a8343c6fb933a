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

// Metrics exposes domain-level instruments.
type Metrics struct {
	visitsCompleted    metric.Int64Counter
	unitsDeducted      metric.Int64Counter
	reconciliationGaps metric.Int64Counter
	recordWrites       metric.Int64Counter
	policyDenials      metric.Int64Counter
	rateLimitDecisions metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}
	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "carehub"
	}
	meter := provider.Meter(name)

	visitsCompleted, err := meter.Int64Counter("carehub_visits_completed_total")
	if err != nil {
		return nil, err
	}
	unitsDeducted, err := meter.Int64Counter("carehub_units_deducted_total")
	if err != nil {
		return nil, err
	}
	reconciliationGaps, err := meter.Int64Counter("carehub_reconciliation_gaps_total")
	if err != nil {
		return nil, err
	}
	recordWrites, err := meter.Int64Counter("carehub_record_writes_total")
	if err != nil {
		return nil, err
	}
	policyDenials, err := meter.Int64Counter("carehub_policy_denials_total")
	if err != nil {
		return nil, err
	}
	rateLimitDecisions, err := meter.Int64Counter("carehub_write_rate_limit_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		visitsCompleted:    visitsCompleted,
		unitsDeducted:      unitsDeducted,
		reconciliationGaps: reconciliationGaps,
		recordWrites:       recordWrites,
		policyDenials:      policyDenials,
		rateLimitDecisions: rateLimitDecisions,
	}, nil
}

// NewNoop returns instruments backed by the noop provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

func (m *Metrics) RecordVisitCompleted(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.visitsCompleted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordUnitsDeducted(ctx context.Context, units int64) {
	if m == nil || units <= 0 {
		return
	}
	m.unitsDeducted.Add(ctx, units)
}

// RecordReconciliationGap counts a completed visit whose client could not be
// resolved; reason is "unmatched" or "ambiguous".
func (m *Metrics) RecordReconciliationGap(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.reconciliationGaps.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordWrite(ctx context.Context, category, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("category", strings.TrimSpace(category)),
		attribute.String("operation", strings.TrimSpace(operation)),
	)
	m.recordWrites.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimit counts write rate limit decisions per route.
func (m *Metrics) RecordRateLimit(ctx context.Context, route string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	attrs := FilterAttributes(
		attribute.String("route", strings.TrimSpace(route)),
		attribute.String("outcome", outcome),
	)
	m.rateLimitDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPolicyDenial(ctx context.Context, category, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("category", strings.TrimSpace(category)),
		attribute.String("operation", strings.TrimSpace(operation)),
	)
	m.policyDenials.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Record fields, principal ids and client names never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"category":    {},
	"operation":   {},
	"outcome":     {},
	"reason":      {},
	"status_code": {},
	"route":       {},
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
