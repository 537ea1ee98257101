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

// Metrics exposes application-level instruments pushed over OTLP.
type Metrics struct {
	invoicesGenerated  metric.Int64Counter
	generationFailures metric.Int64Counter
	notifications      metric.Int64Counter
	previewRequests    metric.Int64Counter
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
				if log != nil {
					log.Info("shutting down meter provider")
				}
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
	meter := provider.Meter(serviceName(cfg.ServiceName))

	invoicesGenerated, err := meter.Int64Counter("recurbill_invoices_generated_total",
		metric.WithDescription("Invoices materialized from recurring templates."))
	if err != nil {
		return nil, err
	}
	generationFailures, err := meter.Int64Counter("recurbill_generation_failures_total",
		metric.WithDescription("Template generation failures by stage."))
	if err != nil {
		return nil, err
	}
	notifications, err := meter.Int64Counter("recurbill_notifications_total",
		metric.WithDescription("Invoice notifications by outcome."))
	if err != nil {
		return nil, err
	}
	previewRequests, err := meter.Int64Counter("recurbill_preview_requests_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		invoicesGenerated:  invoicesGenerated,
		generationFailures: generationFailures,
		notifications:      notifications,
		previewRequests:    previewRequests,
	}, nil
}

// RecordInvoiceGenerated counts one materialized invoice.
func (m *Metrics) RecordInvoiceGenerated(ctx context.Context, frequency, trigger string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("frequency", strings.TrimSpace(frequency)),
		attribute.String("trigger", strings.TrimSpace(trigger)),
	)
	m.invoicesGenerated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordGenerationFailure(ctx context.Context, stage, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("stage", strings.TrimSpace(stage)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.generationFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordNotification(ctx context.Context, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("status", strings.TrimSpace(status)))
	m.notifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPreview(ctx context.Context, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.previewRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
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

func serviceName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return "recurbill"
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"frequency": {},
	"trigger":   {},
	"stage":     {},
	"reason":    {},
	"status":    {},
	"source":    {},
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
