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

// Metrics exposes application-level instruments.
type Metrics struct {
	paymentsCreated    metric.Int64Counter
	paymentTransitions metric.Int64Counter
	webhookEvents      metric.Int64Counter
	webhookDuplicates  metric.Int64Counter
	deliveries         metric.Int64Counter
	metaEvents         metric.Int64Counter
	redirects          metric.Int64Counter
	cloakerDenied      metric.Int64Counter
	telegramUpdates    metric.Int64Counter
	remarketingSent    metric.Int64Counter
	remarketingSkipped metric.Int64Counter
	subscriptionSweeps metric.Int64Counter
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
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "vendazap"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	for _, inst := range []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"vendazap_payments_created_total", &m.paymentsCreated},
		{"vendazap_payment_transitions_total", &m.paymentTransitions},
		{"vendazap_webhook_events_total", &m.webhookEvents},
		{"vendazap_webhook_duplicates_total", &m.webhookDuplicates},
		{"vendazap_deliveries_total", &m.deliveries},
		{"vendazap_meta_events_total", &m.metaEvents},
		{"vendazap_redirects_total", &m.redirects},
		{"vendazap_cloaker_denied_total", &m.cloakerDenied},
		{"vendazap_telegram_updates_total", &m.telegramUpdates},
		{"vendazap_remarketing_sent_total", &m.remarketingSent},
		{"vendazap_remarketing_skipped_total", &m.remarketingSkipped},
		{"vendazap_subscription_sweeps_total", &m.subscriptionSweeps},
	} {
		counter, err := meter.Int64Counter(inst.name)
		if err != nil {
			return nil, err
		}
		*inst.dst = counter
	}

	return m, nil
}

// RecordPaymentCreated increments PIX creation counts.
func (m *Metrics) RecordPaymentCreated(ctx context.Context, gatewayType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("gateway_type", strings.TrimSpace(gatewayType)))
	m.paymentsCreated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentTransition increments status transition counts.
func (m *Metrics) RecordPaymentTransition(ctx context.Context, gatewayType, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("gateway_type", strings.TrimSpace(gatewayType)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.paymentTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookEvent increments gateway callback counts.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, gatewayType, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("gateway_type", strings.TrimSpace(gatewayType)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookDuplicate increments duplicate callback counts.
func (m *Metrics) RecordWebhookDuplicate(ctx context.Context, gatewayType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("gateway_type", strings.TrimSpace(gatewayType)))
	m.webhookDuplicates.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDelivery increments delivery attempt counts.
func (m *Metrics) RecordDelivery(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordMetaEvent increments conversion event counts.
func (m *Metrics) RecordMetaEvent(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.metaEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRedirect increments redirect hit counts.
func (m *Metrics) RecordRedirect(ctx context.Context, slug string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("slug", strings.TrimSpace(slug)))
	m.redirects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCloakerDenied increments cloaker denial counts.
func (m *Metrics) RecordCloakerDenied(ctx context.Context, slug, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("slug", strings.TrimSpace(slug)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.cloakerDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTelegramUpdate increments inbound update counts.
func (m *Metrics) RecordTelegramUpdate(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.telegramUpdates.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRemarketingSent increments sent broadcast counts.
func (m *Metrics) RecordRemarketingSent(ctx context.Context, triggerType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("trigger_type", strings.TrimSpace(triggerType)))
	m.remarketingSent.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRemarketingSkipped increments skipped broadcast counts.
func (m *Metrics) RecordRemarketingSkipped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.remarketingSkipped.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSubscriptionSweep increments sweep outcome counts.
func (m *Metrics) RecordSubscriptionSweep(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.subscriptionSweeps.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
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

var allowedLabelKeys = map[attribute.Key]struct{}{
	"gateway_type": {},
	"status":       {},
	"outcome":      {},
	"event_type":   {},
	"slug":         {},
	"reason":       {},
	"kind":         {},
	"trigger_type": {},
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
