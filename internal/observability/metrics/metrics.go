package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
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
	webhookEvents    metric.Int64Counter
	checkoutSessions metric.Int64Counter
	restorations     metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
	transitions      metric.Int64Counter
	processorCalls   metric.Float64Histogram
}

// New registers the domain instruments on the service meter.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "coursepay"
	}
	b := instrumentBuilder{meter: provider.Meter(name)}

	m := &Metrics{
		webhookEvents: b.counter("coursepay_webhook_events_total",
			"Processor notifications by event type and outcome."),
		checkoutSessions: b.counter("coursepay_checkout_sessions_total",
			"Hosted checkout sessions opened by mode and price source."),
		restorations: b.counter("coursepay_restorations_total",
			"Entitlements restored from the processor subscription list."),
		rateLimitDenied: b.counter("coursepay_rate_limit_denied_total",
			"Requests refused by the per-subject limiter."),
		transitions: b.counter("coursepay_entitlement_transitions_total",
			"Entitlement writes by target status and whether they applied."),
	}
	m.processorCalls, b.err = orErr(b.err, func() (metric.Float64Histogram, error) {
		return b.meter.Float64Histogram("coursepay_processor_call_duration_seconds",
			metric.WithDescription("Payment processor API latency by operation and result."),
			metric.WithUnit("s"))
	})
	if b.err != nil {
		return nil, fmt.Errorf("register instruments: %w", b.err)
	}
	return m, nil
}

// instrumentBuilder keeps the first registration error.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, description string) metric.Int64Counter {
	var c metric.Int64Counter
	c, b.err = orErr(b.err, func() (metric.Int64Counter, error) {
		return b.meter.Int64Counter(name, metric.WithDescription(description))
	})
	return c
}

func orErr[T any](prev error, build func() (T, error)) (T, error) {
	var zero T
	if prev != nil {
		return zero, prev
	}
	return build()
}

// RecordWebhookEvent counts one processed notification.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordCheckoutSession(ctx context.Context, mode, priceSource string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("mode", strings.TrimSpace(mode)),
		attribute.String("price_source", strings.TrimSpace(priceSource)),
	)
	m.checkoutSessions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRestoration(ctx context.Context, restored int) {
	if m == nil || restored <= 0 {
		return
	}
	m.restorations.Add(ctx, int64(restored))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEntitlementTransition counts one entitlement write. Stale writes
// report applied=false.
func (m *Metrics) RecordEntitlementTransition(ctx context.Context, status string, applied bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("status", strings.TrimSpace(status)),
		attribute.Bool("applied", applied),
	)
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordProcessorCall(ctx context.Context, operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("result", result),
	)
	m.processorCalls.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":     {},
	"status_code":  {},
	"event_type":   {},
	"outcome":      {},
	"mode":         {},
	"price_source": {},
	"status":       {},
	"applied":      {},
	"operation":    {},
	"result":       {},
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
