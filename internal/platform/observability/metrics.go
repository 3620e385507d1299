package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	domain "github.com/crystal-atelier/api/internal/domain"
)

const meterName = "github.com/crystal-atelier/api/internal/platform/observability"

// OrderMetrics records order lifecycle counters through the OpenTelemetry metric API.
type OrderMetrics struct {
	placed        metric.Int64Counter
	revenue       metric.Float64Counter
	failed        metric.Int64Counter
	transitions   metric.Int64Counter
	notifications metric.Int64Counter
}

// NewOrderMetrics registers the instruments on meter, or on the global provider when meter is
// nil. Instruments that fail to register are logged and skipped.
func NewOrderMetrics(meter metric.Meter, logger *zap.Logger) *OrderMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("observability: unable to register metric", zap.String("metric", name), zap.Error(err))
		}
	}

	m := &OrderMetrics{}
	var err error
	m.placed, err = meter.Int64Counter("orders.placed", metric.WithDescription("Orders committed"))
	warn("orders.placed", err)
	m.revenue, err = meter.Float64Counter("orders.revenue", metric.WithDescription("Committed order totals"))
	warn("orders.revenue", err)
	m.failed, err = meter.Int64Counter("orders.failed", metric.WithDescription("Rejected or rolled back checkouts by reason"))
	warn("orders.failed", err)
	m.transitions, err = meter.Int64Counter("orders.status_transitions", metric.WithDescription("Committed status transitions"))
	warn("orders.status_transitions", err)
	m.notifications, err = meter.Int64Counter("orders.notifications", metric.WithDescription("Notification dispatch attempts by outcome"))
	warn("orders.notifications", err)
	return m
}

func (m *OrderMetrics) OrderPlaced(ctx context.Context, order domain.Order) {
	if m == nil {
		return
	}
	if m.placed != nil {
		m.placed.Add(ctx, 1, metric.WithAttributes(attribute.String("payment_method", string(order.PaymentMethod))))
	}
	if m.revenue != nil {
		amount, _ := order.Total.Float64()
		m.revenue.Add(ctx, amount, metric.WithAttributes(attribute.String("currency", order.Currency)))
	}
}

func (m *OrderMetrics) OrderFailed(ctx context.Context, reason string) {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *OrderMetrics) StatusTransitioned(ctx context.Context, from, to domain.OrderStatus) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *OrderMetrics) NotificationDispatched(ctx context.Context, kind domain.NotificationKind, err error) {
	if m == nil || m.notifications == nil {
		return
	}
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}
