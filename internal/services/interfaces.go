package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/crystal-atelier/api/internal/domain"
	"github.com/crystal-atelier/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Product            = domain.Product
	Customer           = domain.Customer
	CustomerRef        = domain.CustomerRef
	ContactInfo        = domain.ContactInfo
	ExternalIdentity   = domain.ExternalIdentity
	LastOrderDetails   = domain.LastOrderDetails
	CardInfo           = domain.CardInfo
	PaymentInfo        = domain.PaymentInfo
	PaymentMethod      = domain.PaymentMethod
	Order              = domain.Order
	OrderLineItem      = domain.OrderLineItem
	OrderStatus        = domain.OrderStatus
	TimelineEntry      = domain.TimelineEntry
	Notification       = domain.Notification
	NotificationKind   = domain.NotificationKind
	SystemHealthReport = domain.SystemHealthReport
	OrderListFilter    = repositories.OrderListFilter
)

// OrderService coordinates checkout, lookups and the order status lifecycle.
type OrderService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
}

// InventoryLedger moves stock for a single product. Calls join the unit of work carried by ctx.
type InventoryLedger interface {
	ReserveAndDebit(ctx context.Context, productID string, quantity int, orderID string) (DebitResult, error)
	Credit(ctx context.Context, productID string, quantity int, orderID string) error
}

// CustomerResolver maps checkout contact details onto registered or guest customers.
type CustomerResolver interface {
	Resolve(ctx context.Context, contact ContactInfo, identity *ExternalIdentity) (CustomerRef, error)
	LinkOrder(ctx context.Context, ref CustomerRef, details LastOrderDetails) error
	SyncAccount(ctx context.Context, identity ExternalIdentity) (Customer, error)
	GetCustomer(ctx context.Context, ref CustomerRef) (Customer, error)
}

// NotificationDispatcher renders and delivers order notifications.
type NotificationDispatcher interface {
	Send(ctx context.Context, kind NotificationKind, order Order) error
}

// NotificationRenderer turns an order into a deliverable message for the given kind.
type NotificationRenderer interface {
	Render(ctx context.Context, kind NotificationKind, order Order) (Notification, error)
}

// NotificationChannel delivers rendered notifications.
type NotificationChannel interface {
	Deliver(ctx context.Context, notification Notification) error
}

// SystemService exposes health information for the platform endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderMetrics records order lifecycle counters. Implementations must be safe for concurrent use.
type OrderMetrics interface {
	OrderPlaced(ctx context.Context, order Order)
	OrderFailed(ctx context.Context, reason string)
	StatusTransitioned(ctx context.Context, from, to OrderStatus)
	NotificationDispatched(ctx context.Context, kind NotificationKind, err error)
}

// DebitResult reports the product snapshot captured by a successful debit.
type DebitResult struct {
	ProductID      string
	Quantity       int
	Name           domain.LocalizedText
	UnitPrice      decimal.Decimal
	ImageURL       string
	RemainingStock int
}

// OrderItemInput is a requested line item.
type OrderItemInput struct {
	ProductID string
	Quantity  int
}

// PlaceOrderCommand carries checkout input. Identity is set for signed-in customers; Customer
// may carry a reference resolved by the caller.
type PlaceOrderCommand struct {
	Items         []OrderItemInput
	Contact       ContactInfo
	PaymentMethod PaymentMethod
	Card          *CardInfo
	Total         decimal.Decimal
	Locale        string
	Identity      *ExternalIdentity
	Customer      *CustomerRef
	ActorID       string
}

// OrderStatusTransitionCommand moves an order to a new lifecycle state.
type OrderStatusTransitionCommand struct {
	OrderID        string
	TargetStatus   string
	Note           string
	ActorID        string
	ExpectedStatus *OrderStatus
}

type noopOrderMetrics struct{}

func (noopOrderMetrics) OrderPlaced(context.Context, Order)                              {}
func (noopOrderMetrics) OrderFailed(context.Context, string)                             {}
func (noopOrderMetrics) StatusTransitioned(context.Context, OrderStatus, OrderStatus)    {}
func (noopOrderMetrics) NotificationDispatched(context.Context, NotificationKind, error) {}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func noopLogger(context.Context, string, map[string]any) {}

func utcClock(clock func() time.Time) func() time.Time {
	if clock == nil {
		clock = time.Now
	}
	return func() time.Time {
		return clock().UTC()
	}
}
