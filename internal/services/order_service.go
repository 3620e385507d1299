package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/crystal-atelier/api/internal/domain"
	"github.com/crystal-atelier/api/internal/platform/pagination"
	"github.com/crystal-atelier/api/internal/repositories"
)

const (
	orderEventPlaced             = "order.placed"
	orderEventStatusChanged      = "order.status.changed"
	orderEventNotificationFailed = "order.notification.failed"

	orderIDPrefix       = "ord_"
	defaultOrderPrefix  = "CR"
	defaultCurrency     = "EGP"
	orderNumberCounter  = "orders"
	maxItemsPerOrder    = 50
	maxQuantityPerItem  = 1000
	failureReasonOthers = "internal"
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders       repositories.OrderRepository
	Counters     repositories.CounterRepository
	Inventory    InventoryLedger
	Customers    CustomerResolver
	UnitOfWork   repositories.UnitOfWork
	Dispatcher   NotificationDispatcher
	Metrics      OrderMetrics
	Currency     string
	NumberPrefix string
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders       repositories.OrderRepository
	counters     repositories.CounterRepository
	inventory    InventoryLedger
	customers    CustomerResolver
	unitOfWork   repositories.UnitOfWork
	dispatcher   NotificationDispatcher
	metrics      OrderMetrics
	currency     string
	numberPrefix string
	locks        *keyedMutex
	clock        func() time.Time
	newID        func() string
	logger       func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory ledger is required")
	}
	if deps.Customers == nil {
		return nil, errors.New("order service: customer resolver is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopOrderMetrics{}
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	prefix := strings.TrimSpace(deps.NumberPrefix)
	if prefix == "" {
		prefix = defaultOrderPrefix
	}

	return &orderService{
		orders:       deps.Orders,
		counters:     deps.Counters,
		inventory:    deps.Inventory,
		customers:    deps.Customers,
		unitOfWork:   unit,
		dispatcher:   deps.Dispatcher,
		metrics:      metrics,
		currency:     currency,
		numberPrefix: prefix,
		locks:        newKeyedMutex(),
		clock:        utcClock(deps.Clock),
		newID:        idGen,
		logger:       logger,
	}, nil
}

// PlaceOrder validates the checkout, then debits stock, stores the order and links it to the
// customer in one unit of work. Notifications are sent after commit and never fail the call.
func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error) {
	payment, err := validatePlaceOrder(cmd)
	if err != nil {
		s.metrics.OrderFailed(ctx, failureReason(err))
		return Order{}, err
	}

	now := s.now()
	orderNumber, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, s.creationFailed(ctx, err)
	}

	order := Order{
		ID:            s.nextOrderID(),
		OrderNumber:   orderNumber,
		Status:        domain.OrderStatusPending,
		Currency:      s.currency,
		Contact:       normaliseContact(cmd.Contact),
		PaymentMethod: PaymentMethod(strings.TrimSpace(string(cmd.PaymentMethod))),
		Payment:       payment,
		Locale:        strings.TrimSpace(cmd.Locale),
		Timeline: []TimelineEntry{{
			Status: domain.OrderStatusPending,
			At:     now,
			Note:   defaultStatusNotes[domain.OrderStatusPending],
		}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		ref, err := s.resolveCustomer(txCtx, cmd, order.Contact)
		if err != nil {
			return err
		}
		order.Customer = ref

		items := make([]OrderLineItem, 0, len(cmd.Items))
		total := decimal.Zero
		for _, item := range cmd.Items {
			debit, err := s.inventory.ReserveAndDebit(txCtx, strings.TrimSpace(item.ProductID), item.Quantity, order.ID)
			if err != nil {
				return err
			}
			line := OrderLineItem{
				ProductID: debit.ProductID,
				Name:      debit.Name,
				UnitPrice: debit.UnitPrice,
				Quantity:  debit.Quantity,
				ImageURL:  debit.ImageURL,
			}
			items = append(items, line)
			total = total.Add(line.Subtotal())
		}
		if !cmd.Total.IsZero() && !cmd.Total.Equal(total) {
			return invalidField("total", fmt.Sprintf("does not match order total %s", total.StringFixed(2)))
		}
		order.Items = items
		order.Total = total

		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}

		return s.customers.LinkOrder(txCtx, ref, LastOrderDetails{
			OrderID:       order.ID,
			Contact:       order.Contact,
			PaymentMethod: order.PaymentMethod,
			At:            now,
		})
	})
	if err != nil {
		return Order{}, s.creationFailed(ctx, err)
	}

	s.metrics.OrderPlaced(ctx, order)
	s.logger(ctx, orderEventPlaced, map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"customer":    order.Customer.String(),
		"items":       len(order.Items),
		"total":       order.Total.String(),
		"actor":       strings.TrimSpace(cmd.ActorID),
	})

	s.dispatch(ctx, domain.NotificationOrderConfirmation, order)
	s.dispatch(ctx, domain.NotificationAdminNewOrder, order)

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, invalidField("orderId", "is required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	filter.Email = NormaliseEmail(filter.Email)
	// Repeats are dropped so the store's "in" filter never sees more values than known statuses.
	statuses := make([]OrderStatus, 0, len(filter.Status))
	seen := make(map[OrderStatus]struct{}, len(filter.Status))
	for _, status := range filter.Status {
		if !isKnownStatus(status) {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
		}
		if _, dup := seen[status]; dup {
			continue
		}
		seen[status] = struct{}{}
		statuses = append(statuses, status)
	}
	filter.Status = statuses

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[Order]{}, &ValidationError{Field: "pageToken", Message: "is invalid"}
		}
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) resolveCustomer(ctx context.Context, cmd PlaceOrderCommand, contact ContactInfo) (CustomerRef, error) {
	if cmd.Customer != nil && !cmd.Customer.IsZero() {
		if !cmd.Customer.Type.Valid() || strings.TrimSpace(cmd.Customer.ID) == "" {
			return CustomerRef{}, invalidField("customer", "reference is invalid")
		}
		return *cmd.Customer, nil
	}
	return s.customers.Resolve(ctx, contact, cmd.Identity)
}

func (s *orderService) creationFailed(ctx context.Context, err error) error {
	s.metrics.OrderFailed(ctx, failureReason(err))
	if isOrderDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrOrderCreationFailed, err)
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d-%06d", s.numberPrefix, now.Year(), seq), nil
}

func (s *orderService) dispatch(ctx context.Context, kind NotificationKind, order Order) {
	if s.dispatcher == nil {
		return
	}
	err := s.dispatcher.Send(ctx, kind, order)
	s.metrics.NotificationDispatched(ctx, kind, err)
	if err != nil {
		s.logger(ctx, orderEventNotificationFailed, map[string]any{
			"kind":   string(kind),
			"order":  order.ID,
			"status": string(order.Status),
			"error":  err.Error(),
		})
	}
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

// validatePlaceOrder checks checkout input in a fixed field order and returns the card snapshot
// for card payments.
func validatePlaceOrder(cmd PlaceOrderCommand) (*PaymentInfo, error) {
	if len(cmd.Items) == 0 {
		return nil, invalidField("items", "must contain at least one item")
	}
	if len(cmd.Items) > maxItemsPerOrder {
		return nil, invalidField("items", fmt.Sprintf("must not exceed %d entries", maxItemsPerOrder))
	}
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return nil, invalidField(fmt.Sprintf("items[%d].productId", i), "is required")
		}
		if item.Quantity <= 0 || item.Quantity > maxQuantityPerItem {
			return nil, invalidField(fmt.Sprintf("items[%d].quantity", i), fmt.Sprintf("must be between 1 and %d", maxQuantityPerItem))
		}
	}

	contact := cmd.Contact
	required := []struct {
		field string
		value string
	}{
		{"fullName", contact.FullName},
		{"phone", contact.Phone},
		{"address", contact.Address},
		{"city", contact.City},
		{"email", contact.Email},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return nil, invalidField(r.field, "is required")
		}
	}
	// Display names and angle brackets would leak into the guest key and the lookup index.
	email := strings.TrimSpace(contact.Email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, invalidField("email", "is not a valid address")
	}

	method := PaymentMethod(strings.TrimSpace(string(cmd.PaymentMethod)))
	if !method.Valid() {
		return nil, invalidField("paymentMethod", "must be cash or card")
	}
	if cmd.Total.IsNegative() {
		return nil, invalidField("total", "must not be negative")
	}
	if method != domain.PaymentMethodCard {
		return nil, nil
	}
	return maskCard(cmd.Card)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, ErrCustomerNotFound):
		return "customer_not_found"
	default:
		return failureReasonOthers
	}
}
