package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/crystal-atelier/api/internal/domain"
	"github.com/crystal-atelier/api/internal/repositories"
	"github.com/crystal-atelier/api/internal/repositories/memory"
)

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type sentNotification struct {
	kind  NotificationKind
	order Order
}

type recordingDispatcher struct {
	mu     sync.Mutex
	sent   []sentNotification
	failFn func(kind NotificationKind, attempt int) error
}

func (d *recordingDispatcher) Send(_ context.Context, kind NotificationKind, order Order) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentNotification{kind: kind, order: order})
	if d.failFn != nil {
		if err := d.failFn(kind, d.count(kind)); err != nil {
			return &DispatchError{Kind: kind, OrderID: order.ID, Err: err}
		}
	}
	return nil
}

func (d *recordingDispatcher) count(kind NotificationKind) int {
	n := 0
	for _, s := range d.sent {
		if s.kind == kind {
			n++
		}
	}
	return n
}

func (d *recordingDispatcher) Count(kind NotificationKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count(kind)
}

type recordingLogger struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingLogger) Log(_ context.Context, event string, _ map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingLogger) Has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

type failingOrderRepo struct {
	repositories.OrderRepository
	insertErr error
}

func (r failingOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	return r.OrderRepository.Insert(ctx, order)
}

type orderFixture struct {
	store      *memory.Store
	svc        OrderService
	dispatcher *recordingDispatcher
	logger     *recordingLogger
}

type fixtureOption func(*OrderServiceDeps)

func newOrderFixture(t *testing.T, products []domain.Product, opts ...fixtureOption) *orderFixture {
	t.Helper()

	store := memory.NewStore(memory.WithProducts(products...))
	logger := &recordingLogger{}
	clock := func() time.Time { return testNow }

	ledger, err := NewInventoryLedger(InventoryLedgerDeps{
		Products:   store.Products(),
		UnitOfWork: store,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewInventoryLedger: %v", err)
	}
	resolver, err := NewCustomerResolver(CustomerResolverDeps{
		Customers:  store.Customers(),
		UnitOfWork: store,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewCustomerResolver: %v", err)
	}

	var (
		idMu sync.Mutex
		seq  int
	)
	dispatcher := &recordingDispatcher{}
	deps := OrderServiceDeps{
		Orders:     store.Orders(),
		Counters:   store.Counters(),
		Inventory:  ledger,
		Customers:  resolver,
		UnitOfWork: store,
		Dispatcher: dispatcher,
		Currency:   "egp",
		Clock:      clock,
		IDGenerator: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			seq++
			return fmt.Sprintf("%04d", seq)
		},
		Logger: logger.Log,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return &orderFixture{store: store, svc: svc, dispatcher: dispatcher, logger: logger}
}

func (f *orderFixture) product(t *testing.T, id string) domain.Product {
	t.Helper()
	product, err := f.store.Products().FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find product %s: %v", id, err)
	}
	return product
}

func testProduct(id string, stock int, price int64) domain.Product {
	return domain.Product{
		ID:       id,
		Name:     domain.LocalizedText{EN: strings.ToUpper(id[:1]) + id[1:], AR: id},
		Price:    decimal.NewFromInt(price),
		Stock:    stock,
		ImageURL: "gs://crystal-images/" + id + ".jpg",
		Active:   true,
	}
}

func cashOrder(items ...OrderItemInput) PlaceOrderCommand {
	return PlaceOrderCommand{
		Items: items,
		Contact: ContactInfo{
			FullName: "Mona Adel",
			Email:    "mona@example.com",
			Phone:    "+201001234567",
			Address:  "12 Nile St",
			City:     "Cairo",
		},
		PaymentMethod: domain.PaymentMethodCash,
	}
}

func assertSalesInvariant(t *testing.T, product domain.Product) {
	t.Helper()
	if product.Stock < 0 {
		t.Fatalf("product %s has negative stock %d", product.ID, product.Stock)
	}
	sum := 0
	for _, record := range product.SalesHistory {
		sum += record.Quantity
	}
	if sum != product.Sales {
		t.Fatalf("product %s sales %d != history sum %d", product.ID, product.Sales, sum)
	}
}

func TestPlaceOrderCashDebitsEveryItem(t *testing.T) {
	f := newOrderFixture(t, []domain.Product{
		testProduct("rose-quartz", 5, 120),
		testProduct("amethyst", 3, 80),
	})
	ctx := context.Background()

	order, err := f.svc.PlaceOrder(ctx, cashOrder(
		OrderItemInput{ProductID: "rose-quartz", Quantity: 1},
		OrderItemInput{ProductID: "amethyst", Quantity: 3},
	))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if order.ID != "ord_0001" {
		t.Fatalf("unexpected order id %s", order.ID)
	}
	if order.OrderNumber != "CR-2025-000001" {
		t.Fatalf("unexpected order number %s", order.OrderNumber)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", order.Status)
	}
	if order.Currency != "EGP" {
		t.Fatalf("expected currency EGP, got %s", order.Currency)
	}
	if !order.Total.Equal(decimal.NewFromInt(360)) {
		t.Fatalf("expected total 360, got %s", order.Total)
	}
	if order.Payment != nil {
		t.Fatalf("cash order must not carry card info")
	}
	if len(order.Timeline) != 1 || order.Timeline[0].Status != domain.OrderStatusPending || order.Timeline[0].Note != "Order placed" {
		t.Fatalf("unexpected initial timeline: %+v", order.Timeline)
	}
	if order.Customer.Type != domain.CustomerTypeGuest {
		t.Fatalf("expected guest customer, got %s", order.Customer)
	}

	rose := f.product(t, "rose-quartz")
	amethyst := f.product(t, "amethyst")
	if rose.Stock != 4 || rose.Sales != 1 {
		t.Fatalf("rose-quartz stock/sales = %d/%d, want 4/1", rose.Stock, rose.Sales)
	}
	if amethyst.Stock != 0 || amethyst.Sales != 3 {
		t.Fatalf("amethyst stock/sales = %d/%d, want 0/3", amethyst.Stock, amethyst.Sales)
	}
	if len(amethyst.SalesHistory) != 1 || amethyst.SalesHistory[0].OrderID != order.ID {
		t.Fatalf("unexpected amethyst history: %+v", amethyst.SalesHistory)
	}
	assertSalesInvariant(t, rose)
	assertSalesInvariant(t, amethyst)

	stored, err := f.svc.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if stored.Status != domain.OrderStatusPending || len(stored.Items) != 2 {
		t.Fatalf("unexpected stored order: %+v", stored)
	}

	customer, err := f.store.Customers().FindByRef(ctx, order.Customer)
	if err != nil {
		t.Fatalf("find customer: %v", err)
	}
	if !reflect.DeepEqual(customer.OrderIDs, []string{order.ID}) {
		t.Fatalf("expected order linked to customer, got %v", customer.OrderIDs)
	}
	if customer.LastOrder == nil || customer.LastOrder.OrderID != order.ID {
		t.Fatalf("expected last order details recorded, got %+v", customer.LastOrder)
	}

	if f.dispatcher.Count(domain.NotificationOrderConfirmation) != 1 || f.dispatcher.Count(domain.NotificationAdminNewOrder) != 1 {
		t.Fatalf("expected confirmation and admin notifications, got %+v", f.dispatcher.sent)
	}
}

func TestPlaceOrderInsufficientStockChangesNothing(t *testing.T) {
	f := newOrderFixture(t, []domain.Product{testProduct("citrine", 2, 50)})
	ctx := context.Background()
	cmd := cashOrder(OrderItemInput{ProductID: "citrine", Quantity: 5})

	_, err := f.svc.PlaceOrder(ctx, cmd)
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if errors.Is(err, ErrOrderCreationFailed) {
		t.Fatalf("typed error must not be wrapped as creation failure: %v", err)
	}
	var stockErr *StockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected StockError, got %T", err)
	}
	if stockErr.ProductID != "citrine" || stockErr.Requested != 5 || stockErr.Available != 2 {
		t.Fatalf("unexpected stock error: %+v", stockErr)
	}

	citrine := f.product(t, "citrine")
	if citrine.Stock != 2 || citrine.Sales != 0 || len(citrine.SalesHistory) != 0 {
		t.Fatalf("product changed after failed order: %+v", citrine)
	}

	page, err := f.svc.ListOrders(ctx, OrderListFilter{Email: cmd.Contact.Email})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected no orders, got %d", len(page.Items))
	}

	guest := domain.GuestCustomer(GuestCustomerID(cmd.Contact.Email, cmd.Contact.Phone))
	if _, err := f.store.Customers().FindByRef(ctx, guest); err == nil {
		t.Fatalf("guest customer must not survive a rolled back order")
	}
	if len(f.dispatcher.sent) != 0 {
		t.Fatalf("no notifications expected for a failed order")
	}
}

func TestPlaceOrderRollsBackEarlierItems(t *testing.T) {
	f := newOrderFixture(t, []domain.Product{
		testProduct("obsidian", 5, 40),
		testProduct("moonstone", 1, 90),
	})

	_, err := f.svc.PlaceOrder(context.Background(), cashOrder(
		OrderItemInput{ProductID: "obsidian", Quantity: 2},
		OrderItemInput{ProductID: "moonstone", Quantity: 2},
	))
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	obsidian := f.product(t, "obsidian")
	if obsidian.Stock != 5 || obsidian.Sales != 0 || len(obsidian.SalesHistory) != 0 {
		t.Fatalf("first item debit not rolled back: %+v", obsidian)
	}
}

func TestPlaceOrderUnknownProduct(t *testing.T) {
	f := newOrderFixture(t, []domain.Product{testProduct("jade", 5, 40)})
	inactive := testProduct("retired", 5, 10)
	inactive.Active = false
	if err := f.store.Products().Insert(context.Background(), inactive); err != nil {
		t.Fatalf("seed: %v", err)
	}

	for _, id := range []string{"missing", "retired"} {
		_, err := f.svc.PlaceOrder(context.Background(), cashOrder(OrderItemInput{ProductID: id, Quantity: 1}))
		if !errors.Is(err, ErrProductNotFound) {
			t.Fatalf("%s: expected ErrProductNotFound, got %v", id, err)
		}
	}
}

func TestPlaceOrderCardIsMasked(t *testing.T) {
	f := newOrderFixture(t, []domain.Product{testProduct("tigers-eye", 3, 75)})
	cmd := cashOrder(OrderItemInput{ProductID: "tigers-eye", Quantity: 1})
	cmd.PaymentMethod = domain.PaymentMethodCard
	cmd.Card = &CardInfo{Number: "4111 1111 1111 1234", Expiry: "12/27"}

	order, err := f.svc.PlaceOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Payment == nil || order.Payment.MaskedNumber != "****-****-****-1234" || order.Payment.Expiry != "12/27" {
		t.Fatalf("unexpected payment snapshot: %+v", order.Payment)
	}

	stored, err := f.svc.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if strings.Contains(fmt.Sprintf("%+v", stored), "4111") {
		t.Fatalf("stored order leaks the card number: %+v", stored.Payment)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newOrderFixture(t, []domain.Product{testProduct("agate", 5, 10)})
	item := OrderItemInput{ProductID: "agate", Quantity: 1}

	cases := []struct {
		name   string
		mutate func(*PlaceOrderCommand)
		field  string
	}{
		{"no items", func(c *PlaceOrderCommand) { c.Items = nil }, "items"},
		{"too many items", func(c *PlaceOrderCommand) {
			for len(c.Items) <= maxItemsPerOrder {
				c.Items = append(c.Items, OrderItemInput{ProductID: "agate", Quantity: 1})
			}
		}, "items"},
		{"zero quantity", func(c *PlaceOrderCommand) { c.Items[0].Quantity = 0 }, "items[0].quantity"},
		{"blank product", func(c *PlaceOrderCommand) { c.Items[0].ProductID = " " }, "items[0].productId"},
		{"full name", func(c *PlaceOrderCommand) { c.Contact.FullName = "" }, "fullName"},
		{"phone", func(c *PlaceOrderCommand) { c.Contact.Phone = "" }, "phone"},
		{"address", func(c *PlaceOrderCommand) { c.Contact.Address = "" }, "address"},
		{"city", func(c *PlaceOrderCommand) { c.Contact.City = "" }, "city"},
		{"email", func(c *PlaceOrderCommand) { c.Contact.Email = "" }, "email"},
		{"bad email", func(c *PlaceOrderCommand) { c.Contact.Email = "not-an-email" }, "email"},
		{"display name email", func(c *PlaceOrderCommand) { c.Contact.Email = "Mona <MONA@example.com>" }, "email"},
		{"bracketed email", func(c *PlaceOrderCommand) { c.Contact.Email = "<mona@example.com>" }, "email"},
		{"payment method", func(c *PlaceOrderCommand) { c.PaymentMethod = "crypto" }, "paymentMethod"},
		{"card missing", func(c *PlaceOrderCommand) { c.PaymentMethod = domain.PaymentMethodCard }, "cardInfo"},
		{"card short", func(c *PlaceOrderCommand) {
			c.PaymentMethod = domain.PaymentMethodCard
			c.Card = &CardInfo{Number: "12", Expiry: "01/30"}
		}, "cardInfo"},
		{"negative total", func(c *PlaceOrderCommand) { c.Total = decimal.NewFromInt(-1) }, "total"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := cashOrder(item)
			tc.mutate(&cmd)

			_, err := f.svc.PlaceOrder(context.Background(), cmd)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			if validation.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, validation.Field)
			}
		})
	}

	if agate := f.product(t, "agate"); agate.Stock != 5 {
		t.Fatalf("validation failures must not touch stock, got %d", agate.Stock)
	}
}

func TestPlaceOrderVerifiesSubmittedTotal(t *testing.T) {
	f := newOrderFixture(t, []domain.Product{testProduct("quartz", 5, 25)})

	cmd := cashOrder(OrderItemInput{ProductID: "quartz", Quantity: 2})
	cmd.Total = decimal.NewFromInt(40)
	_, err := f.svc.PlaceOrder(context.Background(), cmd)
	var validation *ValidationError
	if !errors.As(err, &validation) || validation.Field != "total" {
		t.Fatalf("expected total validation error, got %v", err)
	}
	if quartz := f.product(t, "quartz"); quartz.Stock != 5 {
		t.Fatalf("mismatched total must roll back debit, stock %d", quartz.Stock)
	}

	cmd.Total = decimal.RequireFromString("50.00")
	order, err := f.svc.PlaceOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("PlaceOrder with matching total: %v", err)
	}
	if !order.Total.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected total %s", order.Total)
	}
}

func TestPlaceOrderWrapsUnexpectedFailures(t *testing.T) {
	diskFull := errors.New("disk full")
	f := newOrderFixture(t, []domain.Product{testProduct("onyx", 5, 30)}, func(deps *OrderServiceDeps) {
		deps.Orders = failingOrderRepo{OrderRepository: deps.Orders, insertErr: diskFull}
	})

	_, err := f.svc.PlaceOrder(context.Background(), cashOrder(OrderItemInput{ProductID: "onyx", Quantity: 1}))
	if !errors.Is(err, ErrOrderCreationFailed) {
		t.Fatalf("expected ErrOrderCreationFailed, got %v", err)
	}
	if !errors.Is(err, diskFull) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if onyx := f.product(t, "onyx"); onyx.Stock != 5 || onyx.Sales != 0 {
		t.Fatalf("debit not rolled back: %+v", onyx)
	}
}

func TestPlaceOrderNotificationFailureIsLogged(t *testing.T) {
	f := newOrderFixture(t, []domain.Product{testProduct("pyrite", 5, 15)})
	f.dispatcher.failFn = func(kind NotificationKind, _ int) error {
		if kind == domain.NotificationAdminNewOrder {
			return errors.New("topic unavailable")
		}
		return nil
	}

	order, err := f.svc.PlaceOrder(context.Background(), cashOrder(OrderItemInput{ProductID: "pyrite", Quantity: 1}))
	if err != nil {
		t.Fatalf("dispatch failure must not fail the order: %v", err)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected status %s", order.Status)
	}
	if !f.logger.Has(orderEventNotificationFailed) {
		t.Fatalf("expected %s to be logged", orderEventNotificationFailed)
	}
}

func TestPlaceOrderConcurrentLastUnit(t *testing.T) {
	f := newOrderFixture(t, []domain.Product{testProduct("larimar", 1, 300)})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := cashOrder(OrderItemInput{ProductID: "larimar", Quantity: 1})
			cmd.Contact.Email = fmt.Sprintf("buyer%d@example.com", i)
			_, err := f.svc.PlaceOrder(context.Background(), cmd)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var placed, soldOut int
	for err := range errs {
		switch {
		case err == nil:
			placed++
		case errors.Is(err, ErrInsufficientStock):
			soldOut++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if placed != 1 || soldOut != 1 {
		t.Fatalf("expected exactly one success, got placed=%d soldOut=%d", placed, soldOut)
	}

	larimar := f.product(t, "larimar")
	if larimar.Stock != 0 || larimar.Sales != 1 {
		t.Fatalf("unexpected larimar stock/sales %d/%d", larimar.Stock, larimar.Sales)
	}
	assertSalesInvariant(t, larimar)
}

func TestPlaceOrderGuestMatching(t *testing.T) {
	f := newOrderFixture(t, []domain.Product{testProduct("fluorite", 10, 20)})
	ctx := context.Background()

	first := cashOrder(OrderItemInput{ProductID: "fluorite", Quantity: 1})
	first.Contact.Email = "  Mona@Example.COM "
	a, err := f.svc.PlaceOrder(ctx, first)
	if err != nil {
		t.Fatalf("first order: %v", err)
	}

	second := cashOrder(OrderItemInput{ProductID: "fluorite", Quantity: 1})
	b, err := f.svc.PlaceOrder(ctx, second)
	if err != nil {
		t.Fatalf("second order: %v", err)
	}

	if a.Customer != b.Customer {
		t.Fatalf("same email and phone must reuse the guest, got %s and %s", a.Customer, b.Customer)
	}
	if a.Contact.Email != "mona@example.com" {
		t.Fatalf("expected normalised email, got %q", a.Contact.Email)
	}

	guest, err := f.store.Customers().FindByRef(ctx, a.Customer)
	if err != nil {
		t.Fatalf("find guest: %v", err)
	}
	if !reflect.DeepEqual(guest.OrderIDs, []string{a.ID, b.ID}) {
		t.Fatalf("unexpected guest orders %v", guest.OrderIDs)
	}

	third := cashOrder(OrderItemInput{ProductID: "fluorite", Quantity: 1})
	third.Contact.Phone = "+201009999999"
	c, err := f.svc.PlaceOrder(ctx, third)
	if err != nil {
		t.Fatalf("third order: %v", err)
	}
	if c.Customer == a.Customer {
		t.Fatalf("different phone must create a separate guest")
	}

	named := cashOrder(OrderItemInput{ProductID: "fluorite", Quantity: 1})
	named.Contact.Email = "Mona <MONA@example.com>"
	if _, err := f.svc.PlaceOrder(ctx, named); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("display-name email must be rejected, got %v", err)
	}
	page, err := f.svc.ListOrders(ctx, OrderListFilter{Email: "mona@example.com"})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("expected the three orders under mona@example.com, got %d", len(page.Items))
	}
}

func TestPlaceOrderRegisteredCustomer(t *testing.T) {
	f := newOrderFixture(t, []domain.Product{testProduct("garnet", 10, 20)})
	ctx := context.Background()

	cmd := cashOrder(OrderItemInput{ProductID: "garnet", Quantity: 1})
	cmd.Identity = &ExternalIdentity{ExternalID: "uid-42", Email: "Mona@Example.com", Name: "Mona"}
	order, err := f.svc.PlaceOrder(ctx, cmd)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Customer != domain.RegisteredCustomer("uid-42") {
		t.Fatalf("expected registered customer uid-42, got %s", order.Customer)
	}

	guest := domain.GuestCustomer(GuestCustomerID(cmd.Contact.Email, cmd.Contact.Phone))
	if _, err := f.store.Customers().FindByRef(ctx, guest); err == nil {
		t.Fatalf("registered checkout must not create a guest record")
	}

	page, err := f.svc.ListOrders(ctx, OrderListFilter{Customer: &order.Customer})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != order.ID {
		t.Fatalf("unexpected orders for customer: %+v", page.Items)
	}
}

func TestGetOrderReadsAreIdempotent(t *testing.T) {
	f := newOrderFixture(t, []domain.Product{testProduct("opal", 4, 500)})
	ctx := context.Background()
	order, err := f.svc.PlaceOrder(ctx, cashOrder(OrderItemInput{ProductID: "opal", Quantity: 1}))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	first, err := f.svc.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	second, err := f.svc.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated reads differ:\n%+v\n%+v", first, second)
	}

	if _, err := f.svc.GetOrder(ctx, "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	page, err := f.svc.ListOrders(ctx, OrderListFilter{Email: " MONA@example.com"})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected lookup by normalised email, got %d orders", len(page.Items))
	}

	if _, err := f.svc.ListOrders(ctx, OrderListFilter{Email: "mona@example.com", Pagination: domain.Pagination{PageToken: "%%%"}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid page token to be rejected, got %v", err)
	}
}

func TestNewOrderServiceRequiresDependencies(t *testing.T) {
	store := memory.NewStore()
	ledger, _ := NewInventoryLedger(InventoryLedgerDeps{Products: store.Products()})
	resolver, _ := NewCustomerResolver(CustomerResolverDeps{Customers: store.Customers()})

	cases := []OrderServiceDeps{
		{Counters: store.Counters(), Inventory: ledger, Customers: resolver},
		{Orders: store.Orders(), Inventory: ledger, Customers: resolver},
		{Orders: store.Orders(), Counters: store.Counters(), Customers: resolver},
		{Orders: store.Orders(), Counters: store.Counters(), Inventory: ledger},
	}
	for i, deps := range cases {
		if _, err := NewOrderService(deps); err == nil {
			t.Fatalf("case %d: expected missing dependency error", i)
		}
	}
}

type listCapturingOrderRepo struct {
	repositories.OrderRepository
	filters []repositories.OrderListFilter
}

func (r *listCapturingOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.filters = append(r.filters, filter)
	return r.OrderRepository.List(ctx, filter)
}

func TestListOrdersDeduplicatesStatusFilter(t *testing.T) {
	capture := &listCapturingOrderRepo{}
	f := newOrderFixture(t, []domain.Product{testProduct("jade", 5, 10)}, func(deps *OrderServiceDeps) {
		capture.OrderRepository = deps.Orders
		deps.Orders = capture
	})
	ctx := context.Background()
	if _, err := f.svc.PlaceOrder(ctx, cashOrder(OrderItemInput{ProductID: "jade", Quantity: 1})); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	statuses := make([]OrderStatus, 0, 40)
	for i := 0; i < 20; i++ {
		statuses = append(statuses, domain.OrderStatusPending, domain.OrderStatusCancelled)
	}
	page, err := f.svc.ListOrders(ctx, OrderListFilter{Email: "mona@example.com", Status: statuses})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected the pending order, got %d", len(page.Items))
	}
	if len(capture.filters) != 1 {
		t.Fatalf("expected one repository query, got %d", len(capture.filters))
	}
	want := []OrderStatus{domain.OrderStatusPending, domain.OrderStatusCancelled}
	if got := capture.filters[0].Status; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected deduplicated statuses %v, got %v", want, got)
	}

	if _, err := f.svc.ListOrders(ctx, OrderListFilter{Status: []OrderStatus{domain.OrderStatusPending, "shipped"}}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}
