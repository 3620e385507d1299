package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// LocalizedText carries the storefront's two catalogue locales.
type LocalizedText struct {
	EN string
	AR string
}

// For returns the text for the requested locale, falling back to English.
func (t LocalizedText) For(locale string) string {
	if locale == "ar" && t.AR != "" {
		return t.AR
	}
	if t.EN != "" {
		return t.EN
	}
	return t.AR
}

// Product is a sellable crystal or gemstone together with its stock ledger.
type Product struct {
	ID           string
	Name         LocalizedText
	Description  LocalizedText
	CategoryID   string
	Price        decimal.Decimal
	Stock        int
	Sales        int
	SalesHistory []SaleRecord
	ImageURL     string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SaleRecord is a single ledger movement. Compensating entries carry a negative quantity.
type SaleRecord struct {
	Quantity int
	OrderID  string
	At       time.Time
}

// CustomerType tags the customer variants.
type CustomerType string

const (
	// CustomerTypeRegistered identifies customers backed by an external identity account.
	CustomerTypeRegistered CustomerType = "registered"
	// CustomerTypeGuest identifies customers matched by email and phone.
	CustomerTypeGuest CustomerType = "guest"
)

// Valid reports whether the type is one of the known variants.
func (t CustomerType) Valid() bool {
	return t == CustomerTypeRegistered || t == CustomerTypeGuest
}

// CustomerRef is a tagged reference to either a registered or a guest customer.
type CustomerRef struct {
	Type CustomerType
	ID   string
}

// RegisteredCustomer builds a reference to a registered account.
func RegisteredCustomer(id string) CustomerRef {
	return CustomerRef{Type: CustomerTypeRegistered, ID: id}
}

// GuestCustomer builds a reference to a guest record.
func GuestCustomer(id string) CustomerRef {
	return CustomerRef{Type: CustomerTypeGuest, ID: id}
}

// IsZero reports whether the reference is unset.
func (r CustomerRef) IsZero() bool {
	return r.ID == "" && r.Type == ""
}

func (r CustomerRef) String() string {
	return string(r.Type) + ":" + r.ID
}

// ContactInfo is the checkout contact snapshot.
type ContactInfo struct {
	FullName string
	Email    string
	Phone    string
	Address  string
	City     string
}

// ExternalIdentity describes an account from the identity provider.
type ExternalIdentity struct {
	ExternalID string
	Email      string
	Name       string
}

// LastOrderDetails is used to prefill the next checkout.
type LastOrderDetails struct {
	OrderID       string
	Contact       ContactInfo
	PaymentMethod PaymentMethod
	At            time.Time
}

// Customer holds both registered and guest customers; Ref.Type tells them apart.
type Customer struct {
	Ref        CustomerRef
	ExternalID string
	FullName   string
	Email      string
	Phone      string
	Address    string
	City       string
	OrderIDs   []string
	LastOrder  *LastOrderDetails
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PaymentMethod enumerates accepted checkout payment methods.
type PaymentMethod string

const (
	// PaymentMethodCash is cash on delivery.
	PaymentMethodCash PaymentMethod = "cash"
	// PaymentMethodCard is a card payment captured offline.
	PaymentMethodCard PaymentMethod = "card"
)

// Valid reports whether the payment method is accepted.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCash || m == PaymentMethodCard
}

// CardInfo is the raw card input. It is never persisted.
type CardInfo struct {
	Number string
	Expiry string
}

// PaymentInfo is the persisted card snapshot.
type PaymentInfo struct {
	MaskedNumber string
	Expiry       string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was placed and awaits handling.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusCompleted indicates the order has been fulfilled.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled indicates the order has been cancelled.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order is the persisted order aggregate.
type Order struct {
	ID            string
	OrderNumber   string
	Status        OrderStatus
	Currency      string
	Items         []OrderLineItem
	Total         decimal.Decimal
	Contact       ContactInfo
	PaymentMethod PaymentMethod
	Payment       *PaymentInfo
	Customer      CustomerRef
	Locale        string
	Timeline      []TimelineEntry
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderLineItem mirrors the product at the time of checkout.
type OrderLineItem struct {
	ProductID string
	Name      LocalizedText
	UnitPrice decimal.Decimal
	Quantity  int
	ImageURL  string
}

// Subtotal returns unit price times quantity.
func (i OrderLineItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// TimelineEntry records one status change.
type TimelineEntry struct {
	Status OrderStatus
	At     time.Time
	Note   string
}

// NotificationKind enumerates the notifications sent for orders.
type NotificationKind string

const (
	// NotificationOrderConfirmation is sent to the customer after checkout.
	NotificationOrderConfirmation NotificationKind = "order-confirmation"
	// NotificationAdminNewOrder alerts shop staff of a new order.
	NotificationAdminNewOrder NotificationKind = "admin-new-order"
	// NotificationStatusUpdate is sent to the customer on each status change.
	NotificationStatusUpdate NotificationKind = "status-update"
)

// Notification is a rendered message ready for delivery.
type Notification struct {
	Kind        NotificationKind
	OrderID     string
	OrderNumber string
	Locale      string
	To          []string
	Subject     string
	TextBody    string
	HTMLBody    string
	CreatedAt   time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
