package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/crystal-atelier/api/internal/domain"
	pfirestore "github.com/crystal-atelier/api/internal/platform/firestore"
	"github.com/crystal-atelier/api/internal/platform/pagination"
	"github.com/crystal-atelier/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists orders in Firestore.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		base: pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order id is required")
	}
	return r.base.Create(ctx, order.ID, newOrderDocument(order))
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order id is required")
	}
	return r.base.Set(ctx, order.ID, newOrderDocument(order))
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID)
}

// List returns orders newest first. Email filters require the composite index
// (contact.email ASC, createdAt DESC, __name__ DESC).
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if email := strings.TrimSpace(filter.Email); email != "" {
			q = q.Where("contact.email", "==", email)
		}
		if filter.Customer != nil {
			q = q.Where("customer.type", "==", string(filter.Customer.Type)).
				Where("customer.id", "==", filter.Customer.ID)
		}
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order, err := doc.Data.toDomain(doc.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		orders = append(orders, order)
	}

	page := domain.CursorPage[domain.Order]{Items: orders}
	if len(orders) > pageSize {
		page.Items = orders[:pageSize]
		last := page.Items[pageSize-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

type orderDocument struct {
	OrderNumber   string              `firestore:"orderNumber"`
	Status        string              `firestore:"status"`
	Currency      string              `firestore:"currency"`
	Items         []orderItemDocument `firestore:"items"`
	Total         string              `firestore:"total"`
	Contact       contactDocument     `firestore:"contact"`
	PaymentMethod string              `firestore:"paymentMethod"`
	Payment       *paymentDocument    `firestore:"cardInfo,omitempty"`
	Customer      customerRefDocument `firestore:"customer"`
	Locale        string              `firestore:"locale,omitempty"`
	Timeline      []timelineDocument  `firestore:"timeline"`
	Version       int                 `firestore:"version"`
	CreatedAt     time.Time           `firestore:"createdAt"`
	UpdatedAt     time.Time           `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductRef string `firestore:"productRef"`
	NameEN     string `firestore:"nameEn"`
	NameAR     string `firestore:"nameAr"`
	UnitPrice  string `firestore:"price"`
	Quantity   int    `firestore:"quantity"`
	ImageURL   string `firestore:"imageUrl,omitempty"`
}

type paymentDocument struct {
	MaskedNumber string `firestore:"cardNumber"`
	Expiry       string `firestore:"expiryDate"`
}

type customerRefDocument struct {
	Type string `firestore:"type"`
	ID   string `firestore:"id"`
}

type timelineDocument struct {
	Status string    `firestore:"status"`
	At     time.Time `firestore:"date"`
	Note   string    `firestore:"note"`
}

func newOrderDocument(o domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, orderItemDocument{
			ProductRef: item.ProductID,
			NameEN:     item.Name.EN,
			NameAR:     item.Name.AR,
			UnitPrice:  item.UnitPrice.String(),
			Quantity:   item.Quantity,
			ImageURL:   item.ImageURL,
		})
	}
	timeline := make([]timelineDocument, 0, len(o.Timeline))
	for _, entry := range o.Timeline {
		timeline = append(timeline, timelineDocument{Status: string(entry.Status), At: entry.At.UTC(), Note: entry.Note})
	}
	doc := orderDocument{
		OrderNumber:   o.OrderNumber,
		Status:        string(o.Status),
		Currency:      o.Currency,
		Items:         items,
		Total:         o.Total.String(),
		Contact:       newContactDocument(o.Contact),
		PaymentMethod: string(o.PaymentMethod),
		Customer:      customerRefDocument{Type: string(o.Customer.Type), ID: o.Customer.ID},
		Locale:        o.Locale,
		Timeline:      timeline,
		Version:       o.Version,
		CreatedAt:     o.CreatedAt.UTC(),
		UpdatedAt:     o.UpdatedAt.UTC(),
	}
	if o.Payment != nil {
		doc.Payment = &paymentDocument{MaskedNumber: o.Payment.MaskedNumber, Expiry: o.Payment.Expiry}
	}
	return doc
}

func (d orderDocument) toDomain(id string) (domain.Order, error) {
	total, err := decimal.NewFromString(d.Total)
	if err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s total %q: %w", id, d.Total, err)
	}
	items := make([]domain.OrderLineItem, 0, len(d.Items))
	for _, item := range d.Items {
		price, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s item %s price: %w", id, item.ProductRef, err)
		}
		items = append(items, domain.OrderLineItem{
			ProductID: item.ProductRef,
			Name:      domain.LocalizedText{EN: item.NameEN, AR: item.NameAR},
			UnitPrice: price,
			Quantity:  item.Quantity,
			ImageURL:  item.ImageURL,
		})
	}
	timeline := make([]domain.TimelineEntry, 0, len(d.Timeline))
	for _, entry := range d.Timeline {
		timeline = append(timeline, domain.TimelineEntry{Status: domain.OrderStatus(entry.Status), At: entry.At, Note: entry.Note})
	}
	order := domain.Order{
		ID:            id,
		OrderNumber:   d.OrderNumber,
		Status:        domain.OrderStatus(d.Status),
		Currency:      d.Currency,
		Items:         items,
		Total:         total,
		Contact:       d.Contact.toDomain(),
		PaymentMethod: domain.PaymentMethod(d.PaymentMethod),
		Customer:      domain.CustomerRef{Type: domain.CustomerType(d.Customer.Type), ID: d.Customer.ID},
		Locale:        d.Locale,
		Timeline:      timeline,
		Version:       d.Version,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if d.Payment != nil {
		order.Payment = &domain.PaymentInfo{MaskedNumber: d.Payment.MaskedNumber, Expiry: d.Payment.Expiry}
	}
	return order, nil
}
