package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/crystal-atelier/api/internal/domain"
	pfirestore "github.com/crystal-atelier/api/internal/platform/firestore"
	"github.com/crystal-atelier/api/internal/repositories"
)

const (
	registeredCustomersCollection = "users"
	guestCustomersCollection      = "guestUsers"
)

// CustomerRepository keeps registered and guest customers in separate collections. Document
// ids are the customer reference ids, so lookups inside a transaction are point reads.
type CustomerRepository struct {
	registered *pfirestore.BaseRepository[customerDocument]
	guests     *pfirestore.BaseRepository[customerDocument]
}

var _ repositories.CustomerRepository = (*CustomerRepository)(nil)

// NewCustomerRepository constructs a Firestore-backed customer repository.
func NewCustomerRepository(provider *pfirestore.Provider) (*CustomerRepository, error) {
	if provider == nil {
		return nil, errors.New("customer repository requires firestore provider")
	}
	return &CustomerRepository{
		registered: pfirestore.NewBaseRepository[customerDocument](provider, registeredCustomersCollection, nil, nil),
		guests:     pfirestore.NewBaseRepository[customerDocument](provider, guestCustomersCollection, nil, nil),
	}, nil
}

func (r *CustomerRepository) Insert(ctx context.Context, customer domain.Customer) error {
	base, err := r.collectionFor(customer.Ref)
	if err != nil {
		return err
	}
	return base.Create(ctx, customer.Ref.ID, newCustomerDocument(customer))
}

func (r *CustomerRepository) Update(ctx context.Context, customer domain.Customer) error {
	base, err := r.collectionFor(customer.Ref)
	if err != nil {
		return err
	}
	return base.Set(ctx, customer.Ref.ID, newCustomerDocument(customer))
}

func (r *CustomerRepository) FindByRef(ctx context.Context, ref domain.CustomerRef) (domain.Customer, error) {
	base, err := r.collectionFor(ref)
	if err != nil {
		return domain.Customer{}, err
	}
	doc, err := base.Get(ctx, ref.ID)
	if err != nil {
		return domain.Customer{}, err
	}
	return doc.Data.toDomain(ref), nil
}

func (r *CustomerRepository) collectionFor(ref domain.CustomerRef) (*pfirestore.BaseRepository[customerDocument], error) {
	if strings.TrimSpace(ref.ID) == "" {
		return nil, errors.New("customer id is required")
	}
	switch ref.Type {
	case domain.CustomerTypeRegistered:
		return r.registered, nil
	case domain.CustomerTypeGuest:
		return r.guests, nil
	default:
		return nil, fmt.Errorf("unknown customer type %q", ref.Type)
	}
}

type customerDocument struct {
	ExternalID string             `firestore:"externalId,omitempty"`
	FullName   string             `firestore:"fullName"`
	Email      string             `firestore:"email"`
	Phone      string             `firestore:"phone"`
	Address    string             `firestore:"address,omitempty"`
	City       string             `firestore:"city,omitempty"`
	Orders     []string           `firestore:"orders"`
	LastOrder  *lastOrderDocument `firestore:"lastOrderDetails,omitempty"`
	CreatedAt  time.Time          `firestore:"createdAt"`
	UpdatedAt  time.Time          `firestore:"updatedAt"`
}

type lastOrderDocument struct {
	OrderRef      string          `firestore:"orderRef"`
	Contact       contactDocument `firestore:"contact"`
	PaymentMethod string          `firestore:"paymentMethod"`
	At            time.Time       `firestore:"date"`
}

type contactDocument struct {
	FullName string `firestore:"fullName"`
	Email    string `firestore:"email"`
	Phone    string `firestore:"phone"`
	Address  string `firestore:"address"`
	City     string `firestore:"city"`
}

func newContactDocument(c domain.ContactInfo) contactDocument {
	return contactDocument{FullName: c.FullName, Email: c.Email, Phone: c.Phone, Address: c.Address, City: c.City}
}

func (d contactDocument) toDomain() domain.ContactInfo {
	return domain.ContactInfo{FullName: d.FullName, Email: d.Email, Phone: d.Phone, Address: d.Address, City: d.City}
}

func newCustomerDocument(c domain.Customer) customerDocument {
	doc := customerDocument{
		ExternalID: c.ExternalID,
		FullName:   c.FullName,
		Email:      c.Email,
		Phone:      c.Phone,
		Address:    c.Address,
		City:       c.City,
		Orders:     append([]string{}, c.OrderIDs...),
		CreatedAt:  c.CreatedAt.UTC(),
		UpdatedAt:  c.UpdatedAt.UTC(),
	}
	if c.LastOrder != nil {
		doc.LastOrder = &lastOrderDocument{
			OrderRef:      c.LastOrder.OrderID,
			Contact:       newContactDocument(c.LastOrder.Contact),
			PaymentMethod: string(c.LastOrder.PaymentMethod),
			At:            c.LastOrder.At.UTC(),
		}
	}
	return doc
}

func (d customerDocument) toDomain(ref domain.CustomerRef) domain.Customer {
	customer := domain.Customer{
		Ref:        ref,
		ExternalID: d.ExternalID,
		FullName:   d.FullName,
		Email:      d.Email,
		Phone:      d.Phone,
		Address:    d.Address,
		City:       d.City,
		OrderIDs:   append([]string(nil), d.Orders...),
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
	if d.LastOrder != nil {
		customer.LastOrder = &domain.LastOrderDetails{
			OrderID:       d.LastOrder.OrderRef,
			Contact:       d.LastOrder.Contact.toDomain(),
			PaymentMethod: domain.PaymentMethod(d.LastOrder.PaymentMethod),
			At:            d.LastOrder.At,
		}
	}
	return customer
}
