package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	domain "github.com/crystal-atelier/api/internal/domain"
	"github.com/crystal-atelier/api/internal/repositories"
)

const (
	guestIDPrefix = "gst_"

	eventCustomerCreated = "customer.created"
)

// CustomerResolverDeps bundles the collaborators required to construct a customer resolver.
type CustomerResolverDeps struct {
	Customers  repositories.CustomerRepository
	UnitOfWork repositories.UnitOfWork
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type customerResolver struct {
	customers  repositories.CustomerRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// NewCustomerResolver wires dependencies into a concrete CustomerResolver implementation.
func NewCustomerResolver(deps CustomerResolverDeps) (CustomerResolver, error) {
	if deps.Customers == nil {
		return nil, errors.New("customer resolver: customer repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &customerResolver{
		customers:  deps.Customers,
		unitOfWork: unit,
		clock:      utcClock(deps.Clock),
		logger:     logger,
	}, nil
}

// Resolve finds or creates the customer the checkout belongs to. Registered customers are keyed by
// their external id; guests by normalised email and phone.
func (r *customerResolver) Resolve(ctx context.Context, contact ContactInfo, identity *ExternalIdentity) (CustomerRef, error) {
	contact = normaliseContact(contact)

	if identity != nil && strings.TrimSpace(identity.ExternalID) != "" {
		ref := domain.RegisteredCustomer(strings.TrimSpace(identity.ExternalID))
		err := r.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
			customer, found, err := r.find(txCtx, ref)
			if err != nil {
				return err
			}
			if !found {
				customer = r.newCustomer(ref, contact)
				customer.ExternalID = ref.ID
				if email := NormaliseEmail(identity.Email); email != "" {
					customer.Email = email
				}
				if name := strings.TrimSpace(identity.Name); name != "" && customer.FullName == "" {
					customer.FullName = name
				}
				return r.insert(txCtx, customer)
			}
			applyContact(&customer, contact)
			customer.UpdatedAt = r.clock()
			return r.update(txCtx, customer)
		})
		if err != nil {
			return CustomerRef{}, err
		}
		return ref, nil
	}

	if contact.Email == "" {
		return CustomerRef{}, invalidField("email", "is required")
	}
	if contact.Phone == "" {
		return CustomerRef{}, invalidField("phone", "is required")
	}

	ref := domain.GuestCustomer(GuestCustomerID(contact.Email, contact.Phone))
	err := r.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		customer, found, err := r.find(txCtx, ref)
		if err != nil {
			return err
		}
		if !found {
			return r.insert(txCtx, r.newCustomer(ref, contact))
		}
		applyContact(&customer, contact)
		customer.UpdatedAt = r.clock()
		return r.update(txCtx, customer)
	})
	if err != nil {
		return CustomerRef{}, err
	}
	return ref, nil
}

// LinkOrder appends the order to the customer's history and remembers the checkout details.
func (r *customerResolver) LinkOrder(ctx context.Context, ref CustomerRef, details LastOrderDetails) error {
	if !ref.Type.Valid() || strings.TrimSpace(ref.ID) == "" {
		return invalidField("customer", "reference is invalid")
	}
	orderID := strings.TrimSpace(details.OrderID)
	if orderID == "" {
		return invalidField("orderId", "is required")
	}

	return r.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		customer, err := r.customers.FindByRef(txCtx, ref)
		if err != nil {
			return r.mapRepositoryError(err)
		}
		if !slices.Contains(customer.OrderIDs, orderID) {
			customer.OrderIDs = append(customer.OrderIDs, orderID)
		}
		last := details
		last.OrderID = orderID
		last.Contact = normaliseContact(details.Contact)
		if last.At.IsZero() {
			last.At = r.clock()
		}
		customer.LastOrder = &last
		customer.UpdatedAt = r.clock()
		return r.update(txCtx, customer)
	})
}

// SyncAccount mirrors an identity provider account into the registered customer collection.
func (r *customerResolver) SyncAccount(ctx context.Context, identity ExternalIdentity) (Customer, error) {
	externalID := strings.TrimSpace(identity.ExternalID)
	if externalID == "" {
		return Customer{}, invalidField("externalId", "is required")
	}
	email := NormaliseEmail(identity.Email)
	if email == "" {
		return Customer{}, invalidField("email", "is required")
	}

	ref := domain.RegisteredCustomer(externalID)
	var synced Customer
	err := r.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		customer, found, err := r.find(txCtx, ref)
		if err != nil {
			return err
		}
		if !found {
			customer = r.newCustomer(ref, ContactInfo{FullName: strings.TrimSpace(identity.Name), Email: email})
			customer.ExternalID = externalID
			synced = customer
			return r.insert(txCtx, customer)
		}
		customer.Email = email
		if name := strings.TrimSpace(identity.Name); name != "" {
			customer.FullName = name
		}
		customer.UpdatedAt = r.clock()
		synced = customer
		return r.update(txCtx, customer)
	})
	if err != nil {
		return Customer{}, err
	}
	return synced, nil
}

// GetCustomer loads a customer for checkout prefill.
func (r *customerResolver) GetCustomer(ctx context.Context, ref CustomerRef) (Customer, error) {
	if !ref.Type.Valid() || strings.TrimSpace(ref.ID) == "" {
		return Customer{}, invalidField("customer", "reference is invalid")
	}
	customer, err := r.customers.FindByRef(ctx, ref)
	if err != nil {
		return Customer{}, r.mapRepositoryError(err)
	}
	return customer, nil
}

func (r *customerResolver) find(ctx context.Context, ref CustomerRef) (Customer, bool, error) {
	customer, err := r.customers.FindByRef(ctx, ref)
	if err == nil {
		return customer, true, nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return Customer{}, false, nil
	}
	return Customer{}, false, r.mapRepositoryError(err)
}

func (r *customerResolver) insert(ctx context.Context, customer Customer) error {
	if err := r.customers.Insert(ctx, customer); err != nil {
		return r.mapRepositoryError(err)
	}
	r.logger(ctx, eventCustomerCreated, map[string]any{
		"customer": customer.Ref.String(),
	})
	return nil
}

func (r *customerResolver) update(ctx context.Context, customer Customer) error {
	if err := r.customers.Update(ctx, customer); err != nil {
		return r.mapRepositoryError(err)
	}
	return nil
}

func (r *customerResolver) newCustomer(ref CustomerRef, contact ContactInfo) Customer {
	now := r.clock()
	customer := Customer{
		Ref:       ref,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyContact(&customer, contact)
	return customer
}

func (r *customerResolver) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCustomerNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("customer: conflict: %w", err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("customer: repository unavailable: %w", err)
		}
	}

	return err
}

// applyContact overwrites the contact snapshot with the non-empty values supplied.
func applyContact(customer *Customer, contact ContactInfo) {
	if contact.FullName != "" {
		customer.FullName = contact.FullName
	}
	if contact.Email != "" {
		customer.Email = contact.Email
	}
	if contact.Phone != "" {
		customer.Phone = contact.Phone
	}
	if contact.Address != "" {
		customer.Address = contact.Address
	}
	if contact.City != "" {
		customer.City = contact.City
	}
}

func normaliseContact(contact ContactInfo) ContactInfo {
	return ContactInfo{
		FullName: strings.TrimSpace(contact.FullName),
		Email:    NormaliseEmail(contact.Email),
		Phone:    strings.TrimSpace(contact.Phone),
		Address:  strings.TrimSpace(contact.Address),
		City:     strings.TrimSpace(contact.City),
	}
}

// NormaliseEmail trims and lower-cases an address for storage and matching.
func NormaliseEmail(email string) string {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return ""
	}
	return cases.Lower(language.Und).String(trimmed)
}

// GuestCustomerID derives the guest document id from normalised email and phone so that concurrent
// checkouts for the same guest address the same record.
func GuestCustomerID(email, phone string) string {
	sum := sha256.Sum256([]byte(NormaliseEmail(email) + "|" + strings.TrimSpace(phone)))
	return guestIDPrefix + hex.EncodeToString(sum[:16])
}
