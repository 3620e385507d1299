package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/crystal-atelier/api/internal/platform/firestore"
	"github.com/crystal-atelier/api/internal/repositories"
)

// Registry implements repositories.Registry on top of a Firestore provider.
type Registry struct {
	provider  *pfirestore.Provider
	products  *ProductRepository
	customers *CustomerRepository
	orders    *OrderRepository
	counters  *CounterRepository
	health    repositories.HealthRepository
	txOpts    []pfirestore.TxOption
}

var _ repositories.Registry = (*Registry)(nil)

// RegistryOption customises the registry.
type RegistryOption func(*Registry)

// WithHealthRepository attaches the readiness probe set.
func WithHealthRepository(health repositories.HealthRepository) RegistryOption {
	return func(r *Registry) {
		r.health = health
	}
}

// WithTransactionOptions applies options to every unit of work.
func WithTransactionOptions(opts ...pfirestore.TxOption) RegistryOption {
	return func(r *Registry) {
		r.txOpts = append(r.txOpts, opts...)
	}
}

// NewRegistry builds all Firestore repositories over one provider. The registry owns the
// provider and closes it in Close.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	customers, err := NewCustomerRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	reg := &Registry{
		provider:  provider,
		products:  products,
		customers: customers,
		orders:    orders,
		counters:  counters,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}
	return reg, nil
}

func (r *Registry) Products() repositories.ProductRepository   { return r.products }
func (r *Registry) Customers() repositories.CustomerRepository { return r.customers }
func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }
func (r *Registry) Counters() repositories.CounterRepository   { return r.counters }
func (r *Registry) Health() repositories.HealthRepository      { return r.health }

// RunInTx runs fn as a Firestore transaction; see pfirestore.Provider.RunInTx.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.provider.RunInTx(ctx, fn, r.txOpts...)
}

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}
