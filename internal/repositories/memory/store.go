// Package memory provides an in-process implementation of repositories.Registry used for
// local development and tests. Units of work are fully serialised.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	domain "github.com/crystal-atelier/api/internal/domain"
	"github.com/crystal-atelier/api/internal/repositories"
)

// Error implements repositories.RepositoryError.
type Error struct {
	Op       string
	ID       string
	notFound bool
	conflict bool
}

func (e *Error) Error() string {
	switch {
	case e.notFound:
		return fmt.Sprintf("%s: %s not found", e.Op, e.ID)
	case e.conflict:
		return fmt.Sprintf("%s: %s already exists", e.Op, e.ID)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.ID)
	}
}

func (e *Error) IsNotFound() bool    { return e.notFound }
func (e *Error) IsConflict() bool    { return e.conflict }
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, id string) error { return &Error{Op: op, ID: id, notFound: true} }
func conflict(op, id string) error { return &Error{Op: op, ID: id, conflict: true} }

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memory: store is closed")

// Store keeps committed state in maps guarded by mu. A unit of work holds txMu for its whole
// duration and buffers writes in an overlay that is applied on success.
type Store struct {
	txMu sync.Mutex

	mu        sync.RWMutex
	closed    bool
	products  map[string]domain.Product
	customers map[domain.CustomerRef]domain.Customer
	orders    map[string]domain.Order
	counters  map[string]int64

	health repositories.HealthRepository
}

var _ repositories.Registry = (*Store)(nil)

// Option customises the store.
type Option func(*Store)

// WithProducts seeds the catalogue.
func WithProducts(products ...domain.Product) Option {
	return func(s *Store) {
		for _, p := range products {
			s.products[p.ID] = cloneProduct(p)
		}
	}
}

// WithCustomers seeds customers.
func WithCustomers(customers ...domain.Customer) Option {
	return func(s *Store) {
		for _, c := range customers {
			s.customers[c.Ref] = cloneCustomer(c)
		}
	}
}

// WithHealthRepository attaches readiness probes.
func WithHealthRepository(health repositories.HealthRepository) Option {
	return func(s *Store) {
		s.health = health
	}
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		products:  make(map[string]domain.Product),
		customers: make(map[domain.CustomerRef]domain.Customer),
		orders:    make(map[string]domain.Order),
		counters:  make(map[string]int64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) Products() repositories.ProductRepository   { return productRepo{s} }
func (s *Store) Customers() repositories.CustomerRepository { return customerRepo{s} }
func (s *Store) Orders() repositories.OrderRepository       { return orderRepo{s} }
func (s *Store) Counters() repositories.CounterRepository   { return counterRepo{s} }
func (s *Store) Health() repositories.HealthRepository      { return s.health }

// Close marks the store unusable.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type overlayKey struct{}

type overlay struct {
	store     *Store
	products  map[string]domain.Product
	customers map[domain.CustomerRef]domain.Customer
	orders    map[string]domain.Order
}

func activeOverlay(ctx context.Context, s *Store) *overlay {
	if ctx == nil {
		return nil
	}
	ov, ok := ctx.Value(overlayKey{}).(*overlay)
	if !ok || ov.store != s {
		return nil
	}
	return ov
}

// RunInTx runs fn with exclusive access to the store. Writes made through the context are
// applied only when fn returns nil. Nested calls join the outer unit of work.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if activeOverlay(ctx, s) != nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	ov := &overlay{
		store:     s,
		products:  make(map[string]domain.Product),
		customers: make(map[domain.CustomerRef]domain.Customer),
		orders:    make(map[string]domain.Order),
	}
	if err := fn(context.WithValue(ctx, overlayKey{}, ov)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range ov.products {
		s.products[id] = p
	}
	for ref, c := range ov.customers {
		s.customers[ref] = c
	}
	for id, o := range ov.orders {
		s.orders[id] = o
	}
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// write applies a single mutation. Outside a unit of work it runs as its own unit.
func (s *Store) write(ctx context.Context, apply func(ov *overlay) error) error {
	if ov := activeOverlay(ctx, s); ov != nil {
		return apply(ov)
	}
	return s.RunInTx(ctx, func(ctx context.Context) error {
		return apply(activeOverlay(ctx, s))
	})
}
