package memory

import (
	"context"
	"sort"
	"strings"

	domain "github.com/crystal-atelier/api/internal/domain"
	"github.com/crystal-atelier/api/internal/platform/pagination"
	"github.com/crystal-atelier/api/internal/repositories"
)

type productRepo struct{ s *Store }

func (r productRepo) Insert(ctx context.Context, product domain.Product) error {
	return r.s.write(ctx, func(ov *overlay) error {
		if _, exists := r.lookup(ov, product.ID); exists {
			return conflict("products.insert", product.ID)
		}
		ov.products[product.ID] = cloneProduct(product)
		return nil
	})
}

func (r productRepo) Update(ctx context.Context, product domain.Product) error {
	return r.s.write(ctx, func(ov *overlay) error {
		ov.products[product.ID] = cloneProduct(product)
		return nil
	})
}

func (r productRepo) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if err := r.s.checkOpen(); err != nil {
		return domain.Product{}, err
	}
	product, ok := r.lookup(activeOverlay(ctx, r.s), productID)
	if !ok {
		return domain.Product{}, notFound("products.get", productID)
	}
	return cloneProduct(product), nil
}

func (r productRepo) lookup(ov *overlay, id string) (domain.Product, bool) {
	if ov != nil {
		if p, ok := ov.products[id]; ok {
			return p, true
		}
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.products[id]
	return p, ok
}

type customerRepo struct{ s *Store }

func (r customerRepo) Insert(ctx context.Context, customer domain.Customer) error {
	return r.s.write(ctx, func(ov *overlay) error {
		if _, exists := r.lookup(ov, customer.Ref); exists {
			return conflict("customers.insert", customer.Ref.String())
		}
		ov.customers[customer.Ref] = cloneCustomer(customer)
		return nil
	})
}

func (r customerRepo) Update(ctx context.Context, customer domain.Customer) error {
	return r.s.write(ctx, func(ov *overlay) error {
		ov.customers[customer.Ref] = cloneCustomer(customer)
		return nil
	})
}

func (r customerRepo) FindByRef(ctx context.Context, ref domain.CustomerRef) (domain.Customer, error) {
	if err := r.s.checkOpen(); err != nil {
		return domain.Customer{}, err
	}
	customer, ok := r.lookup(activeOverlay(ctx, r.s), ref)
	if !ok {
		return domain.Customer{}, notFound("customers.get", ref.String())
	}
	return cloneCustomer(customer), nil
}

func (r customerRepo) lookup(ov *overlay, ref domain.CustomerRef) (domain.Customer, bool) {
	if ov != nil {
		if c, ok := ov.customers[ref]; ok {
			return c, true
		}
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.customers[ref]
	return c, ok
}

type orderRepo struct{ s *Store }

func (r orderRepo) Insert(ctx context.Context, order domain.Order) error {
	return r.s.write(ctx, func(ov *overlay) error {
		if _, exists := r.lookup(ov, order.ID); exists {
			return conflict("orders.insert", order.ID)
		}
		ov.orders[order.ID] = cloneOrder(order)
		return nil
	})
}

func (r orderRepo) Update(ctx context.Context, order domain.Order) error {
	return r.s.write(ctx, func(ov *overlay) error {
		ov.orders[order.ID] = cloneOrder(order)
		return nil
	})
}

func (r orderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if err := r.s.checkOpen(); err != nil {
		return domain.Order{}, err
	}
	order, ok := r.lookup(activeOverlay(ctx, r.s), orderID)
	if !ok {
		return domain.Order{}, notFound("orders.get", orderID)
	}
	return cloneOrder(order), nil
}

func (r orderRepo) lookup(ov *overlay, id string) (domain.Order, bool) {
	if ov != nil {
		if o, ok := ov.orders[id]; ok {
			return o, true
		}
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	o, ok := r.s.orders[id]
	return o, ok
}

// List reads committed orders only, newest first.
func (r orderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if err := r.s.checkOpen(); err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}

	statuses := make(map[domain.OrderStatus]struct{}, len(filter.Status))
	for _, s := range filter.Status {
		statuses[s] = struct{}{}
	}
	email := strings.TrimSpace(filter.Email)

	r.s.mu.RLock()
	matched := make([]domain.Order, 0)
	for _, o := range r.s.orders {
		if email != "" && o.Contact.Email != email {
			continue
		}
		if filter.Customer != nil && o.Customer != *filter.Customer {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[o.Status]; !ok {
				continue
			}
		}
		if !cursor.Before(o.CreatedAt, o.ID) {
			continue
		}
		matched = append(matched, o)
	}
	r.s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	page := domain.CursorPage[domain.Order]{}
	if len(matched) > pageSize {
		last := matched[pageSize-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
		matched = matched[:pageSize]
	}
	page.Items = make([]domain.Order, 0, len(matched))
	for _, o := range matched {
		page.Items = append(page.Items, cloneOrder(o))
	}
	return page, nil
}

type counterRepo struct{ s *Store }

func (r counterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" || step <= 0 {
		return 0, repositories.NewCounterError(id, repositories.CounterErrorInvalidInput, "counter id and positive step are required")
	}
	if err := r.s.checkOpen(); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.counters[id] += step
	return r.s.counters[id], nil
}
