package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/crystal-atelier/api/internal/domain"
	"github.com/crystal-atelier/api/internal/repositories"
)

func seedProduct(id string, stock int) domain.Product {
	return domain.Product{
		ID:     id,
		Name:   domain.LocalizedText{EN: id},
		Price:  decimal.NewFromInt(10),
		Stock:  stock,
		Active: true,
	}
}

func TestRunInTxCommitsOnSuccess(t *testing.T) {
	store := NewStore(WithProducts(seedProduct("amethyst", 5)))
	ctx := context.Background()

	err := store.RunInTx(ctx, func(ctx context.Context) error {
		p, err := store.Products().FindByID(ctx, "amethyst")
		require.NoError(t, err)
		p.Stock = 4
		require.NoError(t, store.Products().Update(ctx, p))

		staged, err := store.Products().FindByID(ctx, "amethyst")
		require.NoError(t, err)
		assert.Equal(t, 4, staged.Stock, "reads inside the unit see its writes")

		committed, err := store.Products().FindByID(context.Background(), "amethyst")
		require.NoError(t, err)
		assert.Equal(t, 5, committed.Stock, "outside readers see committed state only")
		return nil
	})
	require.NoError(t, err)

	p, err := store.Products().FindByID(ctx, "amethyst")
	require.NoError(t, err)
	assert.Equal(t, 4, p.Stock)
}

func TestRunInTxDiscardsOnError(t *testing.T) {
	store := NewStore(WithProducts(seedProduct("amethyst", 5)))
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.RunInTx(ctx, func(ctx context.Context) error {
		p, _ := store.Products().FindByID(ctx, "amethyst")
		p.Stock = 0
		require.NoError(t, store.Products().Update(ctx, p))
		require.NoError(t, store.Orders().Insert(ctx, domain.Order{ID: "ord_1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := store.Products().FindByID(ctx, "amethyst")
	require.NoError(t, err)
	assert.Equal(t, 5, p.Stock)

	_, err = store.Orders().FindByID(ctx, "ord_1")
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())
}

func TestRunInTxNestedJoinsOuter(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.RunInTx(ctx, func(ctx context.Context) error {
		require.NoError(t, store.RunInTx(ctx, func(ctx context.Context) error {
			return store.Orders().Insert(ctx, domain.Order{ID: "ord_nested"})
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.Orders().FindByID(ctx, "ord_nested")
	require.Error(t, err, "inner writes roll back with the outer unit")
}

func TestRunInTxSerialisesConcurrentUnits(t *testing.T) {
	store := NewStore(WithProducts(seedProduct("citrine", 1)))
	ctx := context.Background()
	errSoldOut := errors.New("sold out")

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.RunInTx(ctx, func(ctx context.Context) error {
				p, err := store.Products().FindByID(ctx, "citrine")
				if err != nil {
					return err
				}
				if p.Stock < 1 {
					return errSoldOut
				}
				time.Sleep(5 * time.Millisecond)
				p.Stock--
				return store.Products().Update(ctx, p)
			})
		}()
	}
	wg.Wait()
	close(results)

	var ok, soldOut int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errSoldOut):
			soldOut++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, soldOut)
}

func TestInsertConflicts(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	guest := domain.Customer{Ref: domain.GuestCustomer("gst_1")}

	require.NoError(t, store.Customers().Insert(ctx, guest))
	err := store.Customers().Insert(ctx, guest)
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsConflict())

	_, err = store.Customers().FindByRef(ctx, domain.RegisteredCustomer("gst_1"))
	require.ErrorAs(t, err, &repoErr)
	assert.True(t, repoErr.IsNotFound())
}

func TestReturnedValuesAreCopies(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	order := domain.Order{ID: "ord_1", Timeline: []domain.TimelineEntry{{Status: domain.OrderStatusPending}}}
	require.NoError(t, store.Orders().Insert(ctx, order))

	loaded, err := store.Orders().FindByID(ctx, "ord_1")
	require.NoError(t, err)
	loaded.Timeline[0].Note = "mutated"

	again, err := store.Orders().FindByID(ctx, "ord_1")
	require.NoError(t, err)
	assert.Empty(t, again.Timeline[0].Note)
}

func TestOrderListFiltersAndPages(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	for i, id := range []string{"ord_a", "ord_b", "ord_c", "ord_d"} {
		email := "buyer@example.com"
		if id == "ord_c" {
			email = "other@example.com"
		}
		require.NoError(t, store.Orders().Insert(ctx, domain.Order{
			ID:        id,
			Status:    domain.OrderStatusPending,
			Contact:   domain.ContactInfo{Email: email},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	first, err := store.Orders().List(ctx, repositories.OrderListFilter{
		Email:      "buyer@example.com",
		Pagination: domain.Pagination{PageSize: 2},
	})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, "ord_d", first.Items[0].ID)
	assert.Equal(t, "ord_b", first.Items[1].ID)
	require.NotEmpty(t, first.NextPageToken)

	second, err := store.Orders().List(ctx, repositories.OrderListFilter{
		Email:      "buyer@example.com",
		Pagination: domain.Pagination{PageSize: 2, PageToken: first.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "ord_a", second.Items[0].ID)
	assert.Empty(t, second.NextPageToken)
}

func TestCounterNext(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	v1, err := store.Counters().Next(ctx, "orders:2025", 1)
	require.NoError(t, err)
	v2, err := store.Counters().Next(ctx, "orders:2025", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)
	assert.Equal(t, int64(2), v2)

	_, err = store.Counters().Next(ctx, "", 1)
	var counterErr *repositories.CounterError
	require.ErrorAs(t, err, &counterErr)
}

func TestClosedStoreRejectsWork(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Close(context.Background()))
	err := store.RunInTx(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}
