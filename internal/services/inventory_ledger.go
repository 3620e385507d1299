package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/crystal-atelier/api/internal/domain"
	"github.com/crystal-atelier/api/internal/repositories"
)

const (
	eventInventoryDebit  = "inventory.debit"
	eventInventoryCredit = "inventory.credit"
)

// InventoryLedgerDeps bundles the collaborators required to construct an inventory ledger.
type InventoryLedgerDeps struct {
	Products   repositories.ProductRepository
	UnitOfWork repositories.UnitOfWork
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type inventoryLedger struct {
	products   repositories.ProductRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// NewInventoryLedger wires dependencies into a concrete InventoryLedger implementation.
func NewInventoryLedger(deps InventoryLedgerDeps) (InventoryLedger, error) {
	if deps.Products == nil {
		return nil, errors.New("inventory ledger: product repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &inventoryLedger{
		products:   deps.Products,
		unitOfWork: unit,
		clock:      utcClock(deps.Clock),
		logger:     logger,
	}, nil
}

// ReserveAndDebit removes quantity units from the product's stock and records the sale.
// Either every change is applied or none is.
func (l *inventoryLedger) ReserveAndDebit(ctx context.Context, productID string, quantity int, orderID string) (DebitResult, error) {
	productID = strings.TrimSpace(productID)
	if err := validateLedgerInput(productID, quantity); err != nil {
		return DebitResult{}, err
	}

	var result DebitResult
	err := l.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		product, err := l.load(txCtx, productID, quantity)
		if err != nil {
			return err
		}
		if product.Stock < quantity {
			return &StockError{
				ProductID: productID,
				Requested: quantity,
				Available: product.Stock,
				Err:       ErrInsufficientStock,
			}
		}

		now := l.clock()
		product.Stock -= quantity
		product.Sales += quantity
		product.SalesHistory = append(product.SalesHistory, domain.SaleRecord{
			Quantity: quantity,
			OrderID:  orderID,
			At:       now,
		})
		product.UpdatedAt = now

		if err := l.products.Update(txCtx, product); err != nil {
			return l.mapRepositoryError(productID, err)
		}

		result = DebitResult{
			ProductID:      product.ID,
			Quantity:       quantity,
			Name:           product.Name,
			UnitPrice:      product.Price,
			ImageURL:       product.ImageURL,
			RemainingStock: product.Stock,
		}
		return nil
	})
	if err != nil {
		return DebitResult{}, err
	}

	l.logger(ctx, eventInventoryDebit, map[string]any{
		"productId": productID,
		"orderId":   orderID,
		"quantity":  quantity,
		"remaining": result.RemainingStock,
	})
	return result, nil
}

// Credit returns stock taken by an order. A compensating history entry with a negative quantity
// keeps sales equal to the sum of the history.
func (l *inventoryLedger) Credit(ctx context.Context, productID string, quantity int, orderID string) error {
	productID = strings.TrimSpace(productID)
	if err := validateLedgerInput(productID, quantity); err != nil {
		return err
	}

	err := l.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		product, err := l.products.FindByID(txCtx, productID)
		if err != nil {
			return l.mapRepositoryError(productID, err)
		}

		now := l.clock()
		product.Stock += quantity
		product.Sales -= quantity
		product.SalesHistory = append(product.SalesHistory, domain.SaleRecord{
			Quantity: -quantity,
			OrderID:  orderID,
			At:       now,
		})
		product.UpdatedAt = now

		if err := l.products.Update(txCtx, product); err != nil {
			return l.mapRepositoryError(productID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.logger(ctx, eventInventoryCredit, map[string]any{
		"productId": productID,
		"orderId":   orderID,
		"quantity":  quantity,
	})
	return nil
}

// load reads the product for a debit. Inactive products are not for sale.
func (l *inventoryLedger) load(ctx context.Context, productID string, quantity int) (domain.Product, error) {
	product, err := l.products.FindByID(ctx, productID)
	if err != nil {
		return domain.Product{}, l.mapRepositoryError(productID, err)
	}
	if !product.Active {
		return domain.Product{}, &StockError{ProductID: productID, Requested: quantity, Err: ErrProductNotFound}
	}
	return product, nil
}

func (l *inventoryLedger) mapRepositoryError(productID string, err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return &StockError{ProductID: productID, Err: ErrProductNotFound}
		case repoErr.IsUnavailable():
			return fmt.Errorf("inventory: repository unavailable: %w", err)
		}
	}

	return err
}

func validateLedgerInput(productID string, quantity int) error {
	if productID == "" {
		return invalidField("productId", "is required")
	}
	if quantity <= 0 {
		return invalidField("quantity", "must be positive")
	}
	return nil
}
