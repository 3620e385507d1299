package services

import (
	"errors"
	"fmt"

	domain "github.com/crystal-atelier/api/internal/domain"
)

var (
	// ErrInvalidRequest signals the caller provided invalid data. The offending field is carried
	// by a *ValidationError.
	ErrInvalidRequest = errors.New("order: invalid request")
	// ErrInsufficientStock indicates a product cannot cover the requested quantity.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrProductNotFound indicates the product does not exist or is not for sale.
	ErrProductNotFound = errors.New("inventory: product not found")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrCustomerNotFound indicates the referenced customer record is missing.
	ErrCustomerNotFound = errors.New("customer: not found")
	// ErrInvalidStatus indicates an unknown status or a status change that is not allowed.
	ErrInvalidStatus = errors.New("order: invalid status")
	// ErrInvalidTransition is the ErrInvalidStatus case where the status is known but the move is not allowed.
	ErrInvalidTransition = fmt.Errorf("%w: transition not allowed", ErrInvalidStatus)
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderCreationFailed wraps unexpected failures while placing an order.
	ErrOrderCreationFailed = errors.New("order: creation failed")
	// ErrDispatchFailed indicates a notification could not be rendered or delivered.
	ErrDispatchFailed = errors.New("notification: dispatch failed")
)

// ValidationError names the request field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s is invalid", ErrInvalidRequest, e.Field)
	}
	return fmt.Sprintf("%s: %s %s", ErrInvalidRequest, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

func invalidField(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// StockError carries the product and quantities behind ErrInsufficientStock or ErrProductNotFound.
type StockError struct {
	ProductID string
	Requested int
	Available int
	Err       error
}

func (e *StockError) Error() string {
	if errors.Is(e.Err, ErrProductNotFound) {
		return fmt.Sprintf("%s: %s", e.Err, e.ProductID)
	}
	return fmt.Sprintf("%s: product %s requested %d available %d", e.Err, e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error {
	return e.Err
}

// DispatchError reports a failed notification send.
type DispatchError struct {
	Kind    domain.NotificationKind
	OrderID string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %s for order %s: %v", ErrDispatchFailed, e.Kind, e.OrderID, e.Err)
}

// Unwrap exposes both ErrDispatchFailed and the underlying cause.
func (e *DispatchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDispatchFailed}
	}
	return []error{ErrDispatchFailed, e.Err}
}

// isOrderDomainError reports whether err already carries one of the typed outcomes callers act on.
func isOrderDomainError(err error) bool {
	for _, target := range []error{
		ErrInvalidRequest,
		ErrInsufficientStock,
		ErrProductNotFound,
		ErrCustomerNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
