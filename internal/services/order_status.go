package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/crystal-atelier/api/internal/domain"
)

const maxTimelineNoteLength = 500

var orderStateTransitions = map[OrderStatus][]OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusCompleted, domain.OrderStatusCancelled},
}

var defaultStatusNotes = map[OrderStatus]string{
	domain.OrderStatusPending:    "Order placed",
	domain.OrderStatusProcessing: "Order is being prepared",
	domain.OrderStatusCompleted:  "Order completed",
	domain.OrderStatusCancelled:  "Order cancelled",
}

var timelineNotePolicy = bluemonday.StrictPolicy()

// TransitionStatus moves an order along the lifecycle and appends a timeline entry. Changes for
// the same order are applied one at a time.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, invalidField("orderId", "is required")
	}
	target := OrderStatus(strings.ToLower(strings.TrimSpace(cmd.TargetStatus)))
	if !isKnownStatus(target) {
		return Order{}, fmt.Errorf("%w: %q", ErrInvalidStatus, cmd.TargetStatus)
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	actor := strings.TrimSpace(cmd.ActorID)
	note := timelineNote(cmd.Note, target)

	var (
		updated    Order
		prevStatus OrderStatus
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
			return fmt.Errorf("%w: expected status %q but was %q", ErrOrderConflict, *cmd.ExpectedStatus, order.Status)
		}
		if !canTransition(order.Status, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, target)
		}

		now := s.now()
		prevStatus = order.Status
		order.Status = target
		order.Timeline = append(order.Timeline, TimelineEntry{
			Status: target,
			At:     now,
			Note:   note,
		})
		order.Version++
		order.UpdatedAt = now

		if target == domain.OrderStatusCancelled {
			for _, item := range order.Items {
				if err := s.inventory.Credit(txCtx, item.ProductID, item.Quantity, order.ID); err != nil {
					return err
				}
			}
		}

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.metrics.StatusTransitioned(ctx, prevStatus, updated.Status)
	s.logger(ctx, orderEventStatusChanged, map[string]any{
		"orderId":        updated.ID,
		"previousStatus": string(prevStatus),
		"status":         string(updated.Status),
		"actor":          actor,
		"version":        updated.Version,
	})

	s.dispatch(ctx, domain.NotificationStatusUpdate, updated)

	return updated, nil
}

func canTransition(current, target OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func isKnownStatus(status OrderStatus) bool {
	_, ok := defaultStatusNotes[status]
	return ok
}

// timelineNote strips markup from the caller's note and falls back to the status default.
func timelineNote(raw string, status OrderStatus) string {
	note := strings.TrimSpace(timelineNotePolicy.Sanitize(raw))
	if note == "" {
		return defaultStatusNotes[status]
	}
	if runes := []rune(note); len(runes) > maxTimelineNoteLength {
		note = string(runes[:maxTimelineNoteLength])
	}
	return note
}

// keyedMutex hands out one lock per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyedLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
