package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/crystal-atelier/api/internal/domain"
)

// NotificationDispatcherDeps bundles collaborators required to construct the dispatcher.
type NotificationDispatcherDeps struct {
	Renderer        NotificationRenderer
	Channel         NotificationChannel
	AdminRecipients []string
	DefaultLocale   string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type notificationDispatcher struct {
	renderer      NotificationRenderer
	channel       NotificationChannel
	admins        []string
	defaultLocale string
	logger        func(context.Context, string, map[string]any)
}

// NewNotificationDispatcher wires a renderer and a delivery channel into a NotificationDispatcher.
func NewNotificationDispatcher(deps NotificationDispatcherDeps) (NotificationDispatcher, error) {
	if deps.Renderer == nil {
		return nil, errors.New("notification dispatcher: renderer is required")
	}
	if deps.Channel == nil {
		return nil, errors.New("notification dispatcher: channel is required")
	}

	admins := make([]string, 0, len(deps.AdminRecipients))
	for _, recipient := range deps.AdminRecipients {
		if email := NormaliseEmail(recipient); email != "" {
			admins = append(admins, email)
		}
	}

	locale := strings.TrimSpace(deps.DefaultLocale)
	if locale == "" {
		locale = "en"
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	return &notificationDispatcher{
		renderer:      deps.Renderer,
		channel:       deps.Channel,
		admins:        admins,
		defaultLocale: locale,
		logger:        logger,
	}, nil
}

func (d *notificationDispatcher) Send(ctx context.Context, kind NotificationKind, order Order) error {
	recipients, err := d.recipients(kind, order)
	if err != nil {
		return &DispatchError{Kind: kind, OrderID: order.ID, Err: err}
	}

	if strings.TrimSpace(order.Locale) == "" {
		order.Locale = d.defaultLocale
	}

	notification, err := d.renderer.Render(ctx, kind, order)
	if err != nil {
		return &DispatchError{Kind: kind, OrderID: order.ID, Err: fmt.Errorf("render: %w", err)}
	}
	notification.Kind = kind
	notification.OrderID = order.ID
	notification.OrderNumber = order.OrderNumber
	notification.To = recipients

	if err := d.channel.Deliver(ctx, notification); err != nil {
		return &DispatchError{Kind: kind, OrderID: order.ID, Err: fmt.Errorf("deliver: %w", err)}
	}

	d.logger(ctx, "notification.dispatched", map[string]any{
		"kind":       string(kind),
		"order":      order.ID,
		"recipients": len(recipients),
	})
	return nil
}

func (d *notificationDispatcher) recipients(kind NotificationKind, order Order) ([]string, error) {
	switch kind {
	case domain.NotificationOrderConfirmation, domain.NotificationStatusUpdate:
		email := NormaliseEmail(order.Contact.Email)
		if email == "" {
			return nil, errors.New("order has no contact email")
		}
		return []string{email}, nil
	case domain.NotificationAdminNewOrder:
		if len(d.admins) == 0 {
			return nil, errors.New("no admin recipients configured")
		}
		return append([]string(nil), d.admins...), nil
	default:
		return nil, fmt.Errorf("unknown notification kind %q", kind)
	}
}
