// Package jobs hands rendered order notifications to the mail worker.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	domain "github.com/crystal-atelier/api/internal/domain"
)

const defaultPublishTimeout = 10 * time.Second

// NotificationMessage is the JSON payload read by the mail worker.
type NotificationMessage struct {
	Kind        string    `json:"kind"`
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber"`
	Locale      string    `json:"locale"`
	To          []string  `json:"to"`
	Subject     string    `json:"subject"`
	TextBody    string    `json:"textBody"`
	HTMLBody    string    `json:"htmlBody"`
	CreatedAt   time.Time `json:"createdAt"`
}

func newNotificationMessage(n domain.Notification) NotificationMessage {
	return NotificationMessage{
		Kind:        string(n.Kind),
		OrderID:     n.OrderID,
		OrderNumber: n.OrderNumber,
		Locale:      n.Locale,
		To:          append([]string(nil), n.To...),
		Subject:     n.Subject,
		TextBody:    n.TextBody,
		HTMLBody:    n.HTMLBody,
		CreatedAt:   n.CreatedAt.UTC(),
	}
}

// PubSubNotificationPublisher delivers notifications by publishing them to a Pub/Sub topic.
type PubSubNotificationPublisher struct {
	topic   *pubsub.Topic
	timeout time.Duration
	marshal func(any) ([]byte, error)
}

// NewPubSubNotificationPublisher constructs the publisher. A non-positive timeout selects the
// default of ten seconds.
func NewPubSubNotificationPublisher(topic *pubsub.Topic, timeout time.Duration) (*PubSubNotificationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub notification publisher: topic is required")
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &PubSubNotificationPublisher{topic: topic, timeout: timeout, marshal: json.Marshal}, nil
}

// Deliver publishes the notification and waits for the server acknowledgement.
func (p *PubSubNotificationPublisher) Deliver(ctx context.Context, notification domain.Notification) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub notification publisher: not initialised")
	}
	if len(notification.To) == 0 {
		return errors.New("pubsub notification publisher: notification has no recipients")
	}

	data, err := p.marshal(newNotificationMessage(notification))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "kind", string(notification.Kind))
	setAttr(attrs, "orderId", notification.OrderID)
	setAttr(attrs, "locale", notification.Locale)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// LogNotificationChannel writes notifications to the log instead of sending them. It is used
// when no topic is configured.
type LogNotificationChannel struct {
	logger *zap.Logger
}

// NewLogNotificationChannel constructs the channel.
func NewLogNotificationChannel(logger *zap.Logger) *LogNotificationChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotificationChannel{logger: logger}
}

func (c *LogNotificationChannel) Deliver(_ context.Context, notification domain.Notification) error {
	c.logger.Info("notification not sent, no topic configured",
		zap.String("kind", string(notification.Kind)),
		zap.String("order_id", notification.OrderID),
		zap.String("order_number", notification.OrderNumber),
		zap.String("locale", notification.Locale),
		zap.Int("recipients", len(notification.To)),
		zap.String("subject", notification.Subject),
		zap.String("text_body", notification.TextBody),
	)
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
