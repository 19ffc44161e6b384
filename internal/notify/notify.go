// Package notify provides Notifier implementations. Actual delivery
// rails (email, SMS, push) consume the notification topic outside the
// core.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/opensource-finance/kite/internal/domain"
)

// BusNotifier publishes notifications to the event bus.
type BusNotifier struct {
	bus domain.EventBus
}

// NewBusNotifier creates a bus-backed notifier.
func NewBusNotifier(bus domain.EventBus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// Send publishes the notification to the notification topic.
func (n *BusNotifier) Send(ctx context.Context, notification *domain.Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return n.bus.Publish(ctx, domain.TopicNotification, payload)
}

// LogNotifier logs notifications instead of dispatching them. Used in
// tests and when no bus is configured.
type LogNotifier struct{}

// Send logs the notification.
func (LogNotifier) Send(ctx context.Context, notification *domain.Notification) error {
	slog.Info("notification",
		"user_id", notification.UserID,
		"type", notification.Type,
		"title", notification.Title,
	)
	return nil
}
