package domain

import "context"

// NotificationType classifies outbound user notifications.
type NotificationType string

const (
	NotifyTransaction NotificationType = "TRANSACTION"
	NotifySecurity    NotificationType = "SECURITY"
)

// Notification is an outbound message to a user. Delivery rails
// (email, SMS, push) live outside the core; the ledger only hands the
// payload off, fire-and-forget.
type Notification struct {
	UserID   string           `json:"userId"`
	Type     NotificationType `json:"type"`
	Title    string           `json:"title"`
	Message  string           `json:"message"`
	Channels []string         `json:"channels,omitempty"`
}

// Notifier dispatches notifications. Failures are logged by callers,
// never surfaced to the transaction initiator.
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
}
