package docevent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// NotificationTable is the table name carried in every notification.
	NotificationTable = "DocumentEvent"
	// NotificationOperationInsert is the only operation the pump announces.
	NotificationOperationInsert = "insert"
	// NotificationChannelPrefix is the tenant-scoped channel prefix.
	NotificationChannelPrefix = "party_updated"
)

// Notification is the pointer-only payload announced when a snapshot row
// is ready for delivery. It never carries the document body: consumers
// must fetch and claim the row through the repository.
type Notification struct {
	TenantID      string `json:"tenantId"`
	Table         string `json:"table"`
	OperationType string `json:"operationType"`
	ID            string `json:"id"`
}

// NewNotification builds an insert notification for one snapshot row.
func NewNotification(tenantID, eventID string) Notification {
	return Notification{
		TenantID:      strings.TrimSpace(tenantID),
		Table:         NotificationTable,
		OperationType: NotificationOperationInsert,
		ID:            strings.TrimSpace(eventID),
	}
}

// Validate checks the notification is a usable pointer.
func (notification Notification) Validate() error {
	if notification.TenantID == "" {
		return fmt.Errorf("%w: missing tenant id", ErrNotificationMalformed)
	}

	if notification.ID == "" {
		return fmt.Errorf("%w: missing event id", ErrNotificationMalformed)
	}

	if notification.Table != NotificationTable {
		return fmt.Errorf("%w: unexpected table %q", ErrNotificationMalformed, notification.Table)
	}

	return nil
}

// NotificationChannel returns the tenant-scoped channel name.
func NotificationChannel(tenantID string) string {
	return NotificationChannelPrefix + ":" + strings.TrimSpace(tenantID)
}

// ParseNotification decodes and validates a raw notification payload.
func ParseNotification(payload []byte) (Notification, error) {
	var notification Notification

	if err := json.Unmarshal(payload, &notification); err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrNotificationMalformed, err)
	}

	if err := notification.Validate(); err != nil {
		return Notification{}, err
	}

	return notification, nil
}

// Notifier announces pointer notifications on a tenant-scoped channel.
// Delivery is best-effort: notifications may be dropped when no listener
// is subscribed, and the stale scan remains the correctness backstop.
type Notifier interface {
	Announce(ctx context.Context, notification Notification) error
}

// NotificationSource delivers notifications for one tenant channel.
// Listen blocks until ctx is done, invoking deliver for each
// notification received.
type NotificationSource interface {
	Listen(ctx context.Context, tenantID string, deliver func(context.Context, Notification)) error
}
