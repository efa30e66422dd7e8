package model

import (
	"time"
)

type NotificationCategory string

const (
	NotificationLowStock     NotificationCategory = "LOW_STOCK"
	NotificationPaymentDue   NotificationCategory = "PAYMENT_DUE"
	NotificationSubscription NotificationCategory = "SUBSCRIPTION"
	NotificationSystem       NotificationCategory = "SYSTEM"
)

type NotificationStatus string

const (
	NotificationStatusUnread NotificationStatus = "UNREAD"
	NotificationStatusRead   NotificationStatus = "READ"
)

// Notification is a user-facing message produced by backend triggers.
type Notification struct {
	ID        int64                `json:"id" db:"id"`
	ClientID  int64                `json:"client_id" db:"client_id"`
	Category  NotificationCategory `json:"type" db:"type"`
	Title     string               `json:"title" db:"title"`
	Message   string               `json:"message" db:"message"`
	Status    NotificationStatus   `json:"status" db:"status"`
	CreatedAt time.Time            `json:"created_at" db:"created_at"`
	ReadAt    *time.Time           `json:"read_at,omitempty" db:"read_at"`
}

func (n Notification) IsUnread() bool {
	return n.Status == NotificationStatusUnread
}

// NotificationReadEvent is the outbox payload recorded by mark-as-read.
type NotificationReadEvent struct {
	NotificationID int64     `json:"notification_id"`
	ClientID       int64     `json:"client_id"`
	ReadAt         time.Time `json:"read_at"`
}
