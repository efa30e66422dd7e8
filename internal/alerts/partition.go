// Package alerts derives the actionable subsets of a client's reminders,
// stock alerts and notifications.
package alerts

import (
	"math"
	"time"

	"github.com/jwalitptl/alerts-api/internal/model"
)

// IsOverdue reports whether r is overdue at now. A pending reminder due
// exactly at now is neither overdue nor upcoming.
func IsOverdue(r model.PaymentReminder, now time.Time) bool {
	if r.Status == model.ReminderStatusOverdue {
		return true
	}
	return r.Status == model.ReminderStatusPending && r.DueDate.Before(now)
}

func IsUpcoming(r model.PaymentReminder, now time.Time) bool {
	return r.Status == model.ReminderStatusPending && r.DueDate.After(now)
}

// PartitionReminders splits reminders into overdue and upcoming, keeping the
// input order inside each group.
func PartitionReminders(reminders []model.PaymentReminder, now time.Time) (overdue, upcoming []model.PaymentReminder) {
	overdue = []model.PaymentReminder{}
	upcoming = []model.PaymentReminder{}
	for _, r := range reminders {
		switch {
		case IsOverdue(r, now):
			overdue = append(overdue, r)
		case IsUpcoming(r, now):
			upcoming = append(upcoming, r)
		}
	}
	return overdue, upcoming
}

func FilterActiveStockAlerts(alerts []model.StockAlert) []model.StockAlert {
	active := []model.StockAlert{}
	for _, a := range alerts {
		if a.Status == model.StockAlertActive {
			active = append(active, a)
		}
	}
	return active
}

func CountUnread(notifications []model.Notification) int {
	n := 0
	for _, notification := range notifications {
		if notification.IsUnread() {
			n++
		}
	}
	return n
}

func UnreadNotifications(notifications []model.Notification) []model.Notification {
	unread := []model.Notification{}
	for _, n := range notifications {
		if n.IsUnread() {
			unread = append(unread, n)
		}
	}
	return unread
}

// LowStockProducts keeps the products whose quantity is below limit.
func LowStockProducts(products []model.Product, limit int) []model.Product {
	low := []model.Product{}
	for _, p := range products {
		if p.Quantity < limit {
			low = append(low, p)
		}
	}
	return low
}

// DaysUntil rounds the time left until end up to whole days. It is negative
// once end has passed by more than a day.
func DaysUntil(end, now time.Time) int {
	return int(math.Ceil(end.Sub(now).Hours() / 24))
}

// SubscriptionExpiring reports whether a subscription ending at end expires
// within windowDays of now. A client without an end date never expires.
func SubscriptionExpiring(end *time.Time, now time.Time, windowDays int) (bool, int) {
	if end == nil {
		return false, 0
	}
	days := DaysUntil(*end, now)
	return days <= windowDays, days
}
