package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jwalitptl/alerts-api/internal/model"
)

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func reminder(id int64, status model.ReminderStatus, due time.Time) model.PaymentReminder {
	return model.PaymentReminder{ID: id, Status: status, DueDate: due, Amount: 500, Currency: "USD"}
}

func ids(rs []model.PaymentReminder) []int64 {
	out := []int64{}
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func TestPartitionReminders(t *testing.T) {
	reminders := []model.PaymentReminder{
		reminder(1, model.ReminderStatusPending, now.Add(-24*time.Hour)),
		reminder(2, model.ReminderStatusPending, now.Add(24*time.Hour)),
		reminder(3, model.ReminderStatusPaid, now.Add(-24*time.Hour)),
		reminder(4, model.ReminderStatusPaid, now.Add(24*time.Hour)),
		reminder(5, model.ReminderStatusOverdue, now.Add(24*time.Hour)),
		reminder(6, model.ReminderStatusPending, now),
		reminder(7, model.ReminderStatusPending, now.Add(-time.Second)),
	}

	overdue, upcoming := PartitionReminders(reminders, now)

	assert.Equal(t, []int64{1, 5, 7}, ids(overdue))
	assert.Equal(t, []int64{2}, ids(upcoming))
}

func TestReminderBelongsToAtMostOneGroup(t *testing.T) {
	statuses := []model.ReminderStatus{model.ReminderStatusPending, model.ReminderStatusPaid, model.ReminderStatusOverdue}
	offsets := []time.Duration{-48 * time.Hour, -time.Nanosecond, 0, time.Nanosecond, 48 * time.Hour}

	for _, status := range statuses {
		for _, off := range offsets {
			r := reminder(1, status, now.Add(off))
			overdue, upcoming := IsOverdue(r, now), IsUpcoming(r, now)
			assert.False(t, overdue && upcoming, "%s %s", status, off)
			if status == model.ReminderStatusPaid {
				assert.False(t, overdue || upcoming, "paid reminder classified at %s", off)
			}
		}
	}
}

func TestMembershipChangesWithTime(t *testing.T) {
	r := reminder(1, model.ReminderStatusPending, now.Add(time.Hour))

	_, upcoming := PartitionReminders([]model.PaymentReminder{r}, now)
	assert.Len(t, upcoming, 1)

	overdue, upcoming := PartitionReminders([]model.PaymentReminder{r}, now.Add(2*time.Hour))
	assert.Len(t, overdue, 1)
	assert.Empty(t, upcoming)
}

func TestPartitionEmptyInput(t *testing.T) {
	overdue, upcoming := PartitionReminders(nil, now)
	assert.NotNil(t, overdue)
	assert.NotNil(t, upcoming)
	assert.Empty(t, overdue)
	assert.Empty(t, upcoming)
}

func TestFilterActiveStockAlerts(t *testing.T) {
	alerts := []model.StockAlert{
		{ID: 1, Status: model.StockAlertActive, CurrentQuantity: 3},
		{ID: 2, Status: model.StockAlertResolved, CurrentQuantity: 2},
		{ID: 3, Status: model.StockAlertActive, CurrentQuantity: 0},
	}

	active := FilterActiveStockAlerts(alerts)

	assert.Len(t, active, 2)
	for _, a := range alerts {
		assert.Equal(t, a.Status == model.StockAlertActive, containsAlert(active, a.ID))
	}
}

func containsAlert(alerts []model.StockAlert, id int64) bool {
	for _, a := range alerts {
		if a.ID == id {
			return true
		}
	}
	return false
}

func TestCountUnread(t *testing.T) {
	notifications := []model.Notification{
		{ID: 1, Status: model.NotificationStatusUnread},
		{ID: 2, Status: model.NotificationStatusRead},
	}
	assert.Equal(t, 1, CountUnread(notifications))
	assert.Len(t, UnreadNotifications(notifications), 1)

	notifications[0].Status = model.NotificationStatusRead
	assert.Equal(t, 0, CountUnread(notifications))
}

func TestLowStockProducts(t *testing.T) {
	products := []model.Product{{ID: 1, Quantity: 9}, {ID: 2, Quantity: 10}, {ID: 3, Quantity: 0}}
	low := LowStockProducts(products, 10)
	assert.Len(t, low, 2)
	assert.EqualValues(t, 1, low[0].ID)
	assert.EqualValues(t, 3, low[1].ID)
}

func TestSubscriptionExpiring(t *testing.T) {
	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}

	cases := []struct {
		name     string
		end      *time.Time
		expiring bool
		days     int
	}{
		{"no end date", nil, false, 0},
		{"in six and a half days", at(156 * time.Hour), true, 7},
		{"in exactly seven days", at(7 * 24 * time.Hour), true, 7},
		{"in seven days and an hour", at(7*24*time.Hour + time.Hour), false, 8},
		{"already ended", at(-72 * time.Hour), true, -3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expiring, days := SubscriptionExpiring(tc.end, now, 7)
			assert.Equal(t, tc.expiring, expiring)
			assert.Equal(t, tc.days, days)
		})
	}
}
