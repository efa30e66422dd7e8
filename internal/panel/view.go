// Package panel turns the alert aggregate into the floating panel shown on
// the dashboard.
package panel

import (
	"fmt"
	"sort"
	"time"

	"github.com/jwalitptl/alerts-api/internal/alerts"
	"github.com/jwalitptl/alerts-api/internal/model"
)

type State string

const (
	StateHidden  State = "hidden"
	StateVisible State = "visible"
)

type SectionKind string

// Sections always appear in this order.
const (
	SectionOverdue       SectionKind = "overdue_reminders"
	SectionUpcoming      SectionKind = "upcoming_reminders"
	SectionStockAlerts   SectionKind = "stock_alerts"
	SectionNotifications SectionKind = "notifications"
)

var sectionOrder = []SectionKind{SectionOverdue, SectionUpcoming, SectionStockAlerts, SectionNotifications}

type ItemKind string

const (
	ItemReminder     ItemKind = "reminder"
	ItemStockAlert   ItemKind = "stock_alert"
	ItemNotification ItemKind = "notification"
	ItemAlert        ItemKind = "alert"
)

type Item struct {
	ID      int64    `json:"id"`
	Kind    ItemKind `json:"kind"`
	Title   string   `json:"title,omitempty"`
	Message string   `json:"message"`
	Detail  string   `json:"detail,omitempty"`
	Unread  bool     `json:"unread,omitempty"`
	// MarkReadable items are marked as read when clicked.
	MarkReadable bool `json:"mark_readable,omitempty"`
}

type Section struct {
	Kind  SectionKind `json:"kind"`
	Items []Item      `json:"items"`
}

type View struct {
	State       State             `json:"state"`
	UnreadCount int               `json:"unread_count"`
	Sections    []Section         `json:"sections,omitempty"`
	Errors      map[string]string `json:"errors,omitempty"`
	GeneratedAt time.Time         `json:"generated_at"`
}

func (v View) Visible() bool {
	return v.State == StateVisible
}

// Section returns the section of the given kind, or an empty one.
func (v View) Section(kind SectionKind) Section {
	for _, s := range v.Sections {
		if s.Kind == kind {
			return s
		}
	}
	return Section{Kind: kind, Items: []Item{}}
}

// Build lays out snap. A hidden view has no sections.
func Build(snap alerts.Snapshot, f *Formatter) View {
	view := View{
		State:       StateHidden,
		UnreadCount: snap.UnreadCount,
		GeneratedAt: snap.At,
	}
	if len(snap.Errors) > 0 {
		view.Errors = make(map[string]string, len(snap.Errors))
		for key, err := range snap.Errors {
			view.Errors[key] = err.Error()
		}
	}
	if !snap.Actionable() {
		return view
	}

	view.State = StateVisible
	items := map[SectionKind][]Item{
		SectionOverdue:       reminderItems(snap.Overdue, "Overdue payment", f),
		SectionUpcoming:      reminderItems(snap.Upcoming, "Upcoming payment", f),
		SectionStockAlerts:   stockItems(snap.ActiveAlerts),
		SectionNotifications: append(notificationItems(snap.Notifications, f), alertItems(snap.Realtime, f)...),
	}
	for _, kind := range sectionOrder {
		view.Sections = append(view.Sections, Section{Kind: kind, Items: items[kind]})
	}
	return view
}

func reminderItems(reminders []model.PaymentReminder, title string, f *Formatter) []Item {
	items := make([]Item, 0, len(reminders))
	for _, r := range reminders {
		items = append(items, Item{
			ID:      r.ID,
			Kind:    ItemReminder,
			Title:   title,
			Message: f.Amount(r.Amount, r.Currency),
			Detail:  "Due " + f.Date(r.DueDate),
		})
	}
	return items
}

func stockItems(stock []model.StockAlert) []Item {
	items := make([]Item, 0, len(stock))
	for _, a := range stock {
		items = append(items, Item{
			ID:      a.ID,
			Kind:    ItemStockAlert,
			Message: fmt.Sprintf("Product %q is running low", a.ProductName),
			Detail:  fmt.Sprintf("Remaining quantity: %d", a.CurrentQuantity),
		})
	}
	return items
}

func notificationItems(notifications []model.Notification, f *Formatter) []Item {
	items := make([]Item, 0, len(notifications))
	for _, n := range notifications {
		items = append(items, Item{
			ID:           n.ID,
			Kind:         ItemNotification,
			Title:        n.Title,
			Message:      n.Message,
			Detail:       f.Age(n.CreatedAt),
			Unread:       n.IsUnread(),
			MarkReadable: true,
		})
	}
	return items
}

func alertItems(rows []model.Alert, f *Formatter) []Item {
	items := make([]Item, 0, len(rows))
	for _, a := range rows {
		items = append(items, Item{
			ID:      a.ID,
			Kind:    ItemAlert,
			Title:   a.Type,
			Message: a.Message,
			Detail:  f.Age(a.CreatedAt),
			Unread:  !a.IsRead,
		})
	}
	return items
}

// ErrorKeys lists the failed categories in a stable order.
func (v View) ErrorKeys() []string {
	keys := make([]string, 0, len(v.Errors))
	for k := range v.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
