package panel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/alerts-api/internal/alerts"
	"github.com/jwalitptl/alerts-api/internal/model"
	apperrors "github.com/jwalitptl/alerts-api/pkg/errors"
)

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func formatter() *Formatter {
	return NewFormatter("en", func() time.Time { return now })
}

func snapshot(mutate func(*alerts.Snapshot)) alerts.Snapshot {
	s := alerts.Snapshot{At: now, Errors: map[string]error{}}
	if mutate != nil {
		mutate(&s)
	}
	s.Overdue, s.Upcoming = alerts.PartitionReminders(s.Reminders, now)
	s.ActiveAlerts = alerts.FilterActiveStockAlerts(s.StockAlerts)
	s.UnreadCount = alerts.CountUnread(s.Notifications)
	return s
}

func kinds(v View) []SectionKind {
	out := []SectionKind{}
	for _, s := range v.Sections {
		out = append(out, s.Kind)
	}
	return out
}

func TestBuildHiddenWithoutActionableItems(t *testing.T) {
	view := Build(snapshot(func(s *alerts.Snapshot) {
		s.Notifications = []model.Notification{{ID: 2, Status: model.NotificationStatusRead}}
		s.StockAlerts = []model.StockAlert{{ID: 1, Status: model.StockAlertResolved, CurrentQuantity: 2}}
		s.Reminders = []model.PaymentReminder{{ID: 1, Status: model.ReminderStatusPaid, DueDate: now.Add(-time.Hour)}}
	}), formatter())

	assert.Equal(t, StateHidden, view.State)
	assert.Empty(t, view.Sections)
}

func TestBuildVisibleForAnySingleCategory(t *testing.T) {
	cases := map[string]func(*alerts.Snapshot){
		"unread notification": func(s *alerts.Snapshot) {
			s.Notifications = []model.Notification{{ID: 1, Status: model.NotificationStatusUnread}}
		},
		"overdue reminder": func(s *alerts.Snapshot) {
			s.Reminders = []model.PaymentReminder{{ID: 1, Status: model.ReminderStatusOverdue, DueDate: now.Add(time.Hour)}}
		},
		"upcoming reminder": func(s *alerts.Snapshot) {
			s.Reminders = []model.PaymentReminder{{ID: 1, Status: model.ReminderStatusPending, DueDate: now.Add(time.Hour)}}
		},
		"active stock alert": func(s *alerts.Snapshot) {
			s.StockAlerts = []model.StockAlert{{ID: 1, Status: model.StockAlertActive}}
		},
		"realtime alert": func(s *alerts.Snapshot) {
			s.Realtime = []model.Alert{{ID: 1, Message: "new"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			view := Build(snapshot(mutate), formatter())
			assert.True(t, view.Visible())
			assert.Equal(t, sectionOrder, kinds(view))
		})
	}
}

func TestBuildOverdueReminderScenario(t *testing.T) {
	view := Build(snapshot(func(s *alerts.Snapshot) {
		s.Reminders = []model.PaymentReminder{{
			ID: 1, Status: model.ReminderStatusPending, DueDate: now.Add(-24 * time.Hour), Amount: 500, Currency: "USD",
		}}
	}), formatter())

	require.True(t, view.Visible())
	overdue := view.Section(SectionOverdue).Items
	require.Len(t, overdue, 1)
	assert.Equal(t, "500.00 USD", overdue[0].Message)
	assert.Equal(t, "Due 09/05/2026", overdue[0].Detail)
	assert.Empty(t, view.Section(SectionUpcoming).Items)
}

func TestBuildNotificationSection(t *testing.T) {
	view := Build(snapshot(func(s *alerts.Snapshot) {
		s.Notifications = []model.Notification{
			{ID: 1, Title: "Low stock", Status: model.NotificationStatusUnread, CreatedAt: now.Add(-3 * time.Hour)},
			{ID: 2, Title: "Welcome", Status: model.NotificationStatusRead, CreatedAt: now.Add(-48 * time.Hour)},
		}
		s.Realtime = []model.Alert{{ID: 30, Type: "SYSTEM", Message: "pushed"}}
		s.StockAlerts = []model.StockAlert{{ID: 4, ProductName: "Flour", CurrentQuantity: 2, Status: model.StockAlertActive}}
	}), formatter())

	assert.Equal(t, 1, view.UnreadCount)
	items := view.Section(SectionNotifications).Items
	require.Len(t, items, 3)
	assert.Equal(t, []int64{1, 2, 30}, []int64{items[0].ID, items[1].ID, items[2].ID})
	assert.True(t, items[0].Unread)
	assert.True(t, items[0].MarkReadable)
	assert.Equal(t, "3 hours ago", items[0].Detail)
	assert.False(t, items[1].Unread)
	assert.Equal(t, ItemAlert, items[2].Kind)
	assert.False(t, items[2].MarkReadable)

	stock := view.Section(SectionStockAlerts).Items
	require.Len(t, stock, 1)
	assert.Equal(t, `Product "Flour" is running low`, stock[0].Message)
	assert.Equal(t, "Remaining quantity: 2", stock[0].Detail)
}

func TestBuildReportsErrors(t *testing.T) {
	view := Build(snapshot(func(s *alerts.Snapshot) {
		s.Errors[model.QueryStockAlerts] = apperrors.NewFetch(model.QueryStockAlerts, errors.New("timeout"))
	}), formatter())

	assert.Equal(t, StateHidden, view.State)
	assert.Equal(t, []string{model.QueryStockAlerts}, view.ErrorKeys())
	assert.Contains(t, view.Errors[model.QueryStockAlerts], "fetch stock-alerts failed")
}

func TestFormatter(t *testing.T) {
	f := formatter()
	assert.Equal(t, "1,250.00 USD", f.Amount(1250, "USD"))
	assert.Equal(t, "31/12/2025", f.Date(time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)))
	assert.Equal(t, "", f.Age(time.Time{}))

	fallback := NewFormatter("!!", nil)
	assert.Equal(t, "3.50 EUR", fallback.Amount(3.5, "EUR"))
}

type fakeSource struct {
	mu   sync.Mutex
	snap alerts.Snapshot
	subs []func(alerts.Snapshot)
}

func (f *fakeSource) Snapshot() alerts.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSource) Subscribe(fn func(alerts.Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {
		f.mu.Lock()
		f.subs = nil
		f.mu.Unlock()
	}
}

func (f *fakeSource) publish(s alerts.Snapshot) {
	f.mu.Lock()
	f.snap = s
	subs := append([]func(alerts.Snapshot){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func TestPanelShowsWhenRealtimeAlertArrives(t *testing.T) {
	src := &fakeSource{snap: snapshot(nil)}
	p := New(src, formatter(), nil, nil)
	defer p.Close()
	require.Equal(t, StateHidden, p.Current().State)

	var pushed []View
	p.Subscribe(func(v View) { pushed = append(pushed, v) })

	src.publish(snapshot(func(s *alerts.Snapshot) {
		s.Realtime = []model.Alert{{ID: 1, ClientID: 7, Message: "Stock of Flour is low"}}
	}))

	require.Len(t, pushed, 1)
	assert.Equal(t, StateVisible, pushed[0].State)
	assert.Equal(t, StateVisible, p.Current().State)
	assert.Len(t, pushed[0].Section(SectionNotifications).Items, 1)
}

func TestPanelHidesWhenLastItemGoesAway(t *testing.T) {
	src := &fakeSource{snap: snapshot(func(s *alerts.Snapshot) {
		s.Notifications = []model.Notification{{ID: 1, Status: model.NotificationStatusUnread}}
	})}
	p := New(src, formatter(), nil, nil)
	defer p.Close()
	require.True(t, p.Current().Visible())

	src.publish(snapshot(func(s *alerts.Snapshot) {
		s.Notifications = []model.Notification{{ID: 1, Status: model.NotificationStatusRead}}
	}))
	assert.Equal(t, StateHidden, p.View().State)
}

func TestPanelCloseStopsPushes(t *testing.T) {
	src := &fakeSource{snap: snapshot(nil)}
	p := New(src, formatter(), nil, nil)

	calls := 0
	p.Subscribe(func(View) { calls++ })
	p.Close()
	p.Close()

	src.publish(snapshot(func(s *alerts.Snapshot) {
		s.Realtime = []model.Alert{{ID: 1}}
	}))
	assert.Equal(t, 0, calls)
	assert.Equal(t, StateHidden, p.Current().State)
}

func TestViewDoesNotPushToListeners(t *testing.T) {
	src := &fakeSource{snap: snapshot(func(s *alerts.Snapshot) {
		s.Realtime = []model.Alert{{ID: 1}}
	})}
	p := New(src, formatter(), nil, nil)
	defer p.Close()

	calls := 0
	p.Subscribe(func(View) { calls++ })
	assert.True(t, p.View().Visible())
	assert.True(t, p.View().Visible())
	assert.Equal(t, 0, calls)
}

func TestOlderSnapshotDoesNotReplaceNewerView(t *testing.T) {
	src := &fakeSource{snap: snapshot(nil)}
	p := New(src, formatter(), nil, nil)
	defer p.Close()

	var pushed []View
	p.Subscribe(func(v View) { pushed = append(pushed, v) })

	src.publish(snapshot(func(s *alerts.Snapshot) {
		s.At = now.Add(time.Second)
		s.Realtime = []model.Alert{{ID: 1}}
	}))
	src.publish(snapshot(func(s *alerts.Snapshot) {
		s.At = now.Add(-time.Second)
	}))

	require.Len(t, pushed, 1)
	assert.Equal(t, StateVisible, p.Current().State)
}

func TestTransitionsFollowVisibility(t *testing.T) {
	src := &fakeSource{snap: snapshot(nil)}
	p := New(src, formatter(), nil, nil)
	defer p.Close()

	var got []Transition
	p.OnTransition(func(tr Transition) { got = append(got, tr) })

	src.publish(snapshot(func(s *alerts.Snapshot) {
		s.Realtime = []model.Alert{{ID: 1}}
	}))
	src.publish(snapshot(func(s *alerts.Snapshot) {
		s.Realtime = []model.Alert{{ID: 1}, {ID: 2}}
	}))
	src.publish(snapshot(nil))

	require.Len(t, got, 2)
	assert.Equal(t, Transition{From: StateHidden, To: StateVisible, At: now}, got[0])
	assert.Equal(t, Transition{From: StateVisible, To: StateHidden, At: now}, got[1])
}
