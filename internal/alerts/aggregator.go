package alerts

import (
	"sync"
	"time"

	"github.com/jwalitptl/alerts-api/internal/model"
	"github.com/jwalitptl/alerts-api/internal/query"
	"github.com/jwalitptl/alerts-api/pkg/logger"
)

// Error keys used in Snapshot.Errors besides the query keys.
const ErrKeyRealtime = "realtime"

// QuerySource is the part of the fetch layer the aggregator observes.
type QuerySource interface {
	Peek(key string) (query.State, bool)
	Subscribe(key string, fn func(query.State)) (unsubscribe func())
}

// RealtimeFeed is the part of the realtime listener the aggregator observes.
type RealtimeFeed interface {
	Rows() []model.Alert
	Err() error
	Subscribe(fn func([]model.Alert)) (unsubscribe func())
}

// Snapshot is the aggregate evaluated at one instant. Categories that failed
// to load are empty and carry their error in Errors.
type Snapshot struct {
	At time.Time

	Notifications []model.Notification
	Reminders     []model.PaymentReminder
	StockAlerts   []model.StockAlert
	Realtime      []model.Alert

	Overdue      []model.PaymentReminder
	Upcoming     []model.PaymentReminder
	ActiveAlerts []model.StockAlert
	UnreadCount  int

	LowStock             []model.Product
	SubscriptionExpiring bool
	SubscriptionDaysLeft int

	Errors map[string]error
}

// Actionable reports whether anything in the snapshot needs attention.
func (s Snapshot) Actionable() bool {
	return s.UnreadCount > 0 ||
		len(s.Overdue) > 0 ||
		len(s.Upcoming) > 0 ||
		len(s.ActiveAlerts) > 0 ||
		len(s.Realtime) > 0
}

type Config struct {
	Queries                QuerySource
	Realtime               RealtimeFeed
	LowStockLimit          int
	SubscriptionWindowDays int
	Clock                  func() time.Time
	Logger                 *logger.Logger
}

// Aggregator recomputes the snapshot whenever one of its inputs changes and
// hands it to its subscribers synchronously.
type Aggregator struct {
	queries       QuerySource
	realtime      RealtimeFeed
	lowStockLimit int
	windowDays    int
	clock         func() time.Time
	log           *logger.Logger

	mu      sync.Mutex
	states  map[string]query.State
	rows    []model.Alert
	closed  bool
	nextSub int
	subs    map[int]func(Snapshot)
	unsubs  []func()

	// publishMu keeps deliveries in the order their snapshots were taken.
	publishMu sync.Mutex
}

var observedKeys = []string{
	model.QueryNotifications,
	model.QueryPaymentReminders,
	model.QueryStockAlerts,
	model.QueryLowStockProducts,
	model.QuerySubscription,
}

func New(cfg Config) *Aggregator {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.LowStockLimit <= 0 {
		cfg.LowStockLimit = 10
	}
	if cfg.SubscriptionWindowDays <= 0 {
		cfg.SubscriptionWindowDays = 7
	}

	a := &Aggregator{
		queries:       cfg.Queries,
		realtime:      cfg.Realtime,
		lowStockLimit: cfg.LowStockLimit,
		windowDays:    cfg.SubscriptionWindowDays,
		clock:         cfg.Clock,
		log:           cfg.Logger,
		states:        make(map[string]query.State),
		subs:          make(map[int]func(Snapshot)),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.queries != nil {
		for _, key := range observedKeys {
			key := key
			a.unsubs = append(a.unsubs, a.queries.Subscribe(key, func(st query.State) {
				a.setState(key, st)
			}))
			if st, ok := a.queries.Peek(key); ok {
				a.states[key] = st
			}
		}
	}
	if a.realtime != nil {
		a.unsubs = append(a.unsubs, a.realtime.Subscribe(a.setRows))
		a.rows = a.realtime.Rows()
	}
	return a
}

// Snapshot derives the aggregate at the current instant. Reminder membership
// depends on the clock, so callers should not hold on to an old snapshot.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Subscribe registers fn to receive every recomputed snapshot.
func (a *Aggregator) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return func() {}
	}
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

// Refresh publishes a snapshot without any input having changed, for
// time-based reclassification of reminders.
func (a *Aggregator) Refresh() {
	a.publish()
}

func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	unsubs := a.unsubs
	a.unsubs = nil
	a.subs = map[int]func(Snapshot){}
	a.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
}

func (a *Aggregator) setState(key string, st query.State) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.states[key] = st
	a.mu.Unlock()
	a.publish()
}

func (a *Aggregator) setRows(rows []model.Alert) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.rows = rows
	a.mu.Unlock()
	a.publish()
}

func (a *Aggregator) publish() {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	snap := a.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (a *Aggregator) snapshotLocked() Snapshot {
	now := a.clock()
	snap := Snapshot{
		At:            now,
		Notifications: []model.Notification{},
		Reminders:     []model.PaymentReminder{},
		StockAlerts:   []model.StockAlert{},
		Realtime:      append([]model.Alert{}, a.rows...),
		LowStock:      []model.Product{},
		Errors:        map[string]error{},
	}

	for key, st := range a.states {
		if st.Err != nil {
			snap.Errors[key] = st.Err
			continue
		}
		switch data := st.Data.(type) {
		case []model.Notification:
			snap.Notifications = data
		case []model.PaymentReminder:
			snap.Reminders = data
		case []model.StockAlert:
			snap.StockAlerts = data
		case []model.Product:
			snap.LowStock = LowStockProducts(data, a.lowStockLimit)
		case *model.Client:
			if data != nil {
				snap.SubscriptionExpiring, snap.SubscriptionDaysLeft = SubscriptionExpiring(data.SubscriptionEnd, now, a.windowDays)
			}
		case nil:
		default:
			a.log.Warn("unexpected query data", "query", key)
		}
	}
	if a.realtime != nil {
		if err := a.realtime.Err(); err != nil {
			snap.Errors[ErrKeyRealtime] = err
		}
	}

	snap.Overdue, snap.Upcoming = PartitionReminders(snap.Reminders, now)
	snap.ActiveAlerts = FilterActiveStockAlerts(snap.StockAlerts)
	snap.UnreadCount = CountUnread(snap.Notifications)
	return snap
}
