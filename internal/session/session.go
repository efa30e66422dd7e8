// Package session owns the per-client set of fetch cache, realtime listener,
// aggregator and panel.
package session

import (
	"context"
	"time"

	"github.com/jwalitptl/alerts-api/internal/alerts"
	"github.com/jwalitptl/alerts-api/internal/model"
	"github.com/jwalitptl/alerts-api/internal/panel"
	"github.com/jwalitptl/alerts-api/internal/query"
	"github.com/jwalitptl/alerts-api/internal/realtime"
	"github.com/jwalitptl/alerts-api/internal/repository"
	"github.com/jwalitptl/alerts-api/pkg/logger"
	"github.com/jwalitptl/alerts-api/pkg/metrics"
)

// Deps are the backends shared by every session.
type Deps struct {
	Notifications repository.NotificationRepository
	Reminders     repository.PaymentReminderRepository
	StockAlerts   repository.StockAlertRepository
	Products      repository.ProductRepository
	Clients       repository.ClientRepository
	// Realtime may be nil, in which case sessions have no realtime rows.
	Realtime realtime.Source
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
}

type Options struct {
	StaleTime              time.Duration
	CleanupInterval        time.Duration
	LowStockRefetch        time.Duration
	SubscriptionRefetch    time.Duration
	LowStockLimit          int
	SubscriptionWindowDays int
	Locale                 string
	RealtimeTable          string
	RealtimeChannel        string
	Clock                  func() time.Time
}

// PanelKeys are the queries behind the panel sections.
var PanelKeys = []string{model.QueryNotifications, model.QueryPaymentReminders, model.QueryStockAlerts}

// DashboardKeys are the dashboard indicator queries.
var DashboardKeys = []string{model.QueryLowStockProducts, model.QuerySubscription}

type Session struct {
	ClientID   int64
	Queries    *query.Client
	Listener   *realtime.Listener
	Aggregator *alerts.Aggregator
	Panel      *panel.Panel

	log *logger.Logger

	// guarded by the owning Manager
	refs   int
	closed bool
}

// Open builds a session for clientID and starts loading every query. A
// realtime subscription that cannot be opened is reported through the
// snapshot errors; the session still works without it.
func Open(clientID int64, deps Deps, opts Options) *Session {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithFields(map[string]interface{}{"client_id": clientID})
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	q := query.NewClient(query.Config{
		StaleTime:       opts.StaleTime,
		CleanupInterval: opts.CleanupInterval,
		Logger:          log,
		Metrics:         deps.Metrics,
		Now:             opts.Clock,
	})
	q.Register(model.QueryNotifications, func(ctx context.Context) (interface{}, error) {
		return deps.Notifications.List(ctx, clientID)
	}, query.Options{})
	q.Register(model.QueryPaymentReminders, func(ctx context.Context) (interface{}, error) {
		return deps.Reminders.List(ctx, clientID)
	}, query.Options{})
	q.Register(model.QueryStockAlerts, func(ctx context.Context) (interface{}, error) {
		return deps.StockAlerts.ListActive(ctx, clientID)
	}, query.Options{})
	q.Register(model.QueryLowStockProducts, func(ctx context.Context) (interface{}, error) {
		return deps.Products.ListLowStock(ctx, clientID, opts.LowStockLimit)
	}, query.Options{RefetchInterval: opts.LowStockRefetch})
	q.Register(model.QuerySubscription, func(ctx context.Context) (interface{}, error) {
		return deps.Clients.Get(ctx, clientID)
	}, query.Options{RefetchInterval: opts.SubscriptionRefetch})

	s := &Session{ClientID: clientID, Queries: q, log: log}

	var feed alerts.RealtimeFeed
	if deps.Realtime != nil {
		l, err := realtime.Listen(context.Background(), deps.Realtime, realtime.Config{
			ClientID: clientID,
			Table:    opts.RealtimeTable,
			Channel:  opts.RealtimeChannel,
			Logger:   log,
			Metrics:  deps.Metrics,
		})
		if err != nil {
			log.Error(err, "realtime subscription failed")
			if deps.Metrics != nil {
				deps.Metrics.SubscriptionErrors.Inc()
			}
			feed = failedFeed{err: err}
		} else {
			s.Listener = l
			feed = l
		}
	}

	s.Aggregator = alerts.New(alerts.Config{
		Queries:                q,
		Realtime:               feed,
		LowStockLimit:          opts.LowStockLimit,
		SubscriptionWindowDays: opts.SubscriptionWindowDays,
		Clock:                  opts.Clock,
		Logger:                 log,
	})
	s.Panel = panel.New(s.Aggregator, panel.NewFormatter(opts.Locale, opts.Clock), log, deps.Metrics)
	s.Panel.OnTransition(func(tr panel.Transition) {
		log.Info("alert panel "+string(tr.To), "from", string(tr.From))
	})

	q.Prefetch(append(append([]string{}, PanelKeys...), DashboardKeys...)...)
	return s
}

// Close tears the session down in reverse order of construction.
func (s *Session) Close() {
	s.Panel.Close()
	s.Aggregator.Close()
	if s.Listener != nil {
		s.Listener.Close()
	}
	s.Queries.Close()
	s.log.Debug("session closed")
}

// failedFeed stands in for a listener whose subscription never opened.
type failedFeed struct {
	err error
}

func (f failedFeed) Rows() []model.Alert { return nil }

func (f failedFeed) Err() error { return f.err }

func (f failedFeed) Subscribe(func([]model.Alert)) func() { return func() {} }
