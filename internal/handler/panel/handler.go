package panel

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/alerts-api/internal/handler"
	"github.com/jwalitptl/alerts-api/internal/middleware"
	"github.com/jwalitptl/alerts-api/internal/model"
	"github.com/jwalitptl/alerts-api/internal/query"
	"github.com/jwalitptl/alerts-api/internal/service/notification"
	"github.com/jwalitptl/alerts-api/internal/session"
	apperrors "github.com/jwalitptl/alerts-api/pkg/errors"
	"github.com/jwalitptl/alerts-api/pkg/logger"
)

// Sessions hands out the per-client session behind every request.
type Sessions interface {
	Acquire(clientID int64) (*session.Session, func(), error)
}

type Config struct {
	// AllowedOrigins limits WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string
	PingInterval   time.Duration
	// RefreshInterval re-derives streamed views so reminders move from
	// upcoming to overdue without new data.
	RefreshInterval time.Duration
}

type Handler struct {
	sessions      Sessions
	notifications notification.Service
	upgrader      websocket.Upgrader
	pingInterval  time.Duration
	refresh       time.Duration
	log           *logger.Logger
}

func NewHandler(sessions Sessions, notifications notification.Service, cfg Config, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	origins := middleware.DefaultCORSConfig(cfg.AllowedOrigins)
	return &Handler{
		sessions:      sessions,
		notifications: notifications,
		pingInterval:  cfg.PingInterval,
		refresh:       cfg.RefreshInterval,
		log:           log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins.OriginAllowed(origin)
			},
		},
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/panel", h.GetPanel)
	r.GET("/panel/ws", h.StreamPanel)

	r.GET("/notifications", h.ListNotifications)
	r.POST("/notifications/:id/read", h.MarkAsRead)
	r.GET("/payment-reminders", h.ListPaymentReminders)
	r.GET("/stock-alerts", h.ListStockAlerts)
	r.GET("/dashboard/alerts", h.DashboardAlerts)
}

// ListResponse is a raw fetch-layer read. A failed read has no items and
// carries the error instead.
type ListResponse[T any] struct {
	Items []T    `json:"items"`
	Error string `json:"error,omitempty"`
}

type DashboardAlertsResponse struct {
	LowStock             []model.Product   `json:"low_stock"`
	SubscriptionExpiring bool              `json:"subscription_expiring"`
	SubscriptionDaysLeft int               `json:"subscription_days_left,omitempty"`
	Errors               map[string]string `json:"errors,omitempty"`
}

type markReadURI struct {
	ID int64 `uri:"id" binding:"required,min=1"`
}

// GetPanel waits for the panel queries and returns the resulting view.
func (h *Handler) GetPanel(c *gin.Context) {
	s, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	if err := fetchAll(c.Request.Context(), s.Queries, session.PanelKeys); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(s.Panel.View()))
}

func (h *Handler) ListNotifications(c *gin.Context) {
	listQuery[model.Notification](h, c, model.QueryNotifications)
}

func (h *Handler) ListPaymentReminders(c *gin.Context) {
	listQuery[model.PaymentReminder](h, c, model.QueryPaymentReminders)
}

func (h *Handler) ListStockAlerts(c *gin.Context) {
	listQuery[model.StockAlert](h, c, model.QueryStockAlerts)
}

func (h *Handler) MarkAsRead(c *gin.Context) {
	clientID, ok := middleware.ClientID(c)
	if !ok {
		_ = c.Error(apperrors.Unauthorized(nil))
		return
	}

	var uri markReadURI
	if err := c.ShouldBindUri(&uri); err != nil {
		_ = c.Error(apperrors.NewBadRequest("invalid notification id", err))
		return
	}

	n, err := h.notifications.MarkAsRead(c.Request.Context(), clientID, uri.ID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(n))
}

func (h *Handler) DashboardAlerts(c *gin.Context) {
	s, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	if err := fetchAll(c.Request.Context(), s.Queries, session.DashboardKeys); err != nil {
		_ = c.Error(err)
		return
	}

	snap := s.Aggregator.Snapshot()
	resp := DashboardAlertsResponse{
		LowStock:             snap.LowStock,
		SubscriptionExpiring: snap.SubscriptionExpiring,
		SubscriptionDaysLeft: snap.SubscriptionDaysLeft,
	}
	for _, key := range session.DashboardKeys {
		if err := snap.Errors[key]; err != nil {
			if resp.Errors == nil {
				resp.Errors = map[string]string{}
			}
			resp.Errors[key] = err.Error()
		}
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(resp))
}

func (h *Handler) acquire(c *gin.Context) (*session.Session, func(), bool) {
	clientID, ok := middleware.ClientID(c)
	if !ok {
		_ = c.Error(apperrors.Unauthorized(nil))
		return nil, nil, false
	}
	s, release, err := h.sessions.Acquire(clientID)
	if err != nil {
		_ = c.Error(apperrors.NewInternal(err))
		return nil, nil, false
	}
	return s, release, true
}

func listQuery[T any](h *Handler, c *gin.Context, key string) {
	s, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	st, err := s.Queries.Fetch(c.Request.Context(), key)
	if err != nil {
		_ = c.Error(apperrors.NewInternal(err))
		return
	}

	resp := ListResponse[T]{Items: []T{}}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	} else if items, ok := st.Data.([]T); ok && items != nil {
		resp.Items = items
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(resp))
}

// fetchAll waits for every key. Read failures stay in the query state; only
// cancellation and closed sessions are returned.
func fetchAll(ctx context.Context, q *query.Client, keys []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			_, err := q.Fetch(ctx, key)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return apperrors.NewInternal(err)
	}
	return nil
}
