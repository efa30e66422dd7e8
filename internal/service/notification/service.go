package notification

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jwalitptl/alerts-api/internal/model"
	"github.com/jwalitptl/alerts-api/internal/repository"
	apperrors "github.com/jwalitptl/alerts-api/pkg/errors"
	"github.com/jwalitptl/alerts-api/pkg/logger"
)

// Invalidator marks a query of a client's session stale.
type Invalidator interface {
	Invalidate(clientID int64, queryKey string) bool
}

type Service interface {
	// MarkAsRead records that the client read notification id and refreshes
	// the client's notification list. Repeated calls are harmless.
	MarkAsRead(ctx context.Context, clientID, id int64) (*model.Notification, error)
	// HandleRead applies a NOTIFICATION_READ event published by any instance.
	HandleRead(ctx context.Context, payload []byte) error
}

type service struct {
	repo     repository.NotificationRepository
	sessions Invalidator
	log      *logger.Logger
	now      func() time.Time
}

func NewService(repo repository.NotificationRepository, sessions Invalidator, log *logger.Logger) Service {
	return newService(repo, sessions, log, time.Now)
}

func newService(repo repository.NotificationRepository, sessions Invalidator, log *logger.Logger, now func() time.Time) *service {
	if log == nil {
		log = logger.Nop()
	}
	return &service{repo: repo, sessions: sessions, log: log, now: now}
}

func (s *service) MarkAsRead(ctx context.Context, clientID, id int64) (*model.Notification, error) {
	if id <= 0 {
		return nil, apperrors.NewBadRequest("invalid notification id", nil)
	}

	n, err := s.repo.MarkAsRead(ctx, clientID, id, s.now().UTC())
	if err != nil {
		if errors.Is(err, apperrors.NotFoundErr) {
			return nil, err
		}
		return nil, apperrors.NewMutation("mark notification as read", err)
	}

	s.sessions.Invalidate(clientID, model.QueryNotifications)
	s.log.Info("notification marked as read", "client_id", clientID, "notification_id", id)
	return n, nil
}

func (s *service) HandleRead(ctx context.Context, payload []byte) error {
	var ev model.NotificationReadEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return apperrors.NewBadRequest("invalid notification read event", err)
	}
	if ev.ClientID == 0 {
		return apperrors.NewBadRequest("notification read event without client", nil)
	}

	if s.sessions.Invalidate(ev.ClientID, model.QueryNotifications) {
		s.log.Debug("notifications invalidated by read event", "client_id", ev.ClientID, "notification_id", ev.NotificationID)
	}
	return nil
}
