package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/alerts-api/internal/model"
	"github.com/jwalitptl/alerts-api/internal/repository"
	apperrors "github.com/jwalitptl/alerts-api/pkg/errors"
)

type notificationRepository struct {
	BaseRepository
	outbox repository.OutboxRepository
}

func NewNotificationRepository(base BaseRepository, outbox repository.OutboxRepository) repository.NotificationRepository {
	return &notificationRepository{
		BaseRepository: base,
		outbox:         outbox,
	}
}

const notificationColumns = `id, client_id, type, title, message, status, created_at, read_at`

func (r *notificationRepository) List(ctx context.Context, clientID int64) ([]model.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE client_id = $1
		ORDER BY created_at DESC
	`

	notifications := []model.Notification{}
	if err := r.db.SelectContext(ctx, &notifications, query, clientID); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return notifications, nil
}

func (r *notificationRepository) MarkAsRead(ctx context.Context, clientID, id int64, readAt time.Time) (*model.Notification, error) {
	query := `
		UPDATE notifications
		SET status = $1,
			read_at = COALESCE(read_at, $2)
		WHERE id = $3 AND client_id = $4
		RETURNING ` + notificationColumns

	var n model.Notification
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &n, query, model.NotificationStatusRead, readAt, id, clientID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperrors.NewNotFound("notification", err)
			}
			return fmt.Errorf("failed to update notification: %w", err)
		}

		if n.ReadAt == nil {
			n.ReadAt = &readAt
		}
		payload, err := json.Marshal(model.NotificationReadEvent{
			NotificationID: n.ID,
			ClientID:       n.ClientID,
			ReadAt:         *n.ReadAt,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal read event: %w", err)
		}

		return r.outbox.CreateTx(ctx, tx, &model.OutboxEvent{
			EventType: model.EventNotificationRead,
			Payload:   payload,
		})
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}
