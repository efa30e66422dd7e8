package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/alerts-api/internal/model"
)

// All repository interfaces in one file
type (
	// NotificationRepository reads notifications and records their read state.
	NotificationRepository interface {
		List(ctx context.Context, clientID int64) ([]model.Notification, error)
		// MarkAsRead sets status READ and keeps the first read_at. The read
		// event is written to the outbox in the same transaction.
		MarkAsRead(ctx context.Context, clientID, id int64, readAt time.Time) (*model.Notification, error)
	}

	PaymentReminderRepository interface {
		List(ctx context.Context, clientID int64) ([]model.PaymentReminder, error)
	}

	StockAlertRepository interface {
		ListActive(ctx context.Context, clientID int64) ([]model.StockAlert, error)
	}

	ProductRepository interface {
		ListLowStock(ctx context.Context, clientID int64, limit int) ([]model.Product, error)
	}

	ClientRepository interface {
		Get(ctx context.Context, id int64) (*model.Client, error)
	}

	OutboxRepository interface {
		CreateTx(ctx context.Context, tx *sqlx.Tx, event *model.OutboxEvent) error
		// ClaimPending locks up to limit due events for the lifetime of tx.
		ClaimPending(ctx context.Context, tx *sqlx.Tx, limit int) ([]*model.OutboxEvent, error)
		UpdateStatusTx(ctx context.Context, tx *sqlx.Tx, id string, status model.OutboxStatus, errorMessage *string, retryAt *time.Time) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
		WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error
	}
)
