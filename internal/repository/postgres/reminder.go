package postgres

import (
	"context"
	"fmt"

	"github.com/jwalitptl/alerts-api/internal/model"
	"github.com/jwalitptl/alerts-api/internal/repository"
)

type paymentReminderRepository struct {
	BaseRepository
}

func NewPaymentReminderRepository(base BaseRepository) repository.PaymentReminderRepository {
	return &paymentReminderRepository{base}
}

func (r *paymentReminderRepository) List(ctx context.Context, clientID int64) ([]model.PaymentReminder, error) {
	query := `
		SELECT id, client_id, customer_id, invoice_id, amount, currency, due_date, status, created_at
		FROM payment_reminders
		WHERE client_id = $1
		ORDER BY due_date ASC
	`

	reminders := []model.PaymentReminder{}
	if err := r.db.SelectContext(ctx, &reminders, query, clientID); err != nil {
		return nil, fmt.Errorf("failed to list payment reminders: %w", err)
	}
	return reminders, nil
}
