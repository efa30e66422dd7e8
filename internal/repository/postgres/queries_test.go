package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/alerts-api/internal/model"
	apperrors "github.com/jwalitptl/alerts-api/pkg/errors"
)

func TestPaymentReminderListOrderedByDueDate(t *testing.T) {
	base, mock := newMockBase(t)
	repo := NewPaymentReminderRepository(base)
	due := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM payment_reminders WHERE client_id = \$1 ORDER BY due_date ASC`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "client_id", "customer_id", "invoice_id", "amount", "currency", "due_date", "status", "created_at"}).
			AddRow(1, 7, 3, 11, 500.0, "USD", due, "PENDING", due.AddDate(0, -1, 0)))

	got, err := repo.List(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 500.0, got[0].Amount)
	assert.Equal(t, model.ReminderStatusPending, got[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStockAlertListActiveFiltersServerSide(t *testing.T) {
	base, mock := newMockBase(t)
	repo := NewStockAlertRepository(base)

	mock.ExpectQuery(`FROM stock_alerts WHERE client_id = \$1 AND status = \$2 ORDER BY created_at DESC`).
		WithArgs(int64(7), model.StockAlertActive).
		WillReturnRows(sqlmock.NewRows([]string{"id", "client_id", "product_id", "product_name", "current_quantity", "threshold", "status", "created_at"}).
			AddRow(5, 7, 9, "Printer paper", 2, 10, "ACTIVE", time.Now()))

	got, err := repo.ListActive(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Printer paper", got[0].ProductName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProductListLowStock(t *testing.T) {
	base, mock := newMockBase(t)
	repo := NewProductRepository(base)

	mock.ExpectQuery(`FROM products WHERE client_id = \$1 AND quantity < \$2`).
		WithArgs(int64(7), 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "client_id", "name", "sku", "quantity", "min_quantity", "price", "currency", "updated_at"}).
			AddRow(1, 7, "Stapler", nil, 3, nil, 12.5, "USD", time.Now()))

	got, err := repo.ListLowStock(context.Background(), 7, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Quantity)
	assert.Nil(t, got[0].SKU)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClientGet(t *testing.T) {
	base, mock := newMockBase(t)
	repo := NewClientRepository(base)
	end := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM clients WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "language", "subscription_end", "created_at"}).
			AddRow(7, "Corner Shop", "ar", end, end.AddDate(-1, 0, 0)))

	c, err := repo.Get(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, c.SubscriptionEnd)
	assert.True(t, end.Equal(*c.SubscriptionEnd))

	mock.ExpectQuery(`FROM clients`).WillReturnError(sql.ErrNoRows)
	_, err = repo.Get(context.Background(), 8)
	assert.True(t, errors.Is(err, apperrors.NotFoundErr))
}
