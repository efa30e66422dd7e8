package postgres

import (
	"context"
	"fmt"

	"github.com/jwalitptl/alerts-api/internal/model"
	"github.com/jwalitptl/alerts-api/internal/repository"
)

type stockAlertRepository struct {
	BaseRepository
}

func NewStockAlertRepository(base BaseRepository) repository.StockAlertRepository {
	return &stockAlertRepository{base}
}

func (r *stockAlertRepository) ListActive(ctx context.Context, clientID int64) ([]model.StockAlert, error) {
	query := `
		SELECT id, client_id, product_id, product_name, current_quantity, threshold, status, created_at
		FROM stock_alerts
		WHERE client_id = $1 AND status = $2
		ORDER BY created_at DESC
	`

	alerts := []model.StockAlert{}
	if err := r.db.SelectContext(ctx, &alerts, query, clientID, model.StockAlertActive); err != nil {
		return nil, fmt.Errorf("failed to list stock alerts: %w", err)
	}
	return alerts, nil
}

type productRepository struct {
	BaseRepository
}

func NewProductRepository(base BaseRepository) repository.ProductRepository {
	return &productRepository{base}
}

// ListLowStock returns products whose quantity is below limit.
func (r *productRepository) ListLowStock(ctx context.Context, clientID int64, limit int) ([]model.Product, error) {
	query := `
		SELECT id, client_id, name, sku, quantity, min_quantity, price, currency, updated_at
		FROM products
		WHERE client_id = $1 AND quantity < $2
		ORDER BY quantity ASC, name ASC
	`

	products := []model.Product{}
	if err := r.db.SelectContext(ctx, &products, query, clientID, limit); err != nil {
		return nil, fmt.Errorf("failed to list low stock products: %w", err)
	}
	return products, nil
}
