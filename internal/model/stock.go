package model

import "time"

type StockAlertStatus string

const (
	StockAlertActive   StockAlertStatus = "ACTIVE"
	StockAlertResolved StockAlertStatus = "RESOLVED"
)

// StockAlert flags a product at or below its threshold.
type StockAlert struct {
	ID              int64            `json:"id" db:"id"`
	ClientID        int64            `json:"client_id" db:"client_id"`
	ProductID       int64            `json:"product_id" db:"product_id"`
	ProductName     string           `json:"product_name" db:"product_name"`
	CurrentQuantity int              `json:"current_quantity" db:"current_quantity"`
	Threshold       int              `json:"threshold" db:"threshold"`
	Status          StockAlertStatus `json:"status" db:"status"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}

type Product struct {
	ID          int64     `json:"id" db:"id"`
	ClientID    int64     `json:"client_id" db:"client_id"`
	Name        string    `json:"name" db:"name"`
	SKU         *string   `json:"sku,omitempty" db:"sku"`
	Quantity    int       `json:"quantity" db:"quantity"`
	MinQuantity *int      `json:"min_quantity,omitempty" db:"min_quantity"`
	Price       float64   `json:"price" db:"price"`
	Currency    string    `json:"currency" db:"currency"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
