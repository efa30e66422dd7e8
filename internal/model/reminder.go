package model

import "time"

type ReminderStatus string

const (
	ReminderStatusPending ReminderStatus = "PENDING"
	ReminderStatusPaid    ReminderStatus = "PAID"
	ReminderStatusOverdue ReminderStatus = "OVERDUE"
)

// PaymentReminder is money owed against an invoice.
type PaymentReminder struct {
	ID         int64          `json:"id" db:"id"`
	ClientID   int64          `json:"client_id" db:"client_id"`
	CustomerID int64          `json:"customer_id" db:"customer_id"`
	InvoiceID  int64          `json:"invoice_id" db:"invoice_id"`
	Amount     float64        `json:"amount" db:"amount"`
	Currency   string         `json:"currency" db:"currency"`
	DueDate    time.Time      `json:"due_date" db:"due_date"`
	Status     ReminderStatus `json:"status" db:"status"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}
