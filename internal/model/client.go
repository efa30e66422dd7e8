package model

import "time"

// Client is the business that owns every other record.
type Client struct {
	ID              int64      `json:"id" db:"id"`
	Name            string     `json:"name" db:"name"`
	Language        string     `json:"language" db:"language"`
	SubscriptionEnd *time.Time `json:"subscription_end,omitempty" db:"subscription_end"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}
