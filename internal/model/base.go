package model

// Query keys of the fetch layer.
const (
	QueryNotifications    = "notifications"
	QueryPaymentReminders = "payment-reminders"
	QueryStockAlerts      = "stock-alerts"
	QueryLowStockProducts = "low-stock-products"
	QuerySubscription     = "subscription"
)
