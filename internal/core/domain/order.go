package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the marketplace order state.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// Order is a mirrored marketplace order.
type Order struct {
	ID        string          `json:"id"`
	ListingID string          `json:"listing_id"`
	Status    OrderStatus     `json:"status"`
	Quantity  int             `json:"quantity"`
	Total     decimal.Decimal `json:"total"`
	Currency  string          `json:"currency"`
	BuyerID   string          `json:"buyer_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	SyncedAt  time.Time       `json:"synced_at"`
}

// Counts reports whether the order contributes to sales totals.
func (o *Order) Counts() bool {
	switch o.Status {
	case OrderStatusPaid, OrderStatusShipped, OrderStatusDelivered:
		return true
	}
	return false
}
