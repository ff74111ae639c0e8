// Package orders holds the event contract shared with the order workflow:
// the envelope, event types, topics and payloads.
package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/stock"
)

const (
	EventOrderCreated     = "OrderCreated"
	EventPaymentConfirmed = "PaymentConfirmed"
	EventOrderCancelled   = "OrderCancelled"

	EventStockReserved  = "StockReserved"
	EventStockRejected  = "StockRejected"
	EventOrderFulfilled = "OrderFulfilled"
	EventStockReleased  = "StockReleased"
)

const EventVersion = 1

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type ItemQty struct {
	ProductCode string `json:"product_code"`
	Qty         int    `json:"qty"`
}

// ---- consumed ----

type OrderCreatedPayload struct {
	OrderID string    `json:"order_id"`
	UserRef string    `json:"user_ref"`
	Items   []ItemQty `json:"items"`
}

type PaymentConfirmedPayload struct {
	OrderID    string          `json:"order_id"`
	PaymentRef string          `json:"payment_ref"`
	Total      decimal.Decimal `json:"total"`
}

type OrderCancelledPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"` // cancelled | payment_failed
}

// ---- produced ----

type StockReservedPayload struct {
	OrderID   string    `json:"order_id"`
	Items     []ItemQty `json:"items"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

type StockRejectedDetail struct {
	ProductCode string `json:"product_code"`
	Required    int    `json:"required"`
	Available   int    `json:"available"`
}

type StockRejectedPayload struct {
	OrderID string                `json:"order_id"`
	Reason  string                `json:"reason"` // insufficient_stock, unknown_product, ...
	Details []StockRejectedDetail `json:"details,omitempty"`
}

type OrderFulfilledPayload struct {
	OrderID    string                 `json:"order_id"`
	Deliveries []stock.DeliveryRecord `json:"deliveries"`
}

type StockReleasedPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}
