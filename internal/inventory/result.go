package inventory

import (
	"time"

	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/stock"
)

// Result messages. Business outcomes are reported here rather than as errors.
const (
	MsgReserved            = "reserved"
	MsgAlreadyReserved     = "already_reserved"
	MsgReservationClosed   = "reservation_closed"
	MsgInsufficientStock   = "insufficient_stock"
	MsgUnknownProduct      = "unknown_product"
	MsgInvalidRequest      = "invalid_request"
	MsgFinalized           = "finalized"
	MsgAlreadyFinalized    = "already_finalized"
	MsgNoReservation       = "no_reservation"
	MsgReleased            = "released"
	MsgNoActiveReservation = "no_active_reservation"
	MsgInvalidReason       = "invalid_reason"
	MsgConflict            = "conflict"
	MsgPersistenceError    = "persistence_error"
)

type Result struct {
	OK        bool                   `json:"ok"`
	Msg       string                 `json:"msg"`
	Available *int                   `json:"available,omitempty"`
	Items     []stock.DeliveryRecord `json:"items,omitzero"` // nil omitted, empty kept
	ExpiresAt time.Time              `json:"expires_at,omitzero"`

	// ProductCode and Requested name the line a failed reservation stopped at.
	ProductCode string `json:"product_code,omitempty"`
	Requested   int    `json:"requested,omitempty"`
}

// Line is one product and quantity of an order.
type Line struct {
	ProductCode string `json:"product_code"`
	Qty         int    `json:"qty"`
}

func succeed(msg string) Result { return Result{OK: true, Msg: msg} }
func fail(msg string) Result    { return Result{Msg: msg} }
