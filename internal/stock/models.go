package stock

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Category  string          `json:"category,omitempty"`
	Available int             `json:"available"` // derived: count of items with status=available
	CreatedAt time.Time       `json:"created_at"`
}

type Item struct {
	ID               int64      `json:"id"`
	ProductCode      string     `json:"product_code"`
	Data             string     `json:"item_data"`
	Status           ItemStatus `json:"status"`
	ReservedForOrder string     `json:"reserved_for_order,omitempty"` // empty unless Status == ItemReserved
	ReservedAt       time.Time  `json:"reserved_at,omitzero"`         // zero unless Status == ItemReserved
	Batch            string     `json:"batch,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

type Reservation struct {
	ID          string              `json:"id"`
	OrderID     string              `json:"order_id"`
	ProductCode string              `json:"product_code"`
	Qty         int                 `json:"qty"`
	UserRef     string              `json:"user_ref,omitempty"`
	Status      ReservationStatus   `json:"status"`
	Reason      ReleaseReason       `json:"release_reason,omitempty"` // set when Status == ReservationReleased
	Total       decimal.NullDecimal `json:"total"`
	CreatedAt   time.Time           `json:"created_at"`
	ExpiresAt   time.Time           `json:"expires_at"`
	ClosedAt    time.Time           `json:"closed_at,omitzero"`
}

// Expired reports whether an active reservation has outlived its TTL at now.
func (r Reservation) Expired(now time.Time) bool {
	return r.Status == ReservationReserved && r.ExpiresAt.Before(now)
}

// DeliveryRecord is the fulfilled unit handed to the delivery layer.
type DeliveryRecord struct {
	ID          int64     `json:"id"`
	OrderID     string    `json:"order_id"`
	ProductCode string    `json:"product_code"`
	ItemID      int64     `json:"item_id"`
	ItemData    string    `json:"item_data"`
	Quantity    int       `json:"quantity"`
	Sent        bool      `json:"sent"`
	CreatedAt   time.Time `json:"created_at"`
}

type ItemCounts struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
	Sold      int `json:"sold"`
	Error     int `json:"error"`
}

func (c *ItemCounts) add(s ItemStatus, n int) {
	c.Total += n
	switch s {
	case ItemAvailable:
		c.Available += n
	case ItemReserved:
		c.Reserved += n
	case ItemSold:
		c.Sold += n
	case ItemError:
		c.Error += n
	}
}

type ReservationCounts struct {
	Total     int `json:"total"`
	Reserved  int `json:"reserved"`
	Finalized int `json:"finalized"`
	Released  int `json:"released"`
}

func (c *ReservationCounts) add(s ReservationStatus, n int) {
	c.Total += n
	switch s {
	case ReservationReserved:
		c.Reserved += n
	case ReservationFinalized:
		c.Finalized += n
	case ReservationReleased:
		c.Released += n
	}
}

// ExpiryCursor pages expired reservations in (expires_at, id) order. The zero
// value starts from the oldest.
type ExpiryCursor struct {
	ExpiresAt time.Time
	ID        string
}

// After reports whether r sorts strictly after the cursor.
func (c ExpiryCursor) After(r Reservation) bool {
	if c.ExpiresAt.IsZero() {
		return true
	}
	if !r.ExpiresAt.Equal(c.ExpiresAt) {
		return r.ExpiresAt.After(c.ExpiresAt)
	}
	return r.ID > c.ID
}

// ItemFilter narrows ListItems; zero values mean "any".
type ItemFilter struct {
	ProductCode string
	Status      ItemStatus
	IDs         []int64
}

// Discrepancy is one finding of the reconciliation check.
type Discrepancy struct {
	Kind        string `json:"kind"`
	OrderID     string `json:"order_id"`
	ProductCode string `json:"product_code"`
	Expected    int    `json:"expected"`
	Actual      int    `json:"actual"`
}

const (
	DiscReservedCountMismatch = "reserved_count_mismatch"
	DiscOrphanReservedItem    = "orphan_reserved_item"
	DiscDeliveryCountMismatch = "delivery_count_mismatch"
)
