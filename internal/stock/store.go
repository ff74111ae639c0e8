package stock

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tx is one unit of work. Every status transition happens inside a Tx, and a
// Tx either commits all of its writes or none of them.
type Tx interface {
	ProductExists(ctx context.Context, code string) (bool, error)

	// Claim moves qty available items of productCode to reserved for orderID.
	// It returns *InsufficientStockError or *ConflictError when it cannot claim
	// all of them; the caller must then abandon the Tx.
	Claim(ctx context.Context, productCode, orderID string, qty int, at time.Time) ([]Item, error)

	// MarkSold and ReleaseItems only touch items currently reserved; other ids are skipped.
	MarkSold(ctx context.Context, ids []int64) (int, error)
	ReleaseItems(ctx context.Context, ids []int64) (int, error)

	ItemsReservedFor(ctx context.Context, orderID string) ([]Item, error)

	InsertReservation(ctx context.Context, r *Reservation) error
	// ReservationsForOrder returns every reservation of the order and locks
	// them until the Tx ends.
	ReservationsForOrder(ctx context.Context, orderID string) ([]Reservation, error)
	// CloseReservation moves a reserved reservation to a terminal status and
	// reports false if it was no longer reserved.
	CloseReservation(ctx context.Context, id string, to ReservationStatus, reason ReleaseReason, at time.Time) (bool, error)
	// SetReservationTotal records the paid total on the order's finalized reservations.
	SetReservationTotal(ctx context.Context, orderID string, total decimal.Decimal) error

	InsertDeliveryRecords(ctx context.Context, recs []DeliveryRecord) ([]DeliveryRecord, error)
}

type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Products(ctx context.Context) ([]Product, error)
	UpsertProduct(ctx context.Context, p Product) error
	CountByStatus(ctx context.Context, productCode string) (ItemCounts, error)
	ReservationCounts(ctx context.Context) (ReservationCounts, error)
	Reservations(ctx context.Context, orderID string) ([]Reservation, error)
	// ExpiredReservations returns up to limit active reservations past their
	// expiry at now that sort after the cursor.
	ExpiredReservations(ctx context.Context, now time.Time, after ExpiryCursor, limit int) ([]Reservation, error)
	DeliveryRecords(ctx context.Context, orderID string) ([]DeliveryRecord, error)

	InsertItems(ctx context.Context, items []Item) (int, error)
	ListItems(ctx context.Context, f ItemFilter) ([]Item, error)
	// DeleteAvailable deletes only the ids still available and returns how many went.
	DeleteAvailable(ctx context.Context, ids []int64) (int, error)

	Reconcile(ctx context.Context) ([]Discrepancy, error)
}

// IDs returns the ids of items in order.
func IDs(items []Item) []int64 {
	out := make([]int64, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}
