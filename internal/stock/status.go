package stock

type ItemStatus string

const (
	ItemAvailable ItemStatus = "available"
	ItemReserved  ItemStatus = "reserved"
	ItemSold      ItemStatus = "sold"
	ItemError     ItemStatus = "error"
)

var validItemNext = map[ItemStatus]map[ItemStatus]bool{
	ItemAvailable: {ItemReserved: true},
	ItemReserved:  {ItemSold: true, ItemAvailable: true},
	ItemSold:      {},
	ItemError:     {},
}

func CanTransition(from, to ItemStatus) bool {
	return validItemNext[from][to]
}

func ParseItemStatus(s string) (ItemStatus, bool) {
	switch st := ItemStatus(s); st {
	case ItemAvailable, ItemReserved, ItemSold, ItemError:
		return st, true
	}
	return "", false
}

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationReleased  ReservationStatus = "released"
)

func ParseReservationStatus(s string) (ReservationStatus, bool) {
	switch st := ReservationStatus(s); st {
	case ReservationReserved, ReservationFinalized, ReservationReleased:
		return st, true
	}
	return "", false
}

type ReleaseReason string

const (
	ReasonCancelled     ReleaseReason = "cancelled"
	ReasonExpired       ReleaseReason = "expired"
	ReasonPaymentFailed ReleaseReason = "payment_failed"
)

func (r ReleaseReason) Valid() bool {
	switch r {
	case ReasonCancelled, ReasonExpired, ReasonPaymentFailed:
		return true
	}
	return false
}
