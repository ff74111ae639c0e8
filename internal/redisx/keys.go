package redisx

import (
	"fmt"
	"time"
)

const (
	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Reaper tick lease, one holder across engine instances.
	KeyReaperLease = "lease:stock:reaper"

	// Reconciler run lease.
	KeyReconcileLease = "lease:stock:reconcile"

	// Stats snapshot: stats:items:{product_code|_all} and stats:reservations
	KeyItemStats        = "stats:items:%s"
	KeyReservationStats = "stats:reservations"
)

var (
	TTLDedup = 48 * time.Hour
	TTLStats = 10 * time.Second
)

func KeyDedupFor(service, id string) string { return fmt.Sprintf(KeyDedup, service, id) }

func KeyItemStatsFor(productCode string) string {
	if productCode == "" {
		productCode = "_all"
	}
	return fmt.Sprintf(KeyItemStats, productCode)
}
