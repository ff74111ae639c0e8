package stock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemStore is the single-process driver. Units of work run one at a time
// against a private copy of the state, which replaces the live state only
// when the unit of work returns nil.
type MemStore struct {
	mu sync.Mutex
	st *memState
}

type memState struct {
	products     map[string]Product
	items        map[int64]Item
	itemSeq      int64
	reservations map[string]Reservation
	deliveries   []DeliveryRecord
	deliverySeq  int64
}

func NewMemStore() *MemStore {
	return &MemStore{st: &memState{
		products:     map[string]Product{},
		items:        map[int64]Item{},
		reservations: map[string]Reservation{},
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		products:     make(map[string]Product, len(s.products)),
		items:        make(map[int64]Item, len(s.items)),
		itemSeq:      s.itemSeq,
		reservations: make(map[string]Reservation, len(s.reservations)),
		deliveries:   append([]DeliveryRecord(nil), s.deliveries...),
		deliverySeq:  s.deliverySeq,
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	return c
}

func (m *MemStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return &ConflictError{Op: "begin", Err: err}
	}
	work := m.st.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	m.st = work
	return nil
}

type memTx struct{ st *memState }

func (t *memTx) ProductExists(_ context.Context, code string) (bool, error) {
	_, ok := t.st.products[code]
	return ok, nil
}

func (t *memTx) Claim(_ context.Context, productCode, orderID string, qty int, at time.Time) ([]Item, error) {
	var candidates []Item
	for _, it := range t.st.items {
		if it.ProductCode == productCode && CanTransition(it.Status, ItemReserved) {
			candidates = append(candidates, it)
		}
	}
	if len(candidates) < qty {
		return nil, &InsufficientStockError{ProductCode: productCode, Requested: qty, Available: len(candidates)}
	}
	sortItems(candidates)
	claimed := candidates[:qty]
	for i := range claimed {
		claimed[i].Status = ItemReserved
		claimed[i].ReservedForOrder = orderID
		claimed[i].ReservedAt = at
		t.st.items[claimed[i].ID] = claimed[i]
	}
	return claimed, nil
}

func (t *memTx) MarkSold(_ context.Context, ids []int64) (int, error) {
	n := 0
	for _, id := range ids {
		it, ok := t.st.items[id]
		if !ok || !CanTransition(it.Status, ItemSold) {
			continue
		}
		it.Status = ItemSold
		it.ReservedForOrder = ""
		it.ReservedAt = time.Time{}
		t.st.items[id] = it
		n++
	}
	return n, nil
}

func (t *memTx) ReleaseItems(_ context.Context, ids []int64) (int, error) {
	n := 0
	for _, id := range ids {
		it, ok := t.st.items[id]
		if !ok || !CanTransition(it.Status, ItemAvailable) {
			continue
		}
		it.Status = ItemAvailable
		it.ReservedForOrder = ""
		it.ReservedAt = time.Time{}
		t.st.items[id] = it
		n++
	}
	return n, nil
}

func (t *memTx) ItemsReservedFor(_ context.Context, orderID string) ([]Item, error) {
	var out []Item
	for _, it := range t.st.items {
		if it.Status == ItemReserved && it.ReservedForOrder == orderID {
			out = append(out, it)
		}
	}
	sortItems(out)
	return out, nil
}

func (t *memTx) InsertReservation(_ context.Context, r *Reservation) error {
	for _, ex := range t.st.reservations {
		if ex.OrderID == r.OrderID && ex.ProductCode == r.ProductCode {
			return &ConflictError{Op: "insert reservation"}
		}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	t.st.reservations[r.ID] = *r
	return nil
}

func (t *memTx) ReservationsForOrder(_ context.Context, orderID string) ([]Reservation, error) {
	return t.st.reservationsFor(orderID), nil
}

func (t *memTx) CloseReservation(_ context.Context, id string, to ReservationStatus, reason ReleaseReason, at time.Time) (bool, error) {
	r, ok := t.st.reservations[id]
	if !ok || r.Status != ReservationReserved {
		return false, nil
	}
	r.Status = to
	r.Reason = reason
	r.ClosedAt = at
	t.st.reservations[id] = r
	return true, nil
}

func (t *memTx) SetReservationTotal(_ context.Context, orderID string, total decimal.Decimal) error {
	for id, r := range t.st.reservations {
		if r.OrderID == orderID && r.Status == ReservationFinalized {
			r.Total = decimal.NewNullDecimal(total)
			t.st.reservations[id] = r
		}
	}
	return nil
}

func (t *memTx) InsertDeliveryRecords(_ context.Context, recs []DeliveryRecord) ([]DeliveryRecord, error) {
	out := make([]DeliveryRecord, 0, len(recs))
	for _, rec := range recs {
		t.st.deliverySeq++
		rec.ID = t.st.deliverySeq
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		t.st.deliveries = append(t.st.deliveries, rec)
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemStore) Products(_ context.Context) ([]Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	avail := map[string]int{}
	for _, it := range m.st.items {
		if it.Status == ItemAvailable {
			avail[it.ProductCode]++
		}
	}
	out := make([]Product, 0, len(m.st.products))
	for _, p := range m.st.products {
		p.Available = avail[p.Code]
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *MemStore) UpsertProduct(_ context.Context, p Product) error {
	if p.Code == "" {
		return &ValidationError{Field: "code", Reason: "required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ex, ok := m.st.products[p.Code]; ok && p.CreatedAt.IsZero() {
		p.CreatedAt = ex.CreatedAt
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Available = 0
	m.st.products[p.Code] = p
	return nil
}

func (m *MemStore) CountByStatus(_ context.Context, productCode string) (ItemCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c ItemCounts
	for _, it := range m.st.items {
		if productCode == "" || it.ProductCode == productCode {
			c.add(it.Status, 1)
		}
	}
	return c, nil
}

func (m *MemStore) ReservationCounts(_ context.Context) (ReservationCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c ReservationCounts
	for _, r := range m.st.reservations {
		c.add(r.Status, 1)
	}
	return c, nil
}

func (m *MemStore) Reservations(_ context.Context, orderID string) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.reservationsFor(orderID), nil
}

func (m *MemStore) ExpiredReservations(_ context.Context, now time.Time, after ExpiryCursor, limit int) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reservation
	for _, r := range m.st.reservations {
		if r.Expired(now) && after.After(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) DeliveryRecords(_ context.Context, orderID string) ([]DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeliveryRecord
	for _, d := range m.st.deliveries {
		if d.OrderID == orderID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemStore) InsertItems(_ context.Context, items []Item) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		if _, ok := m.st.products[it.ProductCode]; !ok {
			return 0, &ValidationError{Field: "product_code", Reason: "unknown product " + it.ProductCode}
		}
		if it.Status != ItemAvailable && it.Status != ItemError {
			return 0, &ValidationError{Field: "status", Reason: "new items must be available or error"}
		}
	}
	now := time.Now().UTC()
	for _, it := range items {
		m.st.itemSeq++
		it.ID = m.st.itemSeq
		it.ReservedForOrder = ""
		it.ReservedAt = time.Time{}
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		m.st.items[it.ID] = it
	}
	return len(items), nil
}

func (m *MemStore) ListItems(_ context.Context, f ItemFilter) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var want map[int64]bool
	if len(f.IDs) > 0 {
		want = make(map[int64]bool, len(f.IDs))
		for _, id := range f.IDs {
			want[id] = true
		}
	}
	var out []Item
	for _, it := range m.st.items {
		if f.ProductCode != "" && it.ProductCode != f.ProductCode {
			continue
		}
		if f.Status != "" && it.Status != f.Status {
			continue
		}
		if want != nil && !want[it.ID] {
			continue
		}
		out = append(out, it)
	}
	sortItems(out)
	return out, nil
}

func (m *MemStore) DeleteAvailable(_ context.Context, ids []int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if it, ok := m.st.items[id]; ok && it.Status == ItemAvailable {
			delete(m.st.items, id)
			n++
		}
	}
	return n, nil
}

func (m *MemStore) Reconcile(_ context.Context) ([]Discrepancy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type key struct{ order, product string }
	reservedItems := map[key]int{}
	for _, it := range m.st.items {
		if it.Status == ItemReserved {
			reservedItems[key{it.ReservedForOrder, it.ProductCode}]++
		}
	}
	delivered := map[key]int{}
	for _, d := range m.st.deliveries {
		delivered[key{d.OrderID, d.ProductCode}] += d.Quantity
	}

	var out []Discrepancy
	active := map[key]bool{}
	for _, r := range m.st.reservations {
		k := key{r.OrderID, r.ProductCode}
		switch r.Status {
		case ReservationReserved:
			active[k] = true
			if n := reservedItems[k]; n != r.Qty {
				out = append(out, Discrepancy{Kind: DiscReservedCountMismatch, OrderID: r.OrderID, ProductCode: r.ProductCode, Expected: r.Qty, Actual: n})
			}
		case ReservationFinalized:
			if n := delivered[k]; n != r.Qty {
				out = append(out, Discrepancy{Kind: DiscDeliveryCountMismatch, OrderID: r.OrderID, ProductCode: r.ProductCode, Expected: r.Qty, Actual: n})
			}
		}
	}
	for k, n := range reservedItems {
		if !active[k] {
			out = append(out, Discrepancy{Kind: DiscOrphanReservedItem, OrderID: k.order, ProductCode: k.product, Expected: 0, Actual: n})
		}
	}
	sortDiscrepancies(out)
	return out, nil
}

func (s *memState) reservationsFor(orderID string) []Reservation {
	var out []Reservation
	for _, r := range s.reservations {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ProductCode < out[j].ProductCode
	})
	return out
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func sortDiscrepancies(ds []Discrepancy) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Kind != ds[j].Kind {
			return ds[i].Kind < ds[j].Kind
		}
		if ds[i].OrderID != ds[j].OrderID {
			return ds[i].OrderID < ds[j].OrderID
		}
		return ds[i].ProductCode < ds[j].ProductCode
	})
}
