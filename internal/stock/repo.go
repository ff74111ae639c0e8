package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Repo is the PostgreSQL driver. Claims take row locks with SKIP LOCKED and
// every transition is a status-guarded UPDATE, so several engine instances can
// share one database.
type Repo struct {
	DB          *pgxpool.Pool
	LockTimeout time.Duration
	tracer      trace.Tracer
}

func NewRepo(db *pgxpool.Pool, lockTimeout time.Duration) *Repo {
	return &Repo{DB: db, LockTimeout: lockTimeout, tracer: otel.Tracer("stock/repo")}
}

const itemColumns = `id, product_code, item_data, status, reserved_for_order, reserved_at, batch, notes, created_at`

const reservationColumns = `id, order_id, product_code, qty, user_ref, status, release_reason, total::text, created_at, expires_at, closed_at`

func (r *Repo) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	ctx, span := r.tracer.Start(ctx, "Repo.InTx")
	defer span.End()

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return classify("begin", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if r.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.LockTimeout.Milliseconds())); err != nil {
			return classify("set lock_timeout", err)
		}
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		span.RecordError(err)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return classify("commit", err)
	}
	return nil
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) ProductExists(ctx context.Context, code string) (bool, error) {
	var ok bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE code=$1)`, code).Scan(&ok); err != nil {
		return false, classify("product exists", err)
	}
	return ok, nil
}

// Claim picks the oldest unlocked available rows and flips them in one
// statement. Rows locked by a concurrent claimer are skipped; if that leaves us
// short while enough stock exists overall, the race is reported as a conflict.
func (t *pgTx) Claim(ctx context.Context, productCode, orderID string, qty int, at time.Time) ([]Item, error) {
	rows, err := t.tx.Query(ctx, `
		UPDATE stock_items s
		SET status = 'reserved', reserved_for_order = $3, reserved_at = $4
		FROM (
			SELECT id FROM stock_items
			WHERE product_code = $1 AND status = 'available'
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) picked
		WHERE s.id = picked.id AND s.status = 'available'
		RETURNING s.id, s.product_code, s.item_data, s.status, s.reserved_for_order, s.reserved_at, s.batch, s.notes, s.created_at`,
		productCode, qty, orderID, at)
	if err != nil {
		return nil, classify("claim", err)
	}
	claimed, err := collectItems(rows)
	if err != nil {
		return nil, classify("claim", err)
	}
	if len(claimed) == qty {
		sortItems(claimed)
		return claimed, nil
	}

	var rest int
	if err := t.tx.QueryRow(ctx,
		`SELECT count(*) FROM stock_items WHERE product_code=$1 AND status='available'`, productCode).Scan(&rest); err != nil {
		return nil, classify("count available", err)
	}
	available := rest + len(claimed)
	if available >= qty {
		return nil, &ConflictError{Op: "claim " + productCode}
	}
	return nil, &InsufficientStockError{ProductCode: productCode, Requested: qty, Available: available}
}

func (t *pgTx) MarkSold(ctx context.Context, ids []int64) (int, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE stock_items SET status='sold', reserved_for_order=NULL, reserved_at=NULL
		WHERE id = ANY($1) AND status='reserved'`, ids)
	if err != nil {
		return 0, classify("mark sold", err)
	}
	return int(ct.RowsAffected()), nil
}

func (t *pgTx) ReleaseItems(ctx context.Context, ids []int64) (int, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE stock_items SET status='available', reserved_for_order=NULL, reserved_at=NULL
		WHERE id = ANY($1) AND status='reserved'`, ids)
	if err != nil {
		return 0, classify("release items", err)
	}
	return int(ct.RowsAffected()), nil
}

func (t *pgTx) ItemsReservedFor(ctx context.Context, orderID string) ([]Item, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+itemColumns+` FROM stock_items
		WHERE reserved_for_order=$1 AND status='reserved'
		ORDER BY created_at, id
		FOR UPDATE`, orderID)
	if err != nil {
		return nil, classify("items reserved for", err)
	}
	items, err := collectItems(rows)
	return items, classify("items reserved for", err)
}

func (t *pgTx) InsertReservation(ctx context.Context, res *Reservation) error {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	ct, err := t.tx.Exec(ctx, `
		INSERT INTO reservations(id, order_id, product_code, qty, user_ref, status, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (order_id, product_code) DO NOTHING`,
		res.ID, res.OrderID, res.ProductCode, res.Qty, res.UserRef, string(res.Status), res.CreatedAt, res.ExpiresAt)
	if err != nil {
		return classify("insert reservation", err)
	}
	if ct.RowsAffected() != 1 {
		return &ConflictError{Op: "insert reservation"}
	}
	return nil
}

func (t *pgTx) ReservationsForOrder(ctx context.Context, orderID string) ([]Reservation, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE order_id=$1
		ORDER BY created_at, product_code
		FOR UPDATE`, orderID)
	if err != nil {
		return nil, classify("reservations for order", err)
	}
	out, err := collectReservations(rows)
	return out, classify("reservations for order", err)
}

func (t *pgTx) CloseReservation(ctx context.Context, id string, to ReservationStatus, reason ReleaseReason, at time.Time) (bool, error) {
	var rs *string
	if reason != "" {
		s := string(reason)
		rs = &s
	}
	ct, err := t.tx.Exec(ctx, `
		UPDATE reservations SET status=$2, release_reason=$3, closed_at=$4
		WHERE id=$1 AND status='reserved'`, id, string(to), rs, at)
	if err != nil {
		return false, classify("close reservation", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (t *pgTx) SetReservationTotal(ctx context.Context, orderID string, total decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE reservations SET total=$2::numeric WHERE order_id=$1 AND status='finalized'`, orderID, total.String())
	return classify("set total", err)
}

func (t *pgTx) InsertDeliveryRecords(ctx context.Context, recs []DeliveryRecord) ([]DeliveryRecord, error) {
	out := make([]DeliveryRecord, 0, len(recs))
	for _, rec := range recs {
		err := t.tx.QueryRow(ctx, `
			INSERT INTO delivery_records(order_id, product_code, stock_item_id, item_data, quantity, sent)
			VALUES ($1,$2,$3,$4,$5,false)
			RETURNING id, created_at`,
			rec.OrderID, rec.ProductCode, rec.ItemID, rec.ItemData, rec.Quantity,
		).Scan(&rec.ID, &rec.CreatedAt)
		if err != nil {
			return nil, classify("insert delivery record", err)
		}
		rec.Sent = false
		out = append(out, rec)
	}
	return out, nil
}

func (r *Repo) Products(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT p.code, p.name, p.price::text, p.category, p.created_at,
		       count(i.id) FILTER (WHERE i.status = 'available')
		FROM products p
		LEFT JOIN stock_items i ON i.product_code = p.code
		GROUP BY p.code
		ORDER BY p.code`)
	if err != nil {
		return nil, classify("products", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		var price string
		if err := rows.Scan(&p.Code, &p.Name, &price, &p.Category, &p.CreatedAt, &p.Available); err != nil {
			return nil, classify("products", err)
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, &PersistenceError{Op: "products", Err: err}
		}
		out = append(out, p)
	}
	return out, classify("products", rows.Err())
}

func (r *Repo) UpsertProduct(ctx context.Context, p Product) error {
	if p.Code == "" {
		return &ValidationError{Field: "code", Reason: "required"}
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO products(code, name, price, category)
		VALUES ($1,$2,$3::numeric,$4)
		ON CONFLICT (code) DO UPDATE SET name=EXCLUDED.name, price=EXCLUDED.price, category=EXCLUDED.category`,
		p.Code, p.Name, p.Price.String(), p.Category)
	return classify("upsert product", err)
}

func (r *Repo) CountByStatus(ctx context.Context, productCode string) (ItemCounts, error) {
	ctx, span := r.tracer.Start(ctx, "Repo.CountByStatus")
	defer span.End()
	span.SetAttributes(attribute.String("product_code", productCode))

	var c ItemCounts
	rows, err := r.DB.Query(ctx, `
		SELECT status, count(*) FROM stock_items
		WHERE ($1 = '' OR product_code = $1)
		GROUP BY status`, productCode)
	if err != nil {
		return c, classify("count by status", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return c, classify("count by status", err)
		}
		c.add(ItemStatus(s), n)
	}
	return c, classify("count by status", rows.Err())
}

func (r *Repo) ReservationCounts(ctx context.Context) (ReservationCounts, error) {
	var c ReservationCounts
	rows, err := r.DB.Query(ctx, `SELECT status, count(*) FROM reservations GROUP BY status`)
	if err != nil {
		return c, classify("reservation counts", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return c, classify("reservation counts", err)
		}
		c.add(ReservationStatus(s), n)
	}
	return c, classify("reservation counts", rows.Err())
}

func (r *Repo) Reservations(ctx context.Context, orderID string) ([]Reservation, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE order_id=$1 ORDER BY created_at, product_code`, orderID)
	if err != nil {
		return nil, classify("reservations", err)
	}
	out, err := collectReservations(rows)
	return out, classify("reservations", err)
}

func (r *Repo) ExpiredReservations(ctx context.Context, now time.Time, after ExpiryCursor, limit int) ([]Reservation, error) {
	ctx, span := r.tracer.Start(ctx, "Repo.ExpiredReservations")
	defer span.End()

	var afterAt *time.Time
	if !after.ExpiresAt.IsZero() {
		afterAt = &after.ExpiresAt
	}
	rows, err := r.DB.Query(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE status='reserved' AND expires_at < $1
		  AND ($2::timestamptz IS NULL OR (expires_at, id) > ($2::timestamptz, $3::text))
		ORDER BY expires_at, id
		LIMIT $4`, now, afterAt, after.ID, limit)
	if err != nil {
		return nil, classify("expired reservations", err)
	}
	out, err := collectReservations(rows)
	return out, classify("expired reservations", err)
}

func (r *Repo) DeliveryRecords(ctx context.Context, orderID string) ([]DeliveryRecord, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, product_code, stock_item_id, item_data, quantity, sent, created_at
		FROM delivery_records WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, classify("delivery records", err)
	}
	defer rows.Close()
	var out []DeliveryRecord
	for rows.Next() {
		var d DeliveryRecord
		if err := rows.Scan(&d.ID, &d.OrderID, &d.ProductCode, &d.ItemID, &d.ItemData, &d.Quantity, &d.Sent, &d.CreatedAt); err != nil {
			return nil, classify("delivery records", err)
		}
		out = append(out, d)
	}
	return out, classify("delivery records", rows.Err())
}

// InsertItems bulk-loads new stock with COPY.
func (r *Repo) InsertItems(ctx context.Context, items []Item) (int, error) {
	ctx, span := r.tracer.Start(ctx, "Repo.InsertItems")
	defer span.End()
	span.SetAttributes(attribute.Int("items_count", len(items)))

	for _, it := range items {
		if it.Status != ItemAvailable && it.Status != ItemError {
			return 0, &ValidationError{Field: "status", Reason: "new items must be available or error"}
		}
	}
	n, err := r.DB.CopyFrom(ctx,
		pgx.Identifier{"stock_items"},
		[]string{"product_code", "item_data", "status", "batch", "notes"},
		pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
			it := items[i]
			return []any{it.ProductCode, it.Data, string(it.Status), nullString(it.Batch), nullString(it.Notes)}, nil
		}),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return 0, &ValidationError{Field: "product_code", Reason: "unknown product"}
		}
		span.RecordError(err)
		return 0, classify("insert items", err)
	}
	return int(n), nil
}

func (r *Repo) ListItems(ctx context.Context, f ItemFilter) ([]Item, error) {
	ids := f.IDs
	if ids == nil {
		ids = []int64{}
	}
	rows, err := r.DB.Query(ctx, `
		SELECT `+itemColumns+` FROM stock_items
		WHERE ($1 = '' OR product_code = $1)
		  AND ($2 = '' OR status = $2)
		  AND (cardinality($3::bigint[]) = 0 OR id = ANY($3))
		ORDER BY created_at, id`, f.ProductCode, string(f.Status), ids)
	if err != nil {
		return nil, classify("list items", err)
	}
	out, err := collectItems(rows)
	return out, classify("list items", err)
}

func (r *Repo) DeleteAvailable(ctx context.Context, ids []int64) (int, error) {
	ct, err := r.DB.Exec(ctx, `DELETE FROM stock_items WHERE id = ANY($1) AND status='available'`, ids)
	if err != nil {
		return 0, classify("delete available", err)
	}
	return int(ct.RowsAffected()), nil
}

func (r *Repo) Reconcile(ctx context.Context) ([]Discrepancy, error) {
	ctx, span := r.tracer.Start(ctx, "Repo.Reconcile")
	defer span.End()

	queries := []struct {
		kind string
		sql  string
	}{
		{DiscReservedCountMismatch, `
			SELECT r.order_id, r.product_code, r.qty, COALESCE(c.n, 0)
			FROM reservations r
			LEFT JOIN (
				SELECT reserved_for_order, product_code, count(*) AS n
				FROM stock_items WHERE status='reserved'
				GROUP BY reserved_for_order, product_code
			) c ON c.reserved_for_order = r.order_id AND c.product_code = r.product_code
			WHERE r.status='reserved' AND r.qty <> COALESCE(c.n, 0)`},
		{DiscOrphanReservedItem, `
			SELECT i.reserved_for_order, i.product_code, 0, count(*)
			FROM stock_items i
			WHERE i.status='reserved' AND NOT EXISTS (
				SELECT 1 FROM reservations r
				WHERE r.order_id = i.reserved_for_order AND r.product_code = i.product_code AND r.status='reserved'
			)
			GROUP BY i.reserved_for_order, i.product_code`},
		{DiscDeliveryCountMismatch, `
			SELECT r.order_id, r.product_code, r.qty, COALESCE(d.n, 0)
			FROM reservations r
			LEFT JOIN (
				SELECT order_id, product_code, sum(quantity) AS n
				FROM delivery_records GROUP BY order_id, product_code
			) d ON d.order_id = r.order_id AND d.product_code = r.product_code
			WHERE r.status='finalized' AND r.qty <> COALESCE(d.n, 0)`},
	}

	var out []Discrepancy
	for _, q := range queries {
		rows, err := r.DB.Query(ctx, q.sql)
		if err != nil {
			return nil, classify("reconcile "+q.kind, err)
		}
		for rows.Next() {
			d := Discrepancy{Kind: q.kind}
			if err := rows.Scan(&d.OrderID, &d.ProductCode, &d.Expected, &d.Actual); err != nil {
				rows.Close()
				return nil, classify("reconcile "+q.kind, err)
			}
			out = append(out, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, classify("reconcile "+q.kind, err)
		}
	}
	sortDiscrepancies(out)
	return out, nil
}

func collectItems(rows pgx.Rows) ([]Item, error) {
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var it Item
		var status string
		var order, batch, notes *string
		var reservedAt *time.Time
		if err := rows.Scan(&it.ID, &it.ProductCode, &it.Data, &status, &order, &reservedAt, &batch, &notes, &it.CreatedAt); err != nil {
			return nil, err
		}
		it.Status = ItemStatus(status)
		it.ReservedForOrder = deref(order)
		it.Batch = deref(batch)
		it.Notes = deref(notes)
		if reservedAt != nil {
			it.ReservedAt = *reservedAt
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func collectReservations(rows pgx.Rows) ([]Reservation, error) {
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		var r Reservation
		var status string
		var reason, total *string
		var closedAt *time.Time
		if err := rows.Scan(&r.ID, &r.OrderID, &r.ProductCode, &r.Qty, &r.UserRef, &status, &reason, &total,
			&r.CreatedAt, &r.ExpiresAt, &closedAt); err != nil {
			return nil, err
		}
		r.Status = ReservationStatus(status)
		r.Reason = ReleaseReason(deref(reason))
		if total != nil {
			d, err := decimal.NewFromString(*total)
			if err != nil {
				return nil, err
			}
			r.Total = decimal.NewNullDecimal(d)
		}
		if closedAt != nil {
			r.ClosedAt = *closedAt
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// classify maps driver errors onto the store taxonomy. Serialization
// failures, deadlocks, lock timeouts and expired deadlines are conflicts.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "23505":
			return &ConflictError{Op: op, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConflictError{Op: op, Err: err}
	}
	return &PersistenceError{Op: op, Err: err}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
