package inventory

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/logx"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/metrics"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/stock"
)

// errRollback abandons a unit of work whose outcome is already in the Result.
var errRollback = errors.New("rollback")

type Options struct {
	TTL         time.Duration
	MaxRetries  int
	OpTimeout   time.Duration
	Backoff     time.Duration // first retry delay, doubled per attempt
	ReaperBatch int
	Now         func() time.Time
}

func (o *Options) defaults() {
	if o.TTL <= 0 {
		o.TTL = 15 * time.Minute
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = 20 * time.Millisecond
	}
	if o.ReaperBatch <= 0 {
		o.ReaperBatch = 100
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Engine is the only sanctioned way to move stock items between statuses.
type Engine struct {
	store  stock.Store
	log    *zap.Logger
	opts   Options
	tracer trace.Tracer
}

func NewEngine(store stock.Store, log *zap.Logger, opts Options) *Engine {
	opts.defaults()
	return &Engine{
		store:  store,
		log:    log,
		opts:   opts,
		tracer: otel.Tracer("inventory/engine"),
	}
}

// Reserve claims qty available items of productCode for orderID.
func (e *Engine) Reserve(ctx context.Context, orderID, productCode string, qty int, userRef string) (Result, error) {
	return e.ReserveOrder(ctx, orderID, userRef, []Line{{ProductCode: productCode, Qty: qty}})
}

// ReserveOrder claims every line of an order in one unit of work: either all
// lines end up reserved or nothing changes. Lines already reserved for the
// order are left alone.
func (e *Engine) ReserveOrder(ctx context.Context, orderID, userRef string, lines []Line) (res Result, err error) {
	ctx, span, done := e.begin(ctx, "reserve", attribute.String("order_id", orderID), attribute.Int("lines", len(lines)))
	defer func() { done(res, err) }()

	if r, bad := validateLines(orderID, lines); bad {
		logx.Warn(ctx, e.log, "reserve rejected", zap.String("order_id", orderID), zap.String("msg", r.Msg))
		return r, nil
	}

	var claimed []stock.Item
	var expiresAt time.Time
	err = e.run(ctx, "reserve", func(ctx context.Context, tx stock.Tx) error {
		res, claimed = Result{}, nil
		now := e.opts.Now()
		expiresAt = now.Add(e.opts.TTL)

		existing, err := tx.ReservationsForOrder(ctx, orderID)
		if err != nil {
			return err
		}
		byProduct := make(map[string]stock.Reservation, len(existing))
		for _, r := range existing {
			byProduct[r.ProductCode] = r
		}

		already := 0
		for _, ln := range lines {
			if r, found := byProduct[ln.ProductCode]; found {
				if r.Status == stock.ReservationReserved {
					already++
					continue
				}
				res = lineFailure(MsgReservationClosed, ln)
				return errRollback
			}

			exists, err := tx.ProductExists(ctx, ln.ProductCode)
			if err != nil {
				return err
			}
			if !exists {
				res = lineFailure(MsgUnknownProduct, ln)
				return errRollback
			}

			items, err := tx.Claim(ctx, ln.ProductCode, orderID, ln.Qty, now)
			var short *stock.InsufficientStockError
			if errors.As(err, &short) {
				res = lineFailure(MsgInsufficientStock, ln)
				avail := short.Available
				res.Available = &avail
				return errRollback
			}
			if err != nil {
				return err
			}

			if err := tx.InsertReservation(ctx, &stock.Reservation{
				OrderID:     orderID,
				ProductCode: ln.ProductCode,
				Qty:         ln.Qty,
				UserRef:     userRef,
				Status:      stock.ReservationReserved,
				CreatedAt:   now,
				ExpiresAt:   expiresAt,
			}); err != nil {
				return err
			}
			claimed = append(claimed, items...)
		}

		if already == len(lines) {
			res = succeed(MsgAlreadyReserved)
			return errRollback
		}
		res = succeed(MsgReserved)
		res.ExpiresAt = expiresAt
		return nil
	})
	if err = settle(err); err != nil {
		return e.failed(ctx, span, "reserve", orderID, err)
	}

	switch {
	case res.OK && res.Msg == MsgReserved:
		metrics.ItemsReserved.Add(float64(len(claimed)))
		for _, it := range claimed {
			logx.Info(ctx, e.log, "item reserved",
				zap.String("order_id", orderID),
				zap.String("product_code", it.ProductCode),
				zap.Int64("item_id", it.ID),
				zap.String("status", string(stock.ItemReserved)),
				zap.Time("expires_at", expiresAt))
		}
	case res.OK:
		logx.Info(ctx, e.log, "reservation already held", zap.String("order_id", orderID))
	default:
		fields := []zap.Field{
			zap.String("order_id", orderID),
			zap.String("product_code", res.ProductCode),
			zap.String("msg", res.Msg),
		}
		if res.Available != nil {
			fields = append(fields, zap.Int("available", *res.Available), zap.Int("requested", res.Requested))
		}
		logx.Warn(ctx, e.log, "reserve refused", fields...)
	}
	return res, nil
}

// Finalize converts the order's active reservations into sold items and one
// DeliveryRecord per item. It runs at most once per order.
func (e *Engine) Finalize(ctx context.Context, orderID string, total decimal.Decimal) (res Result, err error) {
	ctx, span, done := e.begin(ctx, "finalize", attribute.String("order_id", orderID))
	defer func() { done(res, err) }()

	if orderID == "" {
		return fail(MsgInvalidRequest), nil
	}

	var late bool
	err = e.run(ctx, "finalize", func(ctx context.Context, tx stock.Tx) error {
		res, late = Result{}, false
		now := e.opts.Now()

		all, err := tx.ReservationsForOrder(ctx, orderID)
		if err != nil {
			return err
		}
		active, finalized := split(all)
		if len(active) == 0 {
			if finalized > 0 {
				res = succeed(MsgAlreadyFinalized)
				res.Items = []stock.DeliveryRecord{}
			} else {
				res = fail(MsgNoReservation)
			}
			return errRollback
		}

		items, err := itemsFor(ctx, tx, orderID, active)
		if err != nil {
			return err
		}
		for _, r := range active {
			if r.Expired(now) {
				late = true
			}
			closed, err := tx.CloseReservation(ctx, r.ID, stock.ReservationFinalized, "", now)
			if err != nil {
				return err
			}
			if !closed {
				return &stock.ConflictError{Op: "finalize: close reservation"}
			}
		}
		sold, err := tx.MarkSold(ctx, stock.IDs(items))
		if err != nil {
			return err
		}
		if sold != len(items) {
			return &stock.ConflictError{Op: "finalize: mark sold"}
		}

		recs := make([]stock.DeliveryRecord, 0, len(items))
		for _, it := range items {
			recs = append(recs, stock.DeliveryRecord{
				OrderID:     orderID,
				ProductCode: it.ProductCode,
				ItemID:      it.ID,
				ItemData:    it.Data,
				Quantity:    1,
				CreatedAt:   now,
			})
		}
		stored, err := tx.InsertDeliveryRecords(ctx, recs)
		if err != nil {
			return err
		}
		if err := tx.SetReservationTotal(ctx, orderID, total); err != nil {
			return err
		}
		res = succeed(MsgFinalized)
		res.Items = stored
		return nil
	})
	if err = settle(err); err != nil {
		return e.failed(ctx, span, "finalize", orderID, err)
	}

	switch res.Msg {
	case MsgFinalized:
		metrics.ItemsSold.Add(float64(len(res.Items)))
		if late {
			logx.Warn(ctx, e.log, "finalized after reservation expiry", zap.String("order_id", orderID))
		}
		for _, d := range res.Items {
			logx.Info(ctx, e.log, "item sold",
				zap.String("order_id", orderID),
				zap.String("product_code", d.ProductCode),
				zap.Int64("item_id", d.ItemID),
				zap.String("status", string(stock.ItemSold)))
		}
	case MsgAlreadyFinalized:
		logx.Info(ctx, e.log, "order already finalized", zap.String("order_id", orderID))
	case MsgNoReservation:
		// Payment arrived for an order that holds nothing: an operator must look.
		logx.Error(ctx, e.log, "finalize without reservation", zap.String("order_id", orderID))
	}
	return res, nil
}

// Release returns the items of the order's active reservations to available.
func (e *Engine) Release(ctx context.Context, orderID string, reason stock.ReleaseReason) (res Result, err error) {
	ctx, span, done := e.begin(ctx, "release",
		attribute.String("order_id", orderID), attribute.String("reason", string(reason)))
	defer func() { done(res, err) }()

	if !reason.Valid() {
		return fail(MsgInvalidReason), nil
	}
	if orderID == "" {
		return fail(MsgInvalidRequest), nil
	}

	var released []stock.Item
	err = e.run(ctx, "release", func(ctx context.Context, tx stock.Tx) error {
		res, released = Result{}, nil
		now := e.opts.Now()

		all, err := tx.ReservationsForOrder(ctx, orderID)
		if err != nil {
			return err
		}
		active, _ := split(all)
		if len(active) == 0 {
			res = succeed(MsgNoActiveReservation)
			return errRollback
		}

		items, err := itemsFor(ctx, tx, orderID, active)
		if err != nil {
			return err
		}
		for _, r := range active {
			closed, err := tx.CloseReservation(ctx, r.ID, stock.ReservationReleased, reason, now)
			if err != nil {
				return err
			}
			if !closed {
				return &stock.ConflictError{Op: "release: close reservation"}
			}
		}
		if _, err := tx.ReleaseItems(ctx, stock.IDs(items)); err != nil {
			return err
		}
		released = items
		res = succeed(MsgReleased)
		return nil
	})
	if err = settle(err); err != nil {
		return e.failed(ctx, span, "release", orderID, err)
	}

	if res.Msg == MsgReleased {
		metrics.ItemsReleased.WithLabelValues(string(reason)).Add(float64(len(released)))
		for _, it := range released {
			logx.Info(ctx, e.log, "item released",
				zap.String("order_id", orderID),
				zap.String("product_code", it.ProductCode),
				zap.Int64("item_id", it.ID),
				zap.String("reason", string(reason)),
				zap.String("status", string(stock.ItemAvailable)))
		}
	}
	return res, nil
}

// CleanExpired releases every order holding a reservation past its expiry and
// reports how many orders were released. Expired reservations are read
// ReaperBatch at a time; an order that fails to release is skipped for the
// rest of the sweep so it cannot hold back the ones behind it.
func (e *Engine) CleanExpired(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "inventory.clean_expired")
	defer span.End()

	now := e.opts.Now()
	seen := make(map[string]bool)
	var (
		errs   []error
		cursor stock.ExpiryCursor
		n      int
	)
	for {
		page, err := e.store.ExpiredReservations(ctx, now, cursor, e.opts.ReaperBatch)
		if err != nil {
			errs = append(errs, err)
			break
		}
		for _, r := range page {
			if seen[r.OrderID] {
				continue
			}
			seen[r.OrderID] = true

			res, err := e.Release(ctx, r.OrderID, stock.ReasonExpired)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if res.Msg == MsgReleased {
				n++
			}
		}
		if len(page) < e.opts.ReaperBatch {
			break
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		last := page[len(page)-1]
		cursor = stock.ExpiryCursor{ExpiresAt: last.ExpiresAt, ID: last.ID}
	}

	span.SetAttributes(attribute.Int("orders_released", n), attribute.Int("orders_seen", len(seen)))
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logx.Warn(ctx, e.log, "expired sweep incomplete", zap.Int("released", n), zap.Int("failed", len(errs)))
	}
	return n, err
}

func validateLines(orderID string, lines []Line) (Result, bool) {
	if orderID == "" || len(lines) == 0 {
		return fail(MsgInvalidRequest), true
	}
	seen := make(map[string]bool, len(lines))
	for _, ln := range lines {
		if ln.ProductCode == "" || ln.Qty <= 0 || seen[ln.ProductCode] {
			return lineFailure(MsgInvalidRequest, ln), true
		}
		seen[ln.ProductCode] = true
	}
	return Result{}, false
}

func lineFailure(msg string, ln Line) Result {
	r := fail(msg)
	r.ProductCode = ln.ProductCode
	r.Requested = ln.Qty
	return r
}

func split(all []stock.Reservation) (active []stock.Reservation, finalized int) {
	for _, r := range all {
		switch r.Status {
		case stock.ReservationReserved:
			active = append(active, r)
		case stock.ReservationFinalized:
			finalized++
		}
	}
	return active, finalized
}

// itemsFor returns the items reserved for orderID that belong to one of the
// active reservations.
func itemsFor(ctx context.Context, tx stock.Tx, orderID string, active []stock.Reservation) ([]stock.Item, error) {
	items, err := tx.ItemsReservedFor(ctx, orderID)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(active))
	for _, r := range active {
		want[r.ProductCode] = true
	}
	out := items[:0]
	for _, it := range items {
		if want[it.ProductCode] {
			out = append(out, it)
		}
	}
	return out, nil
}

func settle(err error) error {
	if errors.Is(err, errRollback) {
		return nil
	}
	return err
}

// run executes fn as one unit of work and retries it with exponential
// backoff while the store reports a lost race.
func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context, tx stock.Tx) error) error {
	delay := e.opts.Backoff
	for attempt := 0; ; attempt++ {
		err := e.store.InTx(ctx, fn)
		if err == nil || errors.Is(err, errRollback) || !stock.IsRetryable(err) || attempt >= e.opts.MaxRetries {
			return err
		}
		metrics.ConflictRetries.WithLabelValues(op).Inc()
		logx.Debug(ctx, e.log, "retrying after conflict", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))

		wait := delay/2 + rand.N(delay/2+1)
		select {
		case <-ctx.Done():
			return &stock.ConflictError{Op: op, Err: ctx.Err()}
		case <-time.After(wait):
		}
		delay *= 2
	}
}

func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func(Result, error)) {
	start := time.Now()
	var cancel context.CancelFunc = func() {}
	if e.opts.OpTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.opts.OpTimeout)
	}
	ctx, span := e.tracer.Start(ctx, "inventory."+op, trace.WithAttributes(attrs...))
	return ctx, span, func(res Result, err error) {
		defer cancel()
		defer span.End()
		span.SetAttributes(attribute.Bool("ok", res.OK), attribute.String("msg", res.Msg))
		metrics.Operations.WithLabelValues(op, res.Msg).Inc()
		metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// failed turns a unit-of-work error into the conflict or persistence result.
func (e *Engine) failed(ctx context.Context, span trace.Span, op, orderID string, err error) (Result, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if stock.IsRetryable(err) {
		logx.Warn(ctx, e.log, op+" gave up after conflicts", zap.String("order_id", orderID), zap.Error(err))
		return fail(MsgConflict), err
	}
	var pe *stock.PersistenceError
	if !errors.As(err, &pe) {
		err = &stock.PersistenceError{Op: op, Err: err}
	}
	logx.Error(ctx, e.log, op+" failed", zap.String("order_id", orderID), zap.Error(err))
	return fail(MsgPersistenceError), err
}
