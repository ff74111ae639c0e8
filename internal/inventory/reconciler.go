package inventory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/logx"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/metrics"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/stock"
)

var discrepancyKinds = []string{
	stock.DiscReservedCountMismatch,
	stock.DiscOrphanReservedItem,
	stock.DiscDeliveryCountMismatch,
}

// Reconciler compares per-item state with reservation and delivery rows. It
// only reports; it never repairs.
type Reconciler struct {
	store    stock.Store
	lease    Lease
	interval time.Duration
	log      *zap.Logger
}

func NewReconciler(store stock.Store, lease Lease, interval time.Duration, log *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{store: store, lease: lease, interval: interval, log: log}
}

func (r *Reconciler) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if r.lease != nil {
				got, err := r.lease.TryAcquire(ctx, r.interval-r.interval/10)
				if err == nil && !got {
					continue
				}
			}
			if _, err := r.Run(ctx); err != nil {
				logx.Error(ctx, r.log, "reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Run performs one check, logs each finding and updates the gauge.
func (r *Reconciler) Run(ctx context.Context) ([]stock.Discrepancy, error) {
	ds, err := r.store.Reconcile(ctx)
	if err != nil {
		return nil, err
	}

	byKind := make(map[string]int, len(discrepancyKinds))
	for _, d := range ds {
		byKind[d.Kind]++
		logx.Warn(ctx, r.log, "stock discrepancy",
			zap.String("kind", d.Kind),
			zap.String("order_id", d.OrderID),
			zap.String("product_code", d.ProductCode),
			zap.Int("expected", d.Expected),
			zap.Int("actual", d.Actual))
	}
	for _, k := range discrepancyKinds {
		metrics.Discrepancies.WithLabelValues(k).Set(float64(byKind[k]))
	}
	if len(ds) == 0 {
		logx.Debug(ctx, r.log, "reconciliation clean")
	}
	if ds == nil {
		ds = []stock.Discrepancy{}
	}
	return ds, nil
}
