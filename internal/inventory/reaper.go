package inventory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/logx"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/metrics"
)

// Lease lets one of several engine instances do periodic work per interval.
type Lease interface {
	TryAcquire(ctx context.Context, ttl time.Duration) (bool, error)
}

// Reaper periodically releases reservations whose TTL has passed.
type Reaper struct {
	engine   *Engine
	lease    Lease
	interval time.Duration
	log      *zap.Logger
}

// NewReaper builds a reaper; lease may be nil for a single instance.
func NewReaper(engine *Engine, lease Lease, interval time.Duration, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{engine: engine, lease: lease, interval: interval, log: log}
}

func (r *Reaper) Start(ctx context.Context) error {
	logx.Info(ctx, r.log, "reaper started", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			logx.Info(ctx, r.log, "reaper stopping")
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one sweep unless another instance holds this interval's lease.
// A lease backend failure does not stop the sweep.
func (r *Reaper) Tick(ctx context.Context) (released int, swept bool) {
	if r.lease != nil {
		got, err := r.lease.TryAcquire(ctx, r.interval-r.interval/10)
		if err != nil {
			logx.Warn(ctx, r.log, "reaper lease unavailable, sweeping anyway", zap.Error(err))
		} else if !got {
			metrics.ReaperSweeps.WithLabelValues("skipped").Inc()
			return 0, false
		}
	}

	n, err := r.engine.CleanExpired(ctx)
	if err != nil {
		metrics.ReaperSweeps.WithLabelValues("failed").Inc()
		logx.Error(ctx, r.log, "reaper sweep failed", zap.Int("released", n), zap.Error(err))
		return n, true
	}
	metrics.ReaperSweeps.WithLabelValues("swept").Inc()
	if n > 0 {
		logx.Info(ctx, r.log, "expired reservations released", zap.Int("orders", n))
	}
	return n, true
}
