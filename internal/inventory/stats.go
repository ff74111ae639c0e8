package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/logx"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/metrics"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/redisx"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/stock"
)

// SnapshotCache holds short-lived JSON snapshots.
type SnapshotCache interface {
	Get(ctx context.Context, key string, out any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
}

// Stats serves read-only counts. Snapshots may lag the store by up to ttl.
type Stats struct {
	store stock.Store
	cache SnapshotCache
	cb    *gobreaker.CircuitBreaker
	ttl   time.Duration
	log   *zap.Logger
}

type Overview struct {
	Reservations stock.ReservationCounts `json:"reservations"`
	Items        stock.ItemCounts        `json:"items"`
}

// NewStats wires the cache behind a circuit breaker; cache may be nil.
func NewStats(store stock.Store, cache SnapshotCache, ttl time.Duration, log *zap.Logger) *Stats {
	if ttl <= 0 {
		ttl = redisx.TTLStats
	}
	return &Stats{
		store: store,
		cache: cache,
		ttl:   ttl,
		log:   log,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "stats-cache",
			MaxRequests: 1,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state change",
					zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
}

func (s *Stats) ReservationCounts(ctx context.Context) (stock.ReservationCounts, error) {
	return cached(ctx, s, redisx.KeyReservationStats, func(ctx context.Context) (stock.ReservationCounts, error) {
		return s.store.ReservationCounts(ctx)
	})
}

// ItemCounts counts items by status for one product, or all products when
// productCode is empty.
func (s *Stats) ItemCounts(ctx context.Context, productCode string) (stock.ItemCounts, error) {
	return cached(ctx, s, redisx.KeyItemStatsFor(productCode), func(ctx context.Context) (stock.ItemCounts, error) {
		return s.store.CountByStatus(ctx, productCode)
	})
}

func (s *Stats) Overview(ctx context.Context) (Overview, error) {
	rc, err := s.ReservationCounts(ctx)
	if err != nil {
		return Overview{}, err
	}
	ic, err := s.ItemCounts(ctx, "")
	if err != nil {
		return Overview{}, err
	}
	return Overview{Reservations: rc, Items: ic}, nil
}

func cached[T any](ctx context.Context, s *Stats, key string, load func(context.Context) (T, error)) (T, error) {
	if s.cache == nil {
		metrics.StatsCache.WithLabelValues("bypass").Inc()
		return load(ctx)
	}

	hit, err := executeWithBreaker(s.cb, func() (*T, error) {
		var v T
		found, err := s.cache.Get(ctx, key, &v)
		if err != nil || !found {
			return nil, err
		}
		return &v, nil
	})
	if err != nil && !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		logx.Warn(ctx, s.log, "stats cache read failed", zap.String("key", key), zap.Error(err))
	}
	if hit != nil {
		metrics.StatsCache.WithLabelValues("hit").Inc()
		return *hit, nil
	}

	metrics.StatsCache.WithLabelValues("miss").Inc()
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if _, err := executeWithBreaker(s.cb, func() (struct{}, error) {
		return struct{}{}, s.cache.Set(ctx, key, v, s.ttl)
	}); err != nil {
		logx.Debug(ctx, s.log, "stats cache write skipped", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

func executeWithBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	res, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return *new(T), err
	}
	return res.(T), nil
}
