package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operations counts engine calls by operation and result msg.
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stock",
		Name:      "operations_total",
		Help:      "Engine operations by op and outcome.",
	}, []string{"op", "msg"})

	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stock",
		Name:      "operation_duration_seconds",
		Help:      "Engine operation latency including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	ConflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stock",
		Name:      "conflict_retries_total",
		Help:      "Units of work retried after a lost concurrency race.",
	}, []string{"op"})

	ItemsReserved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stock",
		Name:      "items_reserved_total",
		Help:      "Stock items moved to reserved.",
	})

	ItemsSold = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stock",
		Name:      "items_sold_total",
		Help:      "Stock items moved to sold.",
	})

	ItemsReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stock",
		Name:      "items_released_total",
		Help:      "Stock items returned to available, by release reason.",
	}, []string{"reason"})

	ReaperSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stock",
		Name:      "reaper_sweeps_total",
		Help:      "Reaper ticks by result (swept, skipped, failed).",
	}, []string{"result"})

	Discrepancies = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stock",
		Name:      "reconcile_discrepancies",
		Help:      "Discrepancies found by the last reconciliation, by kind.",
	}, []string{"kind"})

	StatsCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stock",
		Name:      "stats_cache_total",
		Help:      "Stats snapshot lookups by result (hit, miss, bypass).",
	}, []string{"result"})

	EventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stock",
		Name:      "events_handled_total",
		Help:      "Kafka events handled by type and result.",
	}, []string{"event_type", "result"})
)
