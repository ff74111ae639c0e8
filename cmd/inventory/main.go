package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/app"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/config"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/inventory"
	kafkax "github.com/Jinniwidyaballukh/pbs-bot-tele/internal/kafka"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/logx"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/orders"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/redisx"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/tracing"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logx.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.ServiceName+"-inventory", cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("tracer", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}
	defer a.Close()

	// Producers write on their own context so queued events flush after shutdown starts.
	pctx, pcancel := context.WithCancel(context.Background())
	defer pcancel()
	newProducer := func(topic string) *kafkax.Producer {
		p := kafkax.NewProducer(cfg.KafkaBrokers, topic, 1024, logger.Named("producer"))
		p.Start(pctx)
		return p
	}
	producers := []*kafkax.Producer{
		newProducer(orders.TopicStockReserved),
		newProducer(orders.TopicStockRejected),
		newProducer(orders.TopicOrderFulfilled),
		newProducer(orders.TopicStockReleased),
	}

	svc := &inventory.Service{
		Engine:      a.Engine,
		Reserved:    producers[0],
		Rejected:    producers[1],
		Fulfilled:   producers[2],
		Released:    producers[3],
		ServiceName: cfg.ServiceName + "-inventory",
		Log:         logger.Named("service"),
	}
	if a.Redis != nil {
		svc.Dedup = &redisx.Dedup{Redis: a.Redis, Service: "inventory"}
	}

	group, workers := cfg.Inventory.Group, cfg.Inventory.Workers
	g, gctx := errgroup.WithContext(ctx)
	consume := func(topic string, h kafkax.Handler) {
		c := kafkax.NewConsumer(cfg.KafkaBrokers, group, topic, workers, logger.Named("consumer"))
		g.Go(func() error {
			logx.Info(gctx, logger, "inventory consumer started",
				zap.String("group", group), zap.String("topic", topic), zap.Int("workers", workers))
			return c.Start(gctx, h)
		})
	}
	consume(orders.TopicOrderCreated, svc.HandleOrderCreated)
	consume(orders.TopicPaymentConfirmed, svc.HandlePaymentConfirmed)
	consume(orders.TopicOrderCancelled, svc.HandleOrderCancelled)

	g.Go(func() error { return a.Reaper.Start(gctx) })
	g.Go(func() error { return a.Reconciler.Start(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error("worker exit", zap.Error(err))
	}

	logger.Info("shutting down producers...")
	for _, p := range producers {
		p.Close()
	}
	for _, p := range producers {
		p.WaitClosed()
	}
}
