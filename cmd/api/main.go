package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/app"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/catalog"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/config"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/httpx"
	"github.com/Jinniwidyaballukh/pbs-bot-tele/internal/logx"
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

	tp, err := tracing.Init(ctx, cfg.ServiceName+"-api", cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("tracer", zap.Error(err))
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}
	defer a.Close()

	router := httpx.NewRouter()
	h := &httpx.StockHandler{
		Engine:     a.Engine,
		Stats:      a.Stats,
		Reconciler: a.Reconciler,
		Catalog:    catalog.NewService(a.Store, logger.Named("catalog")),
		Store:      a.Store,
		Log:        logger.Named("http"),
	}
	h.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.StoreDriver == "memory" {
		// Nobody else shares this store, so expiry has to run here.
		g.Go(func() error { return a.Reaper.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return tp.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("exit", zap.Error(err))
	}
}
