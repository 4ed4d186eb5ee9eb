package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/sats-orders/internal/app"
	"github.com/ariefcatur/sats-orders/internal/config"
	"github.com/ariefcatur/sats-orders/internal/httpx"
	"github.com/ariefcatur/sats-orders/internal/logging"
	"github.com/ariefcatur/sats-orders/internal/tracing"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logging.MustNewLogger(cfg.ServiceName, cfg.Env)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("tracing_init_failed", zap.Error(err))
	}

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("app_build_failed", zap.Error(err))
	}

	router := httpx.NewRouter(log, a.Registry, a.Checks...)
	h := &httpx.OrdersHandler{Engine: a.Engine, Catalog: a.Catalog}
	if a.Reviews != nil {
		h.Reviews = a.Reviews
	}
	h.Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("http_server_start", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http_server_error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http_server_shutdown_error", zap.Error(err))
	}
	a.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing_shutdown_error", zap.Error(err))
	}
}
