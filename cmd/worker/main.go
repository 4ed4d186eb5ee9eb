package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ariefcatur/sats-orders/internal/app"
	"github.com/ariefcatur/sats-orders/internal/config"
	kafkax "github.com/ariefcatur/sats-orders/internal/kafka"
	"github.com/ariefcatur/sats-orders/internal/logging"
	"github.com/ariefcatur/sats-orders/internal/orders"
	"github.com/ariefcatur/sats-orders/internal/reconcile"
	"github.com/ariefcatur/sats-orders/internal/redisx"
	"github.com/ariefcatur/sats-orders/internal/tracing"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logging.MustNewLogger(cfg.ServiceName+"-worker", cfg.Env)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.ServiceName+"-worker", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("tracing_init_failed", zap.Error(err))
	}

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("app_build_failed", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweepLoop(ctx, a.Engine, cfg, log)
	}()

	if a.Redis != nil && len(cfg.KafkaBrokers) > 0 {
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, orders.TopicInventoryOversold,
			cfg.WorkerConcurrency, log.Named("consumer"))
		h := app.OversoldReviewHandler(redisx.NewDedup(a.Redis, cfg.WorkerGroup), a.Reviews, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("oversold_consumer_started", zap.String("group", cfg.WorkerGroup), zap.Int("workers", cfg.WorkerConcurrency))
			if err := cons.Start(ctx, h); err != nil {
				log.Error("oversold_consumer_exit", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting_down")
	wg.Wait()
	a.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdownTracing(shutdownCtx)
}

func sweepLoop(ctx context.Context, eng *reconcile.Engine, cfg config.Config, log *zap.Logger) {
	policy := reconcile.SweepPolicy{
		MaxAge:      cfg.OrderMaxAge,
		Limit:       200,
		Concurrency: cfg.WorkerConcurrency,
	}
	t := time.NewTicker(cfg.SweepInterval)
	defer t.Stop()
	for {
		stats, err := eng.Sweep(ctx, policy)
		if err != nil && ctx.Err() == nil {
			log.Error("sweep_failed", zap.Error(err))
		} else if stats.Checked > 0 || stats.Repaired > 0 {
			log.Info("sweep_done",
				zap.Int64("checked", stats.Checked),
				zap.Int64("paid", stats.Paid),
				zap.Int64("abandoned", stats.Abandoned),
				zap.Int64("errors", stats.Errors),
				zap.Int64("repaired", stats.Repaired))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
