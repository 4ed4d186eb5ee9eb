// Package app wires configuration into a running engine for the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/ariefcatur/sats-orders/internal/catalog"
	"github.com/ariefcatur/sats-orders/internal/config"
	"github.com/ariefcatur/sats-orders/internal/gateway"
	"github.com/ariefcatur/sats-orders/internal/httpx"
	"github.com/ariefcatur/sats-orders/internal/inventory"
	kafkax "github.com/ariefcatur/sats-orders/internal/kafka"
	"github.com/ariefcatur/sats-orders/internal/memstore"
	"github.com/ariefcatur/sats-orders/internal/metrics"
	"github.com/ariefcatur/sats-orders/internal/orders"
	"github.com/ariefcatur/sats-orders/internal/postgres"
	"github.com/ariefcatur/sats-orders/internal/reconcile"
	"github.com/ariefcatur/sats-orders/internal/redisx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type App struct {
	Engine   *reconcile.Engine
	Catalog  catalog.Store
	Registry *prometheus.Registry
	Redis    *redis.Client
	Reviews  *redisx.ReviewQueue
	Producer *kafkax.Producer
	Checks   []httpx.HealthCheck

	closers []func()
}

// Build connects the configured backends. STORE=memory runs on the in-memory
// ledger with a seeded demo catalog and the fake payment network.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var (
		ledger reconcile.OrderLedger
		stock  reconcile.InventoryLedger
		gw     gateway.Gateway
	)
	switch cfg.Store {
	case "memory":
		mem := memstore.New()
		SeedDemoCatalog(mem)
		ledger, stock, a.Catalog = mem, mem, mem
		gw = gateway.NewFake()
		log.Warn("memory_store_enabled")
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.Options{})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.Checks = append(a.Checks, db.Ping)
		ledger = &orders.Repo{DB: db}
		stock = &inventory.Repo{DB: db}
		a.Catalog = &catalog.PostgresStore{DB: db}
		gw = gateway.NewClient(gateway.ClientConfig{
			BaseURL: cfg.GatewayURL,
			APIKey:  cfg.GatewayAPIKey,
			Timeout: cfg.GatewayTimeout,
		}, log.Named("gateway"))
	default:
		return nil, fmt.Errorf("unknown STORE %q", cfg.Store)
	}

	deps := reconcile.Deps{
		Orders:    ledger,
		Inventory: stock,
		Resolver:  catalog.NewResolver(a.Catalog),
		Gateway:   gw,
		Metrics:   metrics.New(a.Registry),
		Logger:    log.Named("reconcile"),
		Producer:  cfg.ServiceName,
	}

	if cfg.RedisAddr != "" {
		a.Redis = redisx.New(cfg.RedisAddr)
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
		a.Checks = append(a.Checks, func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() })
		deps.Cache = redisx.NewStatusCache(a.Redis)
		deps.Idempotency = redisx.NewIdempotency(a.Redis)
		a.Reviews = redisx.NewReviewQueue(a.Redis)
	}
	if len(cfg.KafkaBrokers) > 0 {
		a.Producer = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log.Named("kafka"))
		a.Producer.Start(ctx)
		a.closers = append(a.closers, func() {
			a.Producer.Close()
			a.Producer.WaitClosed()
		})
		deps.Publisher = a.Producer
	}

	eng, err := reconcile.New(deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = eng
	return a, nil
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func SeedDemoCatalog(s *memstore.Store) {
	s.AddProduct(catalog.Product{
		ID: "2f1f6a3e-0000-4000-8000-000000000001", Slug: "classic-tee", Name: "Classic Tee", PriceSats: 25000, Active: true,
		Variants: []catalog.Variant{
			{ID: "2f1f6a3e-0000-4000-8000-0000000000a1", Label: "S", Available: 20, Active: true},
			{ID: "2f1f6a3e-0000-4000-8000-0000000000a2", Label: "M", Available: 20, Active: true},
			{ID: "2f1f6a3e-0000-4000-8000-0000000000a3", Label: "L", Available: 20, Active: true},
		},
	})
	s.AddProduct(catalog.Product{
		ID: "2f1f6a3e-0000-4000-8000-000000000002", Slug: "sticker-pack", Name: "Sticker Pack", PriceSats: 5000, Active: true,
		Variants: []catalog.Variant{
			{ID: "2f1f6a3e-0000-4000-8000-0000000000b1", Label: "standard", Available: 100, Active: true},
		},
	})
}
