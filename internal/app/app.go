// Package app assembles the ledger's storage, services and HTTP router
// from configuration. Both the API server and ledgerctl build through it.
package app

import (
	"context"
	"fmt"

	"trading-ledger/config"
	"trading-ledger/internal/adapter/gateway"
	httpHandler "trading-ledger/internal/adapter/http/handler"
	"trading-ledger/internal/adapter/http/middleware"
	"trading-ledger/internal/adapter/kafka"
	"trading-ledger/internal/adapter/storage/memory"
	pgStorage "trading-ledger/internal/adapter/storage/postgres"
	redisStorage "trading-ledger/internal/adapter/storage/redis"
	"trading-ledger/internal/core/ports"
	"trading-ledger/internal/metrics"
	"trading-ledger/internal/service"
	"trading-ledger/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Options tweak what Build wires.
type Options struct {
	// WithMetrics registers Prometheus collectors when metrics are enabled.
	WithMetrics bool
	// Migrate applies embedded migrations regardless of storage.auto_migrate.
	Migrate bool
}

// App holds the wired services. Close releases connections in reverse order.
type App struct {
	Config *config.Config
	Log    zerolog.Logger

	Metrics        *metrics.Metrics
	Ledger         *service.LedgerServiceImpl
	Webhooks       *service.WebhookServiceImpl
	Reconciler     *service.ReconciliationServiceImpl
	Summary        *service.SummaryServiceImpl
	Tokens         *service.JWTTokenService // nil when admin.jwt_secret is empty
	RateLimit      middleware.RateLimitStore
	HealthCheckers []ports.HealthChecker

	closers []func()
}

type storage struct {
	ledger     ports.LedgerRepository
	events     ports.WebhookEventRepository
	reports    ports.ReportRepository
	transactor ports.DBTransactor
	lock       ports.EventLock
	health     ports.HealthChecker
}

// Build connects storage and wires every service.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Log: log}

	store, err := a.openStorage(ctx, opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.HealthCheckers = append(a.HealthCheckers, store.health)

	if cfg.Redis.Enabled {
		rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		store.lock = redisStorage.NewEventLock(rdb)
		a.RateLimit = redisStorage.NewRateLimitStore(rdb)
		a.HealthCheckers = append(a.HealthCheckers, redisStorage.NewHealthCheck(rdb))
	} else {
		if cfg.Storage.Driver == "postgres" {
			log.Warn().Msg("redis disabled: webhook locks and rate limits are per process")
		}
		store.lock = memory.NewEventLock()
		a.RateLimit = middleware.NewLocalRateLimitStore()
	}

	var publisher ports.EventPublisher = kafka.NoopPublisher{}
	if cfg.Kafka.Enabled {
		p := kafka.NewPublisher(cfg.Kafka, logger.WithComponent(log, "kafka"))
		a.closers = append(a.closers, func() {
			if err := p.Close(); err != nil {
				log.Warn().Err(err).Msg("closing kafka writer")
			}
		})
		publisher = p
	}

	if opts.WithMetrics && cfg.Metrics.Enabled {
		a.Metrics = metrics.New(prometheus.NewRegistry())
	}

	a.Ledger = service.NewLedgerService(
		store.ledger, store.transactor, publisher, a.Metrics,
		cfg.Ledger.Currencies, cfg.Ledger.BaseCurrency, logger.WithComponent(log, "ledger"),
	)

	registry := service.NewHandlerRegistry()
	service.RegisterLedgerHandlers(registry, a.Ledger, cfg.Ledger.BaseCurrency)

	a.Webhooks = service.NewWebhookService(
		store.events,
		store.transactor,
		service.NewHMACSignatureService(cfg.Webhook.Secret, cfg.Webhook.Tolerance),
		store.lock,
		registry,
		publisher,
		a.Metrics,
		webhookSettings(cfg.Webhook),
		logger.WithComponent(log, "webhook"),
	)

	settings, err := reconcileSettings(cfg.Reconcile)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Reconciler = service.NewReconciliationService(
		gateway.NewClient(cfg.Gateway, logger.WithComponent(log, "gateway")),
		store.ledger,
		store.reports,
		store.transactor,
		a.Ledger,
		a.Metrics,
		settings,
		logger.WithComponent(log, "reconciler"),
	)

	a.Summary = service.NewSummaryService(store.ledger, store.reports, store.events)

	if cfg.Admin.JWTSecret != "" {
		a.Tokens = service.NewJWTTokenService(cfg.Admin.JWTSecret, cfg.Admin.JWTExpiry, cfg.Admin.JWTIssuer)
	} else {
		log.Warn().Msg("admin.jwt_secret not set: operator routes are unauthenticated")
	}

	return a, nil
}

func (a *App) openStorage(ctx context.Context, opts Options) (*storage, error) {
	cfg := a.Config
	switch cfg.Storage.Driver {
	case "memory":
		a.Log.Warn().Msg("using in-memory storage; ledger state is lost on exit")
		s := memory.New()
		return &storage{
			ledger:     memory.NewLedgerRepo(s),
			events:     memory.NewWebhookRepo(s),
			reports:    memory.NewReportRepo(s),
			transactor: s,
			health:     memory.HealthCheck{},
		}, nil

	case "postgres":
		pool, err := pgStorage.NewPool(ctx, cfg.Database, a.Log)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		if cfg.Storage.AutoMigrate || opts.Migrate {
			if _, err := pgStorage.Migrate(ctx, pool, a.Log); err != nil {
				return nil, fmt.Errorf("running migrations: %w", err)
			}
		}

		return &storage{
			ledger:     pgStorage.NewLedgerRepo(pool),
			events:     pgStorage.NewWebhookRepo(pool),
			reports:    pgStorage.NewReportRepo(pool),
			transactor: pgStorage.NewTransactor(pool),
			health:     pgStorage.NewHealthCheck(pool),
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// Router builds the gin engine over the wired services.
func (a *App) Router() *gin.Engine {
	deps := httpHandler.RouterDeps{
		LedgerSvc:      a.Ledger,
		WebhookSvc:     a.Webhooks,
		ReconSvc:       a.Reconciler,
		SummarySvc:     a.Summary,
		RateLimitStore: a.RateLimit,
		WebhookLimit: middleware.RateLimitRule{
			Limit:  a.Config.RateLimit.WebhookLimit,
			Window: a.Config.RateLimit.Window,
		},
		HealthCheckers: a.HealthCheckers,
		Metrics:        a.Metrics,
		MetricsPath:    a.Config.Metrics.Path,
		MaxBodyBytes:   a.Config.Server.MaxBodyBytes,
		Logger:         a.Log,
	}
	if a.Tokens != nil {
		deps.TokenSvc = a.Tokens
	}
	return httpHandler.SetupRouter(deps)
}

// Close releases everything Build opened.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func webhookSettings(cfg config.WebhookConfig) service.WebhookSettings {
	s := service.DefaultWebhookSettings()
	if cfg.MaxRetryAttempts > 0 {
		s.MaxRetryAttempts = cfg.MaxRetryAttempts
	}
	if len(cfg.Backoff) > 0 {
		s.Backoff = cfg.Backoff
	}
	if cfg.LockTTL > 0 {
		s.LockTTL = cfg.LockTTL
	}
	if cfg.PendingGrace > 0 {
		s.PendingGrace = cfg.PendingGrace
	}
	if cfg.StaleAfter > 0 {
		s.StaleAfter = cfg.StaleAfter
	}
	if cfg.RetryBatchSize > 0 {
		s.BatchSize = cfg.RetryBatchSize
	}
	s.AsyncProcessing = cfg.AsyncProcessing
	return s
}

func reconcileSettings(cfg config.ReconcileConfig) (service.ReconcileSettings, error) {
	s := service.DefaultReconcileSettings()
	tol, err := cfg.ToleranceDecimal()
	if err != nil {
		return s, err
	}
	s.Tolerance = tol
	if cfg.PageSize > 0 {
		s.PageSize = cfg.PageSize
	}
	if cfg.RunTimeout > 0 {
		s.RunTimeout = cfg.RunTimeout
	}
	return s, nil
}
