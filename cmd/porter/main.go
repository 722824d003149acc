package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/porter/pkg/api"
	"github.com/platinummonkey/porter/pkg/async"
	"github.com/platinummonkey/porter/pkg/audit"
	"github.com/platinummonkey/porter/pkg/config"
	"github.com/platinummonkey/porter/pkg/invitations"
	"github.com/platinummonkey/porter/pkg/middleware"
	"github.com/platinummonkey/porter/pkg/observability"
	"github.com/platinummonkey/porter/pkg/rbac"
	"github.com/platinummonkey/porter/pkg/storage"
	"github.com/platinummonkey/porter/pkg/tenancy"
)

var (
	runMigrations = flag.Bool("migrate", false, "Apply database migrations before serving")
	migrateOnly   = flag.Bool("migrate-only", false, "Apply database migrations and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("porter stopped with an error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(context.Context) error { return db.Close() })

	if *runMigrations || *migrateOnly {
		applied, err := storage.Migrate(ctx, db, cfg.Database.Dialect())
		if err != nil {
			db.Close()
			return err
		}
		logger.WithField("versions", applied).Info("Database migrations applied")
		if *migrateOnly {
			return db.Close()
		}
	}

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel, logger)
	if err != nil {
		logger.WithError(err).Warn("OpenTelemetry disabled after initialization failure")
	}
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers)
	})

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		shutdown.RegisterShutdownFunc(func(context.Context) error { return redisClient.Close() })
	}

	cache := grantCache(cfg, redisClient)
	recorder := audit.NewRecorder(logger, metrics)
	store := rbac.NewStore(db, recorder, cache, metrics, logger)
	resolver := rbac.NewResolver(db, cache, metrics, logger)
	guard := tenancy.NewGuard(db, resolver, recorder, metrics, logger)
	invites := invitations.NewService(db, store, guard, recorder, invitations.Options{
		TTL:     cfg.Invitations.TTL,
		Metrics: metrics,
		Logger:  logger,
	})
	authenticator, err := middleware.NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return err
	}

	seeded, err := store.SeedSystemRoles(ctx, rbac.SystemActor)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"roles_created": seeded.RolesCreated,
		"roles_updated": seeded.RolesUpdated,
		"grants_added":  seeded.GrantsAdded,
	}).Info("System roles seeded")

	if err := startCatalog(ctx, cfg.Catalog, store, logger); err != nil {
		return err
	}

	server := api.NewServer(api.Dependencies{
		DB:             db,
		Store:          store,
		Checker:        resolver,
		Guard:          guard,
		Invitations:    invites,
		Authenticator:  authenticator,
		PublicLimiter:  publicLimiter(cfg.RateLimit, redisClient),
		AcceptTokenTTL: cfg.Invitations.AcceptTokenTTL,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Metrics:        metrics,
		Logger:         logger,
	})

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics live on their own port for k8s probes
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if metrics != nil {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     healthMux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	shutdown.AddServer(apiServer)
	shutdown.AddServer(healthServer)

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{apiServer, healthServer} {
		srv := srv
		async.Go(ctx, logger, "serve "+srv.Addr, func(context.Context) error {
			logger.WithField("addr", srv.Addr).Info("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			return nil
		})
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully")
	case serveErr = <-errCh:
		logger.WithError(serveErr).Error("Server failed")
	}
	if err := shutdown.Shutdown(); err != nil {
		return errors.Join(serveErr, err)
	}
	return serveErr
}

// grantCache prefers Redis so every API instance sees the same invalidations
func grantCache(cfg *config.Config, client *redis.Client) rbac.GrantCache {
	switch {
	case !cfg.Cache.Enabled:
		return rbac.NopCache{}
	case client != nil:
		return rbac.NewRedisGrantCache(client, cfg.Cache.TTL)
	default:
		return rbac.NewLRUGrantCache(cfg.Cache.Size, cfg.Cache.TTL)
	}
}

func publicLimiter(cfg middleware.RateLimitConfig, client *redis.Client) middleware.Limiter {
	if client != nil {
		return middleware.NewRedisLimiter(client, cfg, "")
	}
	return middleware.NewLocalLimiter(cfg)
}

// startCatalog applies the custom role catalog and, when asked, re-applies it on change
func startCatalog(ctx context.Context, cfg config.CatalogConfig, store *rbac.Store, logger *observability.Logger) error {
	if cfg.Path == "" {
		return nil
	}
	apply := func() error {
		catalog, err := rbac.LoadCatalogFile(cfg.Path)
		if err != nil {
			return err
		}
		result, err := store.ApplyCatalog(ctx, rbac.SystemActor, catalog)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"path":          cfg.Path,
			"roles_created": result.RolesCreated,
			"roles_updated": result.RolesUpdated,
			"grants_added":  result.GrantsAdded,
		}).Info("Role catalog applied")
		return nil
	}
	if err := apply(); err != nil {
		return err
	}
	if !cfg.Watch {
		return nil
	}
	return config.WatchFile(ctx, cfg.Path, logger, apply)
}
