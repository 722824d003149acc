package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/porter/pkg/async"
	"github.com/platinummonkey/porter/pkg/audit"
	"github.com/platinummonkey/porter/pkg/config"
	"github.com/platinummonkey/porter/pkg/invitations"
	"github.com/platinummonkey/porter/pkg/observability"
	"github.com/platinummonkey/porter/pkg/rbac"
	"github.com/platinummonkey/porter/pkg/storage"
	"github.com/platinummonkey/porter/pkg/tenancy"
)

var (
	runOnce     = flag.Bool("run-once", false, "Run every job once and exit (for backfills and testing)")
	archiveDate = flag.String("date", "", "Day to archive (YYYY-MM-DD). If empty, archives yesterday. Only used with -run-once")
	jobTimeout  = flag.Duration("job-timeout", 10*time.Minute, "Upper bound on a single job run")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.Observability.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// The services log through the structured logger; job progress goes through logrus
	svcLogger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)
	recorder := audit.NewRecorder(svcLogger, metrics)
	store := rbac.NewStore(db, recorder, nil, metrics, svcLogger)
	resolver := rbac.NewResolver(db, nil, metrics, svcLogger)
	guard := tenancy.NewGuard(db, resolver, recorder, metrics, svcLogger)

	j := &jobs{
		invitations: invitations.NewService(db, store, guard, recorder, invitations.Options{
			TTL:     cfg.Invitations.TTL,
			Metrics: metrics,
			Logger:  svcLogger,
		}),
		timeout: *jobTimeout,
		metrics: metrics,
		log:     log,
	}
	if cfg.Archive.Enabled {
		client, err := audit.NewS3Client(ctx, cfg.Archive.S3)
		if err != nil {
			log.WithError(err).Fatal("Failed to create S3 client")
		}
		j.archiver = audit.NewArchiver(db, client, cfg.Archive.S3, log)
	}

	if *runOnce {
		day := yesterday(time.Now())
		if *archiveDate != "" {
			day, err = time.Parse("2006-01-02", *archiveDate)
			if err != nil {
				log.WithError(err).Fatal("Invalid date format")
			}
		}
		err := errors.Join(j.expireInvitations(ctx), j.archiveAudit(ctx, day))
		if err != nil {
			log.WithError(err).Fatal("Run failed")
		}
		log.Info("Run completed successfully")
		return
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log))),
	)
	if _, err := c.AddFunc(cfg.Invitations.ExpirySchedule, func() { _ = j.expireInvitations(ctx) }); err != nil {
		log.WithError(err).Fatal("Failed to schedule invitation expiry")
	}
	if j.archiver != nil {
		if _, err := c.AddFunc(cfg.Archive.Schedule, func() { _ = j.archiveAudit(ctx, yesterday(time.Now())) }); err != nil {
			log.WithError(err).Fatal("Failed to schedule audit archive")
		}
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, nil))
	if metrics != nil {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     healthMux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}
	async.Go(ctx, svcLogger, "health server", func(context.Context) error {
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	c.Start()
	log.WithFields(logrus.Fields{
		"expiry_schedule":  cfg.Invitations.ExpirySchedule,
		"archive_enabled":  j.archiver != nil,
		"archive_schedule": cfg.Archive.Schedule,
	}).Info("porter-jobs started")

	<-ctx.Done()
	log.Info("Shutting down gracefully...")

	stopped := c.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Health server shutdown failed")
	}
	select {
	case <-stopped.Done():
	case <-shutdownCtx.Done():
		log.Warn("Jobs still running at shutdown deadline")
	}
	log.Info("porter-jobs stopped")
}
