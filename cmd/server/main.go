package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nathanyu/p2p-wallet/internal/config"
	"github.com/nathanyu/p2p-wallet/internal/eventstore"
	"github.com/nathanyu/p2p-wallet/internal/handler"
	"github.com/nathanyu/p2p-wallet/internal/idempotency"
	"github.com/nathanyu/p2p-wallet/internal/middleware"
	"github.com/nathanyu/p2p-wallet/internal/provisioning"
	"github.com/nathanyu/p2p-wallet/internal/queue"
	"github.com/nathanyu/p2p-wallet/internal/store"
	"github.com/nathanyu/p2p-wallet/internal/telemetry"
	"github.com/nathanyu/p2p-wallet/internal/transfer"
)

const (
	serviceName    = "p2p-wallet"
	serviceVersion = "1.0.0"
)

func main() {
	if err := run(); err != nil {
		slog.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	// Initialize structured logging
	telemetry.InitLogger(telemetry.LoggerConfig{
		Service:     serviceName,
		Version:     serviceVersion,
		Environment: cfg.Environment,
		Level:       telemetry.ParseLevel(cfg.LogLevel),
	})

	// Initialize OpenTelemetry tracing
	cleanup, err := telemetry.InitTracer(telemetry.TracerConfig{
		ServiceName: serviceName,
		Version:     serviceVersion,
		Environment: cfg.Environment,
		Endpoint:    cfg.Tracing.OTLPEndpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		slog.Warn("failed to initialize tracer", "error", err)
	} else {
		defer cleanup()
	}

	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting wallet service", "store", cfg.Store.Driver, "guard", cfg.Idempotency.Driver)

	// 1. Account store
	accounts, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. Transfer journal
	journal, err := eventstore.NewEventStore(cfg.Store.JournalPath)
	if err != nil {
		return fmt.Errorf("failed to open transfer journal: %w", err)
	}
	defer journal.Close()

	g, gctx := errgroup.WithContext(ctx)

	// 3. Idempotency guard
	guard, closeGuard, err := openGuard(gctx, g, cfg)
	if err != nil {
		return err
	}
	defer closeGuard()

	// 4. NATS
	slog.Info("connecting to NATS", "url", cfg.NATS.URL)
	natsClient, err := queue.NewNATSClient(queue.ConnOptions{
		URL:           cfg.NATS.URL,
		Name:          serviceName,
		ReconnectWait: cfg.NATS.ReconnectWait,
		MaxReconnects: cfg.NATS.MaxReconnects,
		DrainTimeout:  cfg.NATS.DrainTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer natsClient.Close()
	publisher := queue.NewEventPublisher(natsClient.GetConn(), cfg.NATS.EventsSubject)

	// 5. Transfer service; owed credits are finished before traffic is accepted
	transfers, err := transfer.NewService(accounts, guard, journal, publisher, transfer.Options{
		MaxRetries: cfg.Transfer.MaxRetries,
		BaseDelay:  cfg.Transfer.RetryBaseDelay,
		MaxDelay:   cfg.Transfer.RetryMaxDelay,
	})
	if err != nil {
		return err
	}
	report, err := transfers.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover pending transfers: %w", err)
	}
	slog.Info("journal recovered", "credited", report.Credited, "resolved", report.Resolved, "failed", report.Failed)

	g.Go(func() error {
		transfers.StartRecovery(gctx, cfg.Transfer.RecoveryInterval)
		return nil
	})

	// 6. Provisioning from verified identities
	provisioner := provisioning.NewService(accounts, publisher)
	subscriber := queue.NewIdentitySubscriber(natsClient.GetConn(), cfg.NATS.IdentitySubject, cfg.NATS.ProvisioningQueue, provisioner)
	if err := subscriber.Start(); err != nil {
		return fmt.Errorf("failed to subscribe to identity events: %w", err)
	}
	defer subscriber.Stop()

	// 7. HTTP API
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Tracing())
	router.Use(middleware.Metrics())
	handler.SetupRoutes(router, handler.NewHandler(transfers, cfg.RequestTimeout), middleware.Auth([]byte(cfg.JWTSecret)))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	// 8. Metrics server (separate port for Prometheus scraping)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	g.Go(func() error { return serve(srv, "http") })
	g.Go(func() error { return serve(metricsSrv, "metrics") })

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server forced to shutdown", "error", err)
		}
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server forced to shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("service stopped")
	return nil
}

func serve(srv *http.Server, name string) error {
	slog.Info("server listening", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.AccountStore, func(), error) {
	if cfg.Store.Driver != config.DriverPostgres {
		return store.NewMemoryStore(), func() {}, nil
	}

	db, err := store.OpenPostgres(ctx, cfg.Store.DatabaseURL, 10, 2*time.Second)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgresStore(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return pg, closer(db), nil
}

func closer(db *sql.DB) func() {
	return func() {
		if err := db.Close(); err != nil {
			slog.Warn("failed to close database", "error", err)
		}
	}
}

func openGuard(ctx context.Context, g *errgroup.Group, cfg *config.Config) (idempotency.Guard, func(), error) {
	opts := idempotency.Options{
		Lease:     cfg.Idempotency.Lease,
		Retention: cfg.Idempotency.Retention,
	}

	if cfg.Idempotency.Driver != config.DriverRedis {
		guard := idempotency.NewMemoryGuard(opts)
		g.Go(func() error {
			guard.Start(ctx, cfg.Idempotency.SweepInterval)
			return nil
		})
		return guard, func() {}, nil
	}

	client, err := idempotency.NewRedisClient(ctx, cfg.Idempotency.RedisAddr, cfg.Idempotency.RedisPassword, cfg.Idempotency.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	return idempotency.NewRedisGuard(client, opts), func() { client.Close() }, nil
}
