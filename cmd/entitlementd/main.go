package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/platinummonkey/entitlements/pkg/api"
	"github.com/platinummonkey/entitlements/pkg/config"
	"github.com/platinummonkey/entitlements/pkg/middleware"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/service"
)

// version is set at build time
var version = "dev"

func main() {
	skipMigrations := flag.Bool("skip-migrations", false, "Do not apply pending database migrations on startup")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	if err := run(cfg, logger, *skipMigrations); err != nil {
		logger.WithError(err).Error("entitlementd stopped with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, skipMigrations bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otel, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    1.0,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	svc, err := service.Build(ctx, cfg, service.Options{
		Logger:         logger,
		AuditOutput:    os.Stdout,
		SkipMigrations: skipMigrations,
	})
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"storage":       cfg.Database.Storage,
		"license_cache": cfg.Licensing.CacheBackend,
		"domain_match":  cfg.Licensing.DomainMatch,
	}).Info("engines initialized")

	if svc.Connections != nil {
		svc.Connections.StartHealthCheckRoutine(ctx, 30*time.Second)
	}

	apiServer := api.NewServer(svc.Licenses, svc.Orgs, svc.Gate, api.Config{
		Logger:          logger,
		Metrics:         svc.Metrics,
		EnforceActions:  cfg.Server.EnforceActions,
		ValidateLimiter: validateLimiter(ctx, cfg, svc),
	})

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	registry := svc.Registry
	if !cfg.Observability.MetricsEnabled {
		registry = nil
	}
	opsServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           api.OpsHandler(observability.NewHealthChecker(svc.DB, svc.Redis, version), registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register(func(ctx context.Context) error { return observability.ShutdownOTel(ctx, otel, logger) })
	shutdown.Register(func(context.Context) error { return svc.Close() })
	shutdown.Register(opsServer.Shutdown)
	shutdown.Register(func(context.Context) error {
		cancel()
		return nil
	})

	serverErr := make(chan error, 2)
	go serve(opsServer, "ops", logger, serverErr)
	go serve(server, "api", logger, serverErr)

	signalDone := make(chan error, 1)
	go func() { signalDone <- shutdown.WaitForSignal() }()

	select {
	case err := <-signalDone:
		return err
	case err := <-serverErr:
		if shutdownErr := shutdown.Shutdown(context.Background()); shutdownErr != nil {
			logger.WithError(shutdownErr).Error("shutdown after server failure")
		}
		return err
	}
}

func serve(server *http.Server, name string, logger *observability.Logger, errs chan<- error) {
	logger.WithFields(map[string]interface{}{"listener": name, "addr": server.Addr}).Info("listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs <- fmt.Errorf("%s server: %w", name, err)
	}
}

// validateLimiter shares the key validation budget through Redis when it
// is configured, or keeps it per process otherwise
func validateLimiter(ctx context.Context, cfg *config.Config, svc *service.Services) middleware.Limiter {
	if cfg.Server.ValidateRateLimit <= 0 {
		return nil
	}
	limits := middleware.RateLimitConfig{
		RequestsPerWindow: cfg.Server.ValidateRateLimit,
		WindowDuration:    cfg.Server.ValidateRateWindow,
		BurstSize:         cfg.Server.ValidateRateBurst,
	}
	if svc.Redis != nil {
		return middleware.NewDistributedRateLimiter(svc.Redis, limits, "")
	}
	limiter := middleware.NewRateLimiter(limits)
	limiter.StartCleanup(ctx)
	return limiter
}
