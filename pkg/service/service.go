// Package service assembles the engines, stores and caches from a Config.
// Both binaries build through it so that they share one wiring.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/entitlements/pkg/audit"
	"github.com/platinummonkey/entitlements/pkg/authz"
	"github.com/platinummonkey/entitlements/pkg/config"
	"github.com/platinummonkey/entitlements/pkg/licensekey"
	"github.com/platinummonkey/entitlements/pkg/licensing"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/orgs"
	"github.com/platinummonkey/entitlements/pkg/storage/postgres"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

// Options holds the process-level collaborators of Build
type Options struct {
	Logger *observability.Logger
	// Registry receives the metrics; nil creates a private one
	Registry *prometheus.Registry
	// AuditOutput receives the JSON audit stream; nil means stdout
	AuditOutput io.Writer
	// SkipMigrations leaves the schema untouched on PostgreSQL
	SkipMigrations bool
}

// Services is the assembled application
type Services struct {
	Config   *config.Config
	Logger   *observability.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	// DB and Redis are nil when the matching backend is not configured
	Connections *postgres.ConnectionManager
	DB          *sql.DB
	Redis       *redis.Client

	Codec    *licensekey.Codec
	Counter  usage.Counter
	Audit    audit.Logger
	Licenses *licensing.Engine
	Orgs     *orgs.Engine
	Gate     *authz.Gate
}

// Build connects the configured backends and assembles the engines. On
// error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ *Services, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	svc := &Services{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
		Metrics:  observability.NewMetrics(registry),
		Codec:    licensekey.NewCodec([]byte(cfg.Licensing.SigningSecret)),
	}
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	if err := svc.connect(ctx, opts); err != nil {
		return nil, err
	}

	auditOut := opts.AuditOutput
	if auditOut == nil {
		auditOut = os.Stdout
	}
	sinks := []audit.Logger{audit.NewLogrusLogger(auditOut)}
	if svc.DB != nil {
		dbAudit, err := audit.NewDBLogger(svc.DB)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, dbAudit)
	}
	svc.Audit = audit.NewMultiLogger(sinks...)

	svc.Counter = svc.buildCounter()
	cache := svc.buildLicenseCache()

	var (
		licenseStore licensing.Store
		orgStore     orgs.Store
	)
	if svc.DB != nil {
		licenseStore = licensing.NewPostgresStore(svc.DB)
		orgStore = orgs.NewPostgresStore(svc.DB)
	} else {
		licenseStore = licensing.NewMemoryStore()
		orgStore = orgs.NewMemoryStore()
	}

	svc.Licenses = licensing.NewEngine(licenseStore, svc.Codec, svc.Counter, licensing.EngineConfig{
		Tiers:           cfg.Policy.Tiers,
		GracePeriodDays: cfg.Licensing.GracePeriodDays,
		DomainMatch:     cfg.Licensing.DomainMatch,
		Cache:           cache,
		Audit:           svc.Audit,
		Logger:          logger.WithField("component", "licensing"),
		Metrics:         svc.Metrics,
	})
	svc.Orgs = orgs.NewEngine(orgStore, orgs.EngineConfig{
		Counter:  svc.Counter,
		Licenses: svc.Licenses,
		Audit:    svc.Audit,
		Logger:   logger.WithField("component", "orgs"),
		Metrics:  svc.Metrics,
	})
	svc.Gate = authz.NewGate(svc.Orgs, svc.Licenses, svc.Counter, authz.Config{
		Policy:  cfg.Policy.Authorization,
		Audit:   svc.Audit,
		Logger:  logger.WithField("component", "authz"),
		Metrics: svc.Metrics,
	})
	return svc, nil
}

func (s *Services) connect(ctx context.Context, opts Options) error {
	cfg := s.Config
	if cfg.Database.Storage == config.StoragePostgres {
		cm, err := postgres.NewConnectionManager(ctx, cfg.Database.ConnectionConfig, s.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.Connections = cm
		s.DB = cm.Primary()

		if !opts.SkipMigrations {
			if err := postgres.Migrate(ctx, s.DB, s.Logger); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}
	}

	if cfg.Redis.Enabled {
		client, err := postgres.NewRedisClient(ctx, cfg.Redis.RedisConfig)
		if err != nil {
			return err
		}
		s.Redis = client
	}
	return nil
}

// buildCounter reads usage from the resource tables, or keeps an empty
// in-process table without a database
func (s *Services) buildCounter() usage.Counter {
	if s.Connections == nil {
		return usage.NewMapCounter()
	}
	cfg := s.Config.Usage
	counter := usage.NewSQLCounter(s.Connections.Replica(), usage.SQLCounterConfig{
		CountCap:       cfg.CountCap,
		MaxConcurrency: cfg.MaxConcurrency,
		BatchSize:      cfg.BatchSize,
		Metrics:        s.Metrics,
	})
	return usage.NewCachedCounter(counter, cfg.CacheSize, cfg.CacheTTL, s.Metrics)
}

func (s *Services) buildLicenseCache() licensing.ValidationCache {
	cfg := s.Config.Licensing
	switch cfg.CacheBackend {
	case config.CacheRedis:
		return licensing.NewRedisCache(s.Redis, cfg.CacheTTL, s.Metrics)
	case config.CacheLocal:
		return licensing.NewLocalCache(cfg.CacheSize, cfg.CacheTTL, s.Metrics)
	default:
		return nil
	}
}

// Close releases the audit sinks and every connection
func (s *Services) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.Audit != nil {
		if err := s.Audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit: %w", err))
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if s.Connections != nil {
		if err := s.Connections.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}
