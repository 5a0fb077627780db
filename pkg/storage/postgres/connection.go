package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/entitlements/pkg/observability"
)

// ConnectionManager manages PostgreSQL primary and read replica connections.
// Writes and locking reads go to the primary; usage counting may read from
// a replica.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32 // Atomic counter for round-robin selection
	mu       sync.RWMutex
	config   ConnectionConfig
	logger   *observability.Logger
}

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// NewConnectionManager opens and pings the primary and every replica.
// Replicas that cannot be reached are skipped.
func NewConnectionManager(ctx context.Context, config ConnectionConfig, logger *observability.Logger) (*ConnectionManager, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	cm := &ConnectionManager{
		config:   config,
		replicas: make([]*sql.DB, 0),
		logger:   logger,
	}

	primary, err := cm.open(ctx, config.PrimaryURL, config.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to ping primary: %w", err)
	}
	cm.primary = primary

	for i, replicaURL := range config.ReplicaURLs {
		// Replicas get a smaller pool than the primary
		replicaMaxConns := config.MaxConns / 2
		if replicaMaxConns < 2 {
			replicaMaxConns = 2
		}
		replica, err := cm.open(ctx, replicaURL, replicaMaxConns)
		if err != nil {
			logger.WithError(err).WithField("replica", i).Warn("skipping unreachable replica")
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	logger.WithField("replicas", len(cm.replicas)).Info("database connections initialized")
	return cm, nil
}

func (cm *ConnectionManager) open(ctx context.Context, url string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cm.config.MinConns)
	db.SetConnMaxLifetime(cm.config.MaxLifetime)
	db.SetConnMaxIdleTime(cm.config.MaxIdleTime)

	timeout := cm.config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Primary returns the primary database connection (for writes)
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection
// Falls back to primary if no replicas are available
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}
	index := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(index%uint32(len(cm.replicas)))]
}

// HealthCheck checks the health of primary and all replicas
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}

	cm.mu.RLock()
	replicas := make([]*sql.DB, len(cm.replicas))
	copy(replicas, cm.replicas)
	cm.mu.RUnlock()

	var unhealthy []string
	for i, replica := range replicas {
		if err := replica.PingContext(ctx); err != nil {
			unhealthy = append(unhealthy, fmt.Sprintf("replica-%d", i))
		}
	}

	if len(unhealthy) > 0 && len(unhealthy) == len(replicas) {
		// All replicas are down, but primary is up (degraded state)
		return fmt.Errorf("all replicas unhealthy: %s", strings.Join(unhealthy, ", "))
	}
	return nil
}

// RemoveUnhealthyReplicas closes and drops replicas that fail a ping
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := make([]*sql.DB, 0, len(cm.replicas))
	removed := 0
	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
			continue
		}
		healthy = append(healthy, replica)
	}
	cm.replicas = healthy
	return removed
}

// StartHealthCheckRoutine prunes unhealthy replicas every interval until ctx is done
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer func() {
			if r := recover(); r != nil {
				cm.logger.WithFields(map[string]interface{}{
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("replica health check panicked")
			}
		}()

		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				removed := cm.RemoveUnhealthyReplicas(checkCtx)
				cancel()
				if removed > 0 {
					cm.logger.WithField("removed", removed).Warn("removed unhealthy replicas")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close closes all database connections
func (cm *ConnectionManager) Close() error {
	var errs []error

	if cm.primary != nil {
		if err := cm.primary.Close(); err != nil {
			errs = append(errs, fmt.Errorf("primary close error: %w", err))
		}
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d close error: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("connection close errors: %v", errs)
	}
	return nil
}

// ParseReplicaURLs parses a comma-separated list of replica URLs
func ParseReplicaURLs(replicaURLsStr string) []string {
	if replicaURLsStr == "" {
		return nil
	}

	urls := strings.Split(replicaURLsStr, ",")
	result := make([]string, 0, len(urls))
	for _, url := range urls {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
