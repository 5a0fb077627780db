package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/entitlements/pkg/observability"
)

// source maps one limit onto the table holding the counted rows
type source struct {
	limit  string
	table  string
	filter string
}

var sources = []source{
	{limit: LimitServers, table: "servers"},
	{limit: LimitApplications, table: "applications"},
	{limit: LimitDomains, table: "domains"},
	{limit: LimitUsers, table: "organization_users", filter: "is_active = TRUE"},
	{limit: LimitCloudProviders, table: "cloud_provider_credentials"},
	{limit: LimitConcurrentProvisioning, table: "provisioning_jobs", filter: "status IN ('queued', 'running')"},
}

// SQLCounterConfig tunes SQLCounter
type SQLCounterConfig struct {
	// CountCap bounds every per-table count
	CountCap int64
	// MaxConcurrency bounds the number of in-flight count queries
	MaxConcurrency int
	// BatchSize bounds the number of organizations per CountMany query
	BatchSize int
	// Metrics is optional
	Metrics *observability.Metrics
}

// DefaultSQLCounterConfig returns production defaults
func DefaultSQLCounterConfig() SQLCounterConfig {
	return SQLCounterConfig{
		CountCap:       100000,
		MaxConcurrency: 3,
		BatchSize:      500,
	}
}

// SQLCounter counts owned resources directly from the platform tables
type SQLCounter struct {
	db     *sql.DB
	config SQLCounterConfig
}

// NewSQLCounter creates a counter reading from db
func NewSQLCounter(db *sql.DB, config SQLCounterConfig) *SQLCounter {
	defaults := DefaultSQLCounterConfig()
	if config.CountCap <= 0 {
		config.CountCap = defaults.CountCap
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	return &SQLCounter{db: db, config: config}
}

// Count returns the snapshot for one organization
func (c *SQLCounter) Count(ctx context.Context, organizationID int64) (Snapshot, error) {
	defer c.observe("count", time.Now())

	counts := make([]int64, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.MaxConcurrency)

	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			query := fmt.Sprintf(
				"SELECT COUNT(*) FROM (SELECT 1 FROM %s WHERE %s LIMIT $2) AS capped",
				src.table, src.where("organization_id = $1"),
			)
			if err := c.db.QueryRowContext(gctx, query, organizationID, c.config.CountCap).Scan(&counts[i]); err != nil {
				return fmt.Errorf("failed to count %s: %w", src.table, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	for i, src := range sources {
		snap.set(src.limit, counts[i], c.config.CountCap)
	}
	return snap, nil
}

// CountMany returns snapshots for every organization in ids
func (c *SQLCounter) CountMany(ctx context.Context, ids []int64) (map[int64]Snapshot, error) {
	defer c.observe("count_many", time.Now())

	result := make(map[int64]Snapshot, len(ids))
	for _, id := range ids {
		result[id] = Snapshot{}
	}

	for start := 0; start < len(ids); start += c.config.BatchSize {
		end := start + c.config.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := c.countBatch(ctx, ids[start:end], result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// countBatch counts one batch of organizations. Each organization's rows
// are read through a LIMIT so a single large tenant cannot turn the batch
// into a full table scan.
func (c *SQLCounter) countBatch(ctx context.Context, ids []int64, result map[int64]Snapshot) error {
	selects := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, c.config.CountCap)
	for i, id := range ids {
		selects[i] = fmt.Sprintf("SELECT CAST($%d AS BIGINT) AS id", i+2)
		args = append(args, id)
	}
	idList := strings.Join(selects, " UNION ALL ")

	perSource := make([]map[int64]int64, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.MaxConcurrency)

	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			query := fmt.Sprintf(
				"SELECT ids.id, (SELECT COUNT(*) FROM (SELECT 1 FROM %s WHERE %s LIMIT $1) AS capped) FROM (%s) AS ids",
				src.table, src.where("organization_id = ids.id"), idList,
			)
			rows, err := c.db.QueryContext(gctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to count %s: %w", src.table, err)
			}
			defer rows.Close()

			counts := make(map[int64]int64)
			for rows.Next() {
				var orgID, n int64
				if err := rows.Scan(&orgID, &n); err != nil {
					return fmt.Errorf("failed to scan %s count: %w", src.table, err)
				}
				counts[orgID] = n
			}
			if err := rows.Err(); err != nil {
				return fmt.Errorf("failed to iterate %s counts: %w", src.table, err)
			}
			perSource[i] = counts
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for i, src := range sources {
		for orgID, n := range perSource[i] {
			snap := result[orgID]
			snap.set(src.limit, n, c.config.CountCap)
			result[orgID] = snap
		}
	}
	return nil
}

func (c *SQLCounter) observe(operation string, start time.Time) {
	if c.config.Metrics == nil {
		return
	}
	c.config.Metrics.UsageQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (s source) where(scope string) string {
	if s.filter == "" {
		return scope
	}
	return scope + " AND " + s.filter
}

func (s *Snapshot) set(limit string, n, limitCap int64) {
	if n >= limitCap {
		n = limitCap
		s.Truncated = true
	}
	switch limit {
	case LimitServers:
		s.Servers = n
	case LimitApplications:
		s.Applications = n
	case LimitDomains:
		s.Domains = n
	case LimitUsers:
		s.Users = n
	case LimitCloudProviders:
		s.CloudProviders = n
	case LimitConcurrentProvisioning:
		s.ConcurrentProvisioning = n
	}
}
