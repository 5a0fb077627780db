// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates the entitlement service configuration from
// ENT_* environment variables with sensible defaults, plus an optional YAML
// policy file that overrides the built-in tier table and action policy.
//
// # Configuration Structure
//
// Server settings:
//
//	ENT_HOST="0.0.0.0"
//	ENT_PORT="8080"
//	ENT_HEALTH_PORT="9090"
//	ENT_READ_TIMEOUT="15s"
//	ENT_SHUTDOWN_TIMEOUT="30s"
//	ENT_ENFORCE_ACTIONS="false"       # gate member and delete routes
//	ENT_VALIDATE_RATE_LIMIT="600"     # per caller per window, 0 disables
//	ENT_VALIDATE_RATE_WINDOW="1m"
//
// Storage settings:
//
//	ENT_STORAGE="postgres"  # postgres, memory
//	ENT_POSTGRES_URL="postgres://localhost/entitlements"
//	ENT_POSTGRES_REPLICA_URLS="postgres://replica1/entitlements,postgres://replica2/entitlements"
//	ENT_POSTGRES_MAX_CONNS="20"
//	ENT_REDIS_URL="redis://localhost:6379"
//
// Licensing settings:
//
//	ENT_LICENSE_SIGNING_SECRET="..."   # at least 32 bytes
//	ENT_LICENSE_GRACE_PERIOD_DAYS="7"
//	ENT_DOMAIN_MATCH="exact"           # exact, wildcard, subdomain
//	ENT_LICENSE_CACHE="local"          # local, redis, none
//	ENT_LICENSE_CACHE_TTL="5m"
//
// Usage counting:
//
//	ENT_USAGE_COUNT_CAP="100000"
//	ENT_USAGE_CACHE_TTL="30s"
//
// Observability:
//
//	ENT_LOG_LEVEL="info"
//	ENT_METRICS_ENABLED="true"
//	ENT_OTEL_ENABLED="false"
//	ENT_OTEL_ENDPOINT="localhost:4317"
//
// # Policy File
//
// ENT_POLICY_FILE names a YAML document. Every key is optional:
//
//	grace_period_days: 14
//	domain_match: wildcard
//	tiers:
//	  basic:
//	    features: [application_deployment, database_management]
//	    limits:
//	      max_servers: 5
//	      max_users: null   # unlimited
//	action_features:
//	  provision_server: server_provisioning
//	action_limits:
//	  provision_server: max_servers
//	owner_only_actions: [delete_organization, transfer_ownership]
//
// Tiers are replaced one at a time; the action maps and owner-only list
// replace the built-in ones wholesale.
//
// # Usage
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
