// Package db provides PostgreSQL connection management built on [github.com/jackc/pgx/v5/pgxpool].
//
// [Connect] opens a pool and retries with a linear backoff while the database is
// still coming up. [Migrate] applies embedded goose migrations through a
// database/sql bridge that shares the pool's connections. [Healthcheck] and
// [Shutdown] return closures for readiness probes and ordered shutdown.
//
// Configuration is read from the environment:
//
//	DATABASE_CONN_URL           - PostgreSQL connection URL (required)
//	DATABASE_MAX_OPEN_CONNS     - Maximum open connections (default: 10)
//	DATABASE_MIN_CONNS          - Minimum idle connections (default: 2)
//	DATABASE_HEALTHCHECK_PERIOD - Pool health check interval (default: 1m)
//	DATABASE_MAX_CONN_IDLE_TIME - Maximum connection idle time (default: 10m)
//	DATABASE_MAX_CONN_LIFETIME  - Maximum connection lifetime (default: 30m)
//	DATABASE_RETRY_ATTEMPTS     - Connection attempts (default: 3)
//	DATABASE_RETRY_INTERVAL     - Base retry interval (default: 5s)
//	DATABASE_MIGRATIONS_TABLE   - Goose version table (default: schema_migrations)
//
// Errors are wrapped with [errors.Join] so callers can match the sentinel and
// still see the driver error.
package db
