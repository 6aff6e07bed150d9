package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// dialect isolates the SQL that differs between supported databases.
type dialect interface {
	name() string
	migrations() []string
	// incrementCounter atomically adds one to the counter at key if its
	// current value is below limit, creating it at 1 if absent. It returns
	// the resulting value and whether the increment was applied.
	incrementCounter(ctx context.Context, db *sqlx.DB, key string, limit int, expiresAt int64) (int, bool, error)
}

// upsertIncrement is shared by SQLite and PostgreSQL, which both support
// conditional ON CONFLICT updates with RETURNING.
const upsertIncrement = `INSERT INTO rate_limit_counters (counter_key, hits, expires_at)
	VALUES (?, 1, ?)
	ON CONFLICT (counter_key) DO UPDATE SET hits = rate_limit_counters.hits + 1
	WHERE rate_limit_counters.hits < ?
	RETURNING hits`

func returningIncrement(ctx context.Context, db *sqlx.DB, key string, limit int, expiresAt int64) (int, bool, error) {
	var hits int
	err := db.QueryRowxContext(ctx, db.Rebind(upsertIncrement), key, expiresAt, limit).Scan(&hits)
	if errors.Is(err, sql.ErrNoRows) {
		// The conflict branch's WHERE rejected the update: already at limit.
		return limit, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return hits, true, nil
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return DriverSQLite }

func (sqliteDialect) incrementCounter(ctx context.Context, db *sqlx.DB, key string, limit int, expiresAt int64) (int, bool, error) {
	return returningIncrement(ctx, db, key, limit, expiresAt)
}

func (sqliteDialect) migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_id TEXT PRIMARY KEY,
			key_hash TEXT UNIQUE NOT NULL,
			masked_key TEXT NOT NULL,
			plan_name TEXT NOT NULL,
			permissions_json TEXT NOT NULL DEFAULT '[]',
			rate_limit_requests INTEGER NOT NULL,
			rate_limit_window TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			expires_at DATETIME,
			last_used_at DATETIME,
			created_by TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_status ON api_keys(status)`,

		`CREATE TABLE IF NOT EXISTS rate_limit_counters (
			counter_key TEXT PRIMARY KEY,
			hits INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_limit_counters_expires ON rate_limit_counters(expires_at)`,

		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			jti TEXT PRIMARY KEY,
			expires_at INTEGER NOT NULL
		)`,
	}
}

type postgresDialect struct{}

func (postgresDialect) name() string { return DriverPostgres }

func (postgresDialect) incrementCounter(ctx context.Context, db *sqlx.DB, key string, limit int, expiresAt int64) (int, bool, error) {
	return returningIncrement(ctx, db, key, limit, expiresAt)
}

func (postgresDialect) migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_id TEXT PRIMARY KEY,
			key_hash TEXT UNIQUE NOT NULL,
			masked_key TEXT NOT NULL,
			plan_name TEXT NOT NULL,
			permissions_json TEXT NOT NULL DEFAULT '[]',
			rate_limit_requests INTEGER NOT NULL,
			rate_limit_window TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ,
			last_used_at TIMESTAMPTZ,
			created_by TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_status ON api_keys(status)`,

		`CREATE TABLE IF NOT EXISTS rate_limit_counters (
			counter_key TEXT PRIMARY KEY,
			hits INTEGER NOT NULL DEFAULT 0,
			expires_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_limit_counters_expires ON rate_limit_counters(expires_at)`,

		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			jti TEXT PRIMARY KEY,
			expires_at BIGINT NOT NULL
		)`,
	}
}

type mysqlDialect struct{}

func (mysqlDialect) name() string { return DriverMySQL }

// MySQL has no RETURNING. The conditional ON DUPLICATE KEY UPDATE is still a
// single atomic statement; affected rows is 0 when the limit guard kept the
// row unchanged, 1 for an insert, and 2 for an applied update.
func (mysqlDialect) incrementCounter(ctx context.Context, db *sqlx.DB, key string, limit int, expiresAt int64) (int, bool, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO rate_limit_counters (counter_key, hits, expires_at) VALUES (?, 1, ?)
		ON DUPLICATE KEY UPDATE hits = IF(hits < ?, hits + 1, hits)`,
		key, expiresAt, limit)
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return limit, false, nil
	}

	var hits int
	if err := db.GetContext(ctx, &hits, `SELECT hits FROM rate_limit_counters WHERE counter_key = ?`, key); err != nil {
		return 0, false, err
	}
	return hits, true, nil
}

func (mysqlDialect) migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_id VARCHAR(64) PRIMARY KEY,
			key_hash VARCHAR(64) NOT NULL,
			masked_key VARCHAR(64) NOT NULL,
			plan_name VARCHAR(32) NOT NULL,
			permissions_json TEXT NOT NULL,
			rate_limit_requests INT NOT NULL,
			rate_limit_window VARCHAR(32) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			expires_at DATETIME(6) NULL,
			last_used_at DATETIME(6) NULL,
			created_by VARCHAR(255) NOT NULL DEFAULT '',
			description TEXT NOT NULL,
			metadata_json TEXT NOT NULL,
			UNIQUE KEY uq_api_keys_hash (key_hash),
			KEY idx_api_keys_status (status)
		)`,

		`CREATE TABLE IF NOT EXISTS rate_limit_counters (
			counter_key VARCHAR(255) PRIMARY KEY,
			hits INT NOT NULL DEFAULT 0,
			expires_at BIGINT NOT NULL,
			KEY idx_rate_limit_counters_expires (expires_at)
		)`,

		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			jti VARCHAR(64) PRIMARY KEY,
			expires_at BIGINT NOT NULL
		)`,
	}
}

type sqlserverDialect struct{}

func (sqlserverDialect) name() string { return DriverSQLServer }

// MERGE under HOLDLOCK serializes concurrent upserts of the same key. When
// the row exists at the limit neither branch fires and OUTPUT yields no row.
const mergeIncrement = `MERGE rate_limit_counters WITH (HOLDLOCK) AS t
	USING (SELECT @p1 AS counter_key) AS s ON t.counter_key = s.counter_key
	WHEN MATCHED AND t.hits < @p3 THEN UPDATE SET hits = t.hits + 1
	WHEN NOT MATCHED THEN INSERT (counter_key, hits, expires_at) VALUES (@p1, 1, @p2)
	OUTPUT inserted.hits;`

func (sqlserverDialect) incrementCounter(ctx context.Context, db *sqlx.DB, key string, limit int, expiresAt int64) (int, bool, error) {
	var hits int
	err := db.QueryRowxContext(ctx, mergeIncrement, key, expiresAt, limit).Scan(&hits)
	if errors.Is(err, sql.ErrNoRows) {
		return limit, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return hits, true, nil
}

// SQL Server has no CREATE TABLE IF NOT EXISTS, so every statement is
// guarded by a catalog check.
func (sqlserverDialect) migrations() []string {
	return []string{
		`IF OBJECT_ID(N'api_keys', N'U') IS NULL
		CREATE TABLE api_keys (
			key_id NVARCHAR(64) NOT NULL PRIMARY KEY,
			key_hash NVARCHAR(64) NOT NULL CONSTRAINT uq_api_keys_hash UNIQUE,
			masked_key NVARCHAR(64) NOT NULL,
			plan_name NVARCHAR(32) NOT NULL,
			permissions_json NVARCHAR(MAX) NOT NULL DEFAULT N'[]',
			rate_limit_requests INT NOT NULL,
			rate_limit_window NVARCHAR(32) NOT NULL,
			status NVARCHAR(16) NOT NULL DEFAULT N'active',
			created_at DATETIME2 NOT NULL,
			updated_at DATETIME2 NOT NULL,
			expires_at DATETIME2 NULL,
			last_used_at DATETIME2 NULL,
			created_by NVARCHAR(255) NOT NULL DEFAULT N'',
			description NVARCHAR(MAX) NOT NULL DEFAULT N'',
			metadata_json NVARCHAR(MAX) NOT NULL DEFAULT N'{}'
		)`,
		`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'idx_api_keys_status')
		CREATE INDEX idx_api_keys_status ON api_keys(status)`,

		`IF OBJECT_ID(N'rate_limit_counters', N'U') IS NULL
		CREATE TABLE rate_limit_counters (
			counter_key NVARCHAR(255) NOT NULL PRIMARY KEY,
			hits INT NOT NULL DEFAULT 0,
			expires_at BIGINT NOT NULL
		)`,
		`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'idx_rate_limit_counters_expires')
		CREATE INDEX idx_rate_limit_counters_expires ON rate_limit_counters(expires_at)`,

		`IF OBJECT_ID(N'refresh_tokens', N'U') IS NULL
		CREATE TABLE refresh_tokens (
			jti NVARCHAR(64) NOT NULL PRIMARY KEY,
			expires_at BIGINT NOT NULL
		)`,
	}
}
