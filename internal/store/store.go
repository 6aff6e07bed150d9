package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

// Supported driver names.
const (
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverMySQL     = "mysql"
	DriverSQLServer = "sqlserver"
)

// DefaultTimeout bounds every store round-trip when Options.Timeout is zero.
const DefaultTimeout = 2 * time.Second

// Options configures the credential store connection.
type Options struct {
	// Driver is one of sqlite, postgres, mysql, sqlserver. Defaults to sqlite.
	Driver string
	// DSN is the driver connection string. For sqlite an empty DSN uses
	// DataDir/marquee.db, or an in-memory database when DataDir is empty.
	DSN     string
	DataDir string
	// Timeout bounds each operation. Exceeding it yields ErrUnavailable.
	Timeout      time.Duration
	MaxOpenConns int
}

// Store persists API-key records, rate-limit counters and the refresh token
// ledger. All mutating operations are single atomic statements so
// concurrent requests for the same key or counter never lose updates.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	timeout time.Duration
}

// Open connects to the configured database and applies migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		sqlDriver string
		dsn       = opts.DSN
		d         dialect
	)
	switch driver {
	case DriverSQLite:
		sqlDriver = "sqlite"
		d = sqliteDialect{}
		if dsn == "" {
			if opts.DataDir == "" {
				dsn = ":memory:?_journal_mode=WAL"
			} else {
				if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
					return nil, fmt.Errorf("create data dir: %w", err)
				}
				dsn = filepath.Join(opts.DataDir, "marquee.db") + "?_journal_mode=WAL&_busy_timeout=5000"
			}
		}
	case DriverPostgres:
		sqlDriver = "pgx"
		d = postgresDialect{}
	case DriverMySQL:
		sqlDriver = "mysql"
		d = mysqlDialect{}
		dsn = withMySQLParseTime(dsn)
	case DriverSQLServer:
		sqlDriver = "sqlserver"
		d = sqlserverDialect{}
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("store dsn is required for driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	s := &Store{db: db, dialect: d, timeout: timeout}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate credential store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable within the store timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.dialect.name()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// wrap classifies a driver error into the store's sentinel errors.
func (s *Store) wrap(op string, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
}

func isUniqueViolation(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique constraint") ||
		strings.Contains(lower, "duplicate key") ||
		strings.Contains(lower, "duplicate entry")
}

func withMySQLParseTime(dsn string) string {
	if dsn == "" || strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}
