package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnsupportedDriver is returned by Open for an unknown driver name.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Config selects and tunes the backing database.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// migrations are applied in order and recorded in schema_versions. The SQL is
// kept to the subset understood by both SQLite and PostgreSQL.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS trend_stats (
    source   TEXT NOT NULL,
    itemid   BIGINT NOT NULL,
    sum      DOUBLE PRECISION NOT NULL DEFAULT 0,
    sqr_sum  DOUBLE PRECISION NOT NULL DEFAULT 0,
    cnt      BIGINT NOT NULL DEFAULT 0,
    mean     DOUBLE PRECISION NOT NULL DEFAULT 0,
    std      DOUBLE PRECISION NOT NULL DEFAULT 0,
    PRIMARY KEY (source, itemid)
);

CREATE TABLE IF NOT EXISTS history (
    source  TEXT NOT NULL,
    itemid  BIGINT NOT NULL,
    clock   BIGINT NOT NULL,
    value   DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (source, itemid, clock)
);
CREATE INDEX IF NOT EXISTS idx_history_clock ON history(source, clock);

CREATE TABLE IF NOT EXISTS watermarks (
    source   TEXT NOT NULL,
    kind     TEXT NOT NULL,
    startep  BIGINT NOT NULL,
    endep    BIGINT NOT NULL,
    PRIMARY KEY (source, kind)
);

CREATE TABLE IF NOT EXISTS anomalies (
    source      TEXT NOT NULL,
    itemid      BIGINT NOT NULL,
    created     BIGINT NOT NULL,
    group_name  TEXT NOT NULL DEFAULT '',
    hostid      BIGINT NOT NULL DEFAULT 0,
    clusterid   INTEGER NOT NULL DEFAULT -1,
    host_name   TEXT NOT NULL DEFAULT '',
    item_name   TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_anomalies_key ON anomalies(source, itemid, group_name, clusterid);
CREATE INDEX IF NOT EXISTS idx_anomalies_created ON anomalies(source, created);
`,
	},
}

// sqlStore implements Store on top of sqlx for both SQLite and PostgreSQL.
// Queries are written with '?' placeholders and rebound per driver.
type sqlStore struct {
	db *sqlx.DB
}

// Open connects to the configured database and runs all pending schema
// migrations. For SQLite pass ":memory:" as DSN for an in-memory store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite:
		db, err = sqlx.Open(DriverSQLite, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %q: %w", cfg.DSN, err)
		}
		// A single connection serialises writers and keeps ":memory:"
		// databases alive across calls.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA foreign_keys=ON`, `PRAGMA busy_timeout=5000`} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	case DriverPostgres:
		db, err = sqlx.ConnectContext(ctx, DriverPostgres, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	s := newSQLStore(db)
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func newSQLStore(db *sqlx.DB) *sqlStore {
	return &sqlStore{db: db}
}

// migrate applies any unapplied migrations in order.
func (s *sqlStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at BIGINT NOT NULL
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO schema_versions(version, applied_at) VALUES(?, ?)`), m.version, time.Now().Unix()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// inTx runs fn inside a transaction that is committed when fn returns nil.
func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// in expands a query containing a single "IN (?)" slice argument and rebinds
// it for the active driver.
func in(ext sqlx.Ext, query string, args ...any) (string, []any, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return ext.Rebind(q), a, nil
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
