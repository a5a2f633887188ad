package dbconfig

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

type DBConfig struct {
	db *sql.DB
}

// NewDBConfig opens a Postgres connection pool and checks it is reachable.
//
// Parameters:
// - ctx: the context for managing the request.
// - connStr: the database connection string.
//
// Returns:
// - *DBConfig: a pointer to the newly created DBConfig instance.
// - error: ErrDatabaseConnect if the database cannot be reached.
func NewDBConfig(ctx context.Context, connStr string) (*DBConfig, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(ErrDatabaseConnect, err.Error())
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(ErrDatabaseConnect, err.Error())
	}
	return &DBConfig{db: db}, nil
}

// NewDBConfigFromDB wraps an existing pool.
func NewDBConfigFromDB(db *sql.DB) *DBConfig {
	if db == nil {
		panic("dbconfig: db is nil")
	}
	return &DBConfig{db: db}
}

// Close releases the connection pool.
func (r *DBConfig) Close() error {
	return r.db.Close()
}

// Migrate creates the outbox and endpoint tables when they do not exist.
func (r *DBConfig) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply schema")
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS outbox_transactions (
		id              TEXT PRIMARY KEY,
		to_address      TEXT NOT NULL,
		amount          NUMERIC(20, 0) NOT NULL,
		memo            TEXT NOT NULL DEFAULT '',
		fee_preset      TEXT NOT NULL,
		mint            TEXT NOT NULL DEFAULT '',
		derivation_path TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		retries         INTEGER NOT NULL DEFAULT 0 CHECK (retries >= 0),
		payload         BYTEA,
		signature       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_transactions_created_at_idx
		ON outbox_transactions (created_at, id)`,
	`CREATE TABLE IF NOT EXISTS outbox_failed_transactions (
		seq             BIGSERIAL PRIMARY KEY,
		id              TEXT NOT NULL,
		to_address      TEXT NOT NULL,
		amount          NUMERIC(20, 0) NOT NULL,
		memo            TEXT NOT NULL DEFAULT '',
		fee_preset      TEXT NOT NULL,
		mint            TEXT NOT NULL DEFAULT '',
		derivation_path TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		retries         INTEGER NOT NULL,
		payload         BYTEA,
		signature       TEXT NOT NULL DEFAULT '',
		reason          TEXT NOT NULL,
		error           TEXT NOT NULL DEFAULT '',
		failed_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rpcs (
		id         BIGSERIAL PRIMARY KEY,
		url        TEXT NOT NULL UNIQUE,
		provider   TEXT,
		priority   INTEGER NOT NULL DEFAULT 0,
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
