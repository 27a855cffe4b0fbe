// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvousdb

import (
	"context"
	"database/sql"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/xtr-dev/rondevu-server/rendezvous"
	"github.com/xtr-dev/rondevu-server/rendezvousdb/memorydb"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var (
	mon = monkit.Package()

	// Error is the rendezvousdb error class.
	Error = errs.Class("rendezvousdb")
)

// DB implements rendezvous.DB on a SQL engine. Backends differ in dialect
// only; every query goes through the dialect's placeholder rebinding.
type DB struct {
	log     *zap.Logger
	db      *sql.DB
	dialect dialect
}

type constructor func(log *zap.Logger, config rendezvous.Config) (rendezvous.DB, error)

var backends = map[string]constructor{
	"memory":   openMemory,
	"sqlite":   openSQLite,
	"postgres": openPostgres,
	"mysql":    openMySQL,
}

// Open creates the storage backend selected by config.StorageType.
func Open(ctx context.Context, log *zap.Logger, config rendezvous.Config) (rendezvous.DB, error) {
	open, ok := backends[config.StorageType]
	if !ok {
		return nil, Error.New("unknown storage type %q", config.StorageType)
	}
	db, err := open(log, config)
	if err != nil {
		return nil, err
	}
	if err := db.CreateTables(ctx); err != nil {
		return nil, errs.Combine(err, db.Close())
	}
	return db, nil
}

func openMemory(log *zap.Logger, config rendezvous.Config) (rendezvous.DB, error) {
	return memorydb.New(), nil
}

func openSQLite(log *zap.Logger, config rendezvous.Config) (rendezvous.DB, error) {
	if config.StoragePath == "" {
		return nil, Error.New("sqlite backend requires STORAGE_PATH")
	}
	return openSQL(log, config, "sqlite3", config.StoragePath+"?_foreign_keys=on", dialectSQLite)
}

func openPostgres(log *zap.Logger, config rendezvous.Config) (rendezvous.DB, error) {
	if config.DatabaseURL == "" {
		return nil, Error.New("postgres backend requires DATABASE_URL")
	}
	return openSQL(log, config, "postgres", config.DatabaseURL, dialectPostgres)
}

func openMySQL(log *zap.Logger, config rendezvous.Config) (rendezvous.DB, error) {
	if config.DatabaseURL == "" {
		return nil, Error.New("mysql backend requires DATABASE_URL")
	}
	return openSQL(log, config, "mysql", config.DatabaseURL, dialectMySQL)
}

func openSQL(log *zap.Logger, config rendezvous.Config, driver, source string, dialect dialect) (rendezvous.DB, error) {
	handle, err := sql.Open(driver, source)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if config.DBPoolSize > 0 {
		handle.SetMaxOpenConns(config.DBPoolSize)
		handle.SetMaxIdleConns(config.DBPoolSize)
	}
	if dialect == dialectSQLite {
		// The sqlite driver serializes writers; more connections only
		// produce SQLITE_BUSY under load.
		handle.SetMaxOpenConns(1)
	}
	return &DB{log: log, db: handle, dialect: dialect}, nil
}

// Offers implements rendezvous.DB.
func (db *DB) Offers() rendezvous.Offers { return &offers{db} }

// IceCandidates implements rendezvous.DB.
func (db *DB) IceCandidates() rendezvous.IceCandidates { return &icecandidates{db} }

// Credentials implements rendezvous.DB.
func (db *DB) Credentials() rendezvous.Credentials { return &credentials{db} }

// RateLimits implements rendezvous.DB.
func (db *DB) RateLimits() rendezvous.RateLimits { return &rateLimits{db} }

// Nonces implements rendezvous.DB.
func (db *DB) Nonces() rendezvous.Nonces { return &nonces{db} }

// Close implements rendezvous.DB.
func (db *DB) Close() error { return Error.Wrap(db.db.Close()) }

// exec runs a rebound statement.
func (db *DB) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.db.ExecContext(ctx, db.dialect.rebind(query), args...)
}

// query runs a rebound query.
func (db *DB) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, db.dialect.rebind(query), args...)
}

// queryRow runs a rebound single-row query.
func (db *DB) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.db.QueryRowContext(ctx, db.dialect.rebind(query), args...)
}

// withTx runs fn inside a transaction, rolling back on error.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
			return
		}
		err = Error.Wrap(tx.Commit())
	}()
	return fn(tx)
}
