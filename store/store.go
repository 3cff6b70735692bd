// Package store implements durable storage for the bridge on sqlite, with
// embedded forward and reverse migrations. The same schema serves the three
// logical namespaces (gateway, verifier, btc_indexer) through separate
// DSNs. Secret material is encrypted before it touches the database.
package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lightningnetwork/lnd/clock"
	_ "modernc.org/sqlite" // sqlite driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Config wires a DB.
type Config struct {
	// DSN is the sqlite database path or ":memory:".
	DSN string

	// EncryptionKey encrypts secret share material at rest.
	EncryptionKey [32]byte

	// Clock supplies timestamps; defaults to the system clock.
	Clock clock.Clock
}

// DB is the bridge's durable store. It implements dkg.PoolStore and
// deposit.Store alongside the session, UTXO and metadata tables.
type DB struct {
	db    *sql.DB
	clock clock.Clock
	box   *secretBox
}

// Open opens (creating if needed) the database and applies pending
// migrations.
func Open(cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// sqlite handles a single writer; serializing through one
	// connection avoids SQLITE_BUSY under concurrent sessions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to enable foreign keys: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	box, err := newSecretBox(cfg.EncryptionKey)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{
		db:    db,
		clock: cfg.Clock,
		box:   box,
	}, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// applyMigrations runs the embedded forward migrations.
func applyMigrations(db *sql.DB) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("unable to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("unable to load migrations: %w", err)
	}

	migrator, err := migrate.NewWithInstance(
		"iofs", source, "sqlite", driver,
	)
	if err != nil {
		return fmt.Errorf("unable to create migrator: %w", err)
	}

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("unable to apply migrations: %w", err)
	}

	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (d *DB) withTx(fn func(*sql.Tx) error) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("unable to begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
