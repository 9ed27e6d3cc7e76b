// Package db implements the persistence engine for captured mail: mailboxes,
// messages, attachments and process-wide settings, stored in an embedded
// SQLite database. All multi-row writes are transactional; readers never
// observe a partially written message.
package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/pulsarmail/pulsar/logger"
)

// DatabaseFile is the SQLite file name inside the data directory.
const DatabaseFile = "pulsar.db"

// Database wraps the SQLite connection pool.
type Database struct {
	*sqlx.DB
	path string
}

// New opens (or creates) the capture database under dataDir, enables WAL and
// foreign keys, and applies any pending schema migrations.
func New(ctx context.Context, dataDir string) (*Database, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	path := filepath.Join(dataDir, DatabaseFile)

	// foreign_keys and busy_timeout are connection-local in SQLite, so they
	// must travel in the DSN: database/sql pools connections, and a pragma
	// executed on one connection never reaches the others. The busy timeout
	// lets concurrent sessions queue on the write lock instead of failing
	// with SQLITE_BUSY.
	dsn := path + "?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	sqlDB, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	d := &Database{DB: sqlDB, path: path}
	if err := d.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("database ready", "path", path)
	return d, nil
}

// Path returns the on-disk location of the database file.
func (d *Database) Path() string {
	return d.path
}

// Close releases the database connection.
func (d *Database) Close() error {
	logger.Debug("closing database", "path", d.path)
	return d.DB.Close()
}

// migrate applies outstanding schema migrations in order. Each migration runs
// in its own transaction together with the version bookkeeping row, so a
// failed upgrade leaves the schema at the previous version.
func (d *Database) migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER UNIQUE NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	if err := d.GetContext(ctx, &currentVersion,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		tx, err := d.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
		logger.Info("applied schema migration", "version", m.version)
	}

	return nil
}
