// Package migrations holds the ledger schema and applies it with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/msageha/orchestrator/internal/log"
)

//go:embed sql/*.sql
var schema embed.FS

// Apply brings the ledger schema to the newest embedded version and returns
// that version. A schema left dirty by an interrupted migration is refused:
// the ledger is history only and can be deleted to start over.
func Apply(db *sql.DB, logger log.Logger) (uint, error) {
	if logger == nil {
		logger = log.Noop
	}

	var version uint
	err := withMigrate(db, logger, func(m *migrate.Migrate) error {
		from, dirty, err := m.Version()
		switch {
		case errors.Is(err, migrate.ErrNilVersion):
		case err != nil:
			return fmt.Errorf("read schema version: %w", err)
		case dirty:
			return fmt.Errorf("ledger schema version %d is dirty, delete the ledger to rebuild it", from)
		}

		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up from version %d: %w", from, err)
		}
		version, _, err = m.Version()
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if version != from {
			logger.Infof("ledger schema migrated from=%d to=%d", from, version)
		}
		return nil
	})
	return version, err
}

// Revert drops the whole ledger schema.
func Revert(db *sql.DB, logger log.Logger) error {
	if logger == nil {
		logger = log.Noop
	}
	return withMigrate(db, logger, func(m *migrate.Migrate) error {
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate down: %w", err)
		}
		logger.Infof("ledger schema reverted")
		return nil
	})
}

// withMigrate runs fn against db. The migrate instance is not closed: its
// driver would close db, which the caller owns.
func withMigrate(db *sql.DB, logger log.Logger, fn func(m *migrate.Migrate) error) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("sqlite migration driver: %w", err)
	}
	src, err := iofs.New(schema, "sql")
	if err != nil {
		return fmt.Errorf("embedded schema: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warningf("close schema source error=%v", err)
		}
	}()

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	return fn(m)
}
