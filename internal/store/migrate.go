package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrate applies the embedded schema migrations to the database at dsn.
// Already-current schemas are not an error.
func Migrate(dsn string) error {
	if dsn == "" {
		return errors.New("store: migrate: database DSN is not configured")
	}

	sourceDriver, err := iofs.New(MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}
