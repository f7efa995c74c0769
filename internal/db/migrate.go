package db

import (
	"embed"
	"errors"
	"fmt"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationSource exposes the embedded schema files.
func MigrationSource() (source.Driver, error) {
	return iofs.New(migrationFiles, "migrations")
}

func newMigrator(database *sqlx.DB) (*migrate.Migrate, error) {
	src, err := MigrationSource()
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(database.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migrate driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", src, "postgres", driver)
}

// Migrate applies every pending up migration. It reports whether anything ran.
func Migrate(database *sqlx.DB) (bool, error) {
	m, err := newMigrator(database)
	if err != nil {
		return false, err
	}
	err = m.Up()
	applied := err == nil
	if errors.Is(err, migrate.ErrNoChange) {
		err = nil
	}
	if err != nil {
		return false, fmt.Errorf("apply migrations: %w", err)
	}
	return applied, nil
}

// Rollback reverts the given number of migrations.
func Rollback(database *sqlx.DB, steps int) error {
	m, err := newMigrator(database)
	if err != nil {
		return err
	}
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migrations: %w", err)
	}
	return nil
}
