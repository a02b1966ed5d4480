// Package migrations applies the PostgreSQL schema shared by gormstore and pgstore.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	sourceName    = "iofs"
	databaseName  = "postgres"
	migrationsDir = "sql"
)

//go:embed sql/*.sql
var migrationFS embed.FS

// Up applies every pending migration. It is a no-op when the schema is current.
func Up(databaseURL string) error {
	return run(databaseURL, func(migrator *migrate.Migrate) error {
		return migrator.Up()
	})
}

// Down reverts every applied migration.
func Down(databaseURL string) error {
	return run(databaseURL, func(migrator *migrate.Migrate) error {
		return migrator.Down()
	})
}

// Version reports the applied schema version.
func Version(databaseURL string) (uint, bool, error) {
	var version uint
	var dirty bool
	err := run(databaseURL, func(migrator *migrate.Migrate) error {
		var versionErr error
		version, dirty, versionErr = migrator.Version()
		if errors.Is(versionErr, migrate.ErrNilVersion) {
			return nil
		}
		return versionErr
	})
	return version, dirty, err
}

func run(databaseURL string, step func(migrator *migrate.Migrate) error) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("migrations.open: %w", err)
	}
	//nolint:errcheck
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("migrations.ping: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrations.driver: %w", err)
	}
	source, err := iofs.New(migrationFS, migrationsDir)
	if err != nil {
		return fmt.Errorf("migrations.source: %w", err)
	}
	migrator, err := migrate.NewWithInstance(sourceName, source, databaseName, driver)
	if err != nil {
		return fmt.Errorf("migrations.instance: %w", err)
	}
	if err := step(migrator); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations.apply: %w", err)
	}
	return nil
}
