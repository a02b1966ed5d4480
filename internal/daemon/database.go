package daemon

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/creditgate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditgate/internal/store/migrations"
)

const (
	driverPostgres     = "postgres"
	driverSQLite       = "sqlite"
	sqliteMemoryPath   = ":memory:"
	sqliteBusyPragma   = "_pragma=busy_timeout(5000)"
	defaultSQLitePath  = "creditgate.db"
	sqliteDirectoryMod = 0o755
)

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqliteDSN(sqlitePath)), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if isPostgresURL(dsn) {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLitePath
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Anything else is a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == sqliteMemoryPath {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), sqliteDirectoryMod); err != nil {
			return "", err
		}
		return path, nil
	}
	relative := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(relative), sqliteDirectoryMod); err != nil {
		return "", err
	}
	return relative, nil
}

func sqliteDSN(path string) string {
	if path == sqliteMemoryPath {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&" + sqliteBusyPragma
	}
	return path + "?" + sqliteBusyPragma
}

// prepareSchema creates the sqlite tables in place; postgres runs the embedded migrations when asked to.
func prepareSchema(db *gorm.DB, driver string, databaseURL string, autoMigrate bool) error {
	switch driver {
	case driverSQLite:
		if err := gormstore.AutoMigrate(db); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	case driverPostgres:
		if !autoMigrate {
			return nil
		}
		if err := migrations.Up(databaseURL); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	}
	return nil
}
