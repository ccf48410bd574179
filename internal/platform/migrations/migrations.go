// Package migrations embeds the schema and applies it with golang-migrate.
// Each SQL dialect carries its own migration set.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Apply migrates db to the latest schema version. The handle stays open.
func Apply(ctx context.Context, db *sql.DB, dialect string) error {
	driver, release, err := driverFor(ctx, db, dialect)
	if err != nil {
		return err
	}
	defer release()

	src, err := iofs.New(files, dialect)
	if err != nil {
		return fmt.Errorf("migrations for %q: %w", dialect, err)
	}
	defer src.Close()

	// m.Close is not called: it would close db through the driver.
	m, err := migrate.NewWithInstance("iofs", src, dialect, driver)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		select {
		case m.GracefulStop <- true:
		default:
		}
	})
	defer stop()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Version reports the applied schema version.
func Version(ctx context.Context, db *sql.DB, dialect string) (uint, bool, error) {
	driver, release, err := driverFor(ctx, db, dialect)
	if err != nil {
		return 0, false, err
	}
	defer release()

	version, dirty, err := driver.Version()
	if err != nil {
		return 0, false, err
	}
	if version == database.NilVersion {
		return 0, false, nil
	}
	return uint(version), dirty, nil
}

// driverFor binds a migrate driver to db without handing it ownership of
// the pool. release returns any connection the driver pinned.
func driverFor(ctx context.Context, db *sql.DB, dialect string) (database.Driver, func(), error) {
	switch dialect {
	case "postgres":
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("migration conn: %w", err)
		}
		driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("migration driver: %w", err)
		}
		return driver, func() { conn.Close() }, nil
	case "sqlite":
		driver, err := sqlite.WithInstance(db, &sqlite.Config{})
		if err != nil {
			return nil, nil, fmt.Errorf("migration driver: %w", err)
		}
		return driver, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}
