package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/relay/internal/store/migrations"
	"go.uber.org/zap"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
	Rebuilt bool
}

// appTables lists every object the migrations create, dropped by Rebuild.
var appTables = []string{
	"messages_fts",
	"messages",
	"chats",
	"profiles",
	"media_files",
	"sync_state",
	"schema_migrations",
}

// Migrate runs all pending forward migrations on the database. A failed or
// dirty migration is reported as ErrMigrationFailed.
func (db *DB) Migrate() (*MigrateResult, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: driver: %v", ErrMigrationFailed, err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("%w: instance: %v", ErrMigrationFailed, err)
	}

	if _, dirty, verr := m.Version(); verr == nil && dirty {
		return nil, fmt.Errorf("%w: schema is dirty", ErrMigrationFailed)
	}

	err = m.Up()
	changed := true
	if errors.Is(err, migrate.ErrNoChange) {
		changed = false
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: up: %v", ErrMigrationFailed, err)
	}

	version, dirty, _ := m.Version()
	return &MigrateResult{
		Version: version,
		Dirty:   dirty,
		Changed: changed,
	}, nil
}

// Rebuild drops every app table together with the version marker and
// migrates from scratch. All cached rows are lost; the remote store is
// authoritative and the sync coordinator refills them.
func (db *DB) Rebuild() (*MigrateResult, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	for _, table := range appTables {
		if _, err := db.Exec(`DROP TABLE IF EXISTS ` + table); err != nil {
			return nil, fmt.Errorf("drop %s: %w", table, err)
		}
	}
	result, err := db.Migrate()
	if err != nil {
		return nil, err
	}
	result.Rebuilt = true
	return result, nil
}

// OpenAndMigrate opens the store at path and brings the schema up to date,
// falling back to a full rebuild when migration fails.
func OpenAndMigrate(path string, logger *zap.Logger) (*DB, *MigrateResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	result, err := db.Migrate()
	if errors.Is(err, ErrMigrationFailed) {
		logger.Warn("migration failed, rebuilding store", zap.Error(err), zap.String("path", path))
		result, err = db.Rebuild()
	}
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, result, nil
}
