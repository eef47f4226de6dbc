package db

import (
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Config locates the SQLite file and the migration scripts
type Config struct {
	DatabasePath   string
	MigrationsPath string
}

// Open connects to the SQLite database. The pool is capped at one connection:
// the guarded job-state updates rely on SQLite's single-writer serialization.
func Open(cfg Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.DatabasePath, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// RunMigrations applies any pending schema migrations
func RunMigrations(cfg Config) error {
	dbURL := fmt.Sprintf("sqlite://%s", cfg.DatabasePath)
	migrationsURL := fmt.Sprintf("file://%s", cfg.MigrationsPath)

	m, err := migrate.New(migrationsURL, dbURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Println("Database schema is up to date")
	return nil
}
