// Package postgres manages the PostgreSQL connection pool and schema
// migrations for the platform's stores.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/luminbio/labd/pkg/config"
	"github.com/luminbio/labd/pkg/grants"
	"github.com/luminbio/labd/pkg/overrides"
	"github.com/luminbio/labd/pkg/projects"
	"github.com/luminbio/labd/pkg/resources"
)

// connectTimeout bounds the initial ping
const connectTimeout = 10 * time.Second

// Connect opens and validates the connection pool
func Connect(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Migrate applies every store's migrations in dependency order
func Migrate(ctx context.Context, db *sql.DB) error {
	if err := resources.RunMigrations(ctx, db); err != nil {
		return err
	}
	if err := projects.RunMigrations(ctx, db); err != nil {
		return err
	}
	if err := grants.RunMigrations(ctx, db); err != nil {
		return err
	}
	if err := overrides.RunMigrations(ctx, db); err != nil {
		return err
	}
	return nil
}
