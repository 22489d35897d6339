package database

import (
	"context"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// gooseLogger routes goose output through the service logger
type gooseLogger struct {
	log logger.Logger
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Error(fmt.Sprintf(format, v...))
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Info(fmt.Sprintf(format, v...))
}

func prepareGoose(log logger.Logger) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log: log})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	return nil
}

// Migrate applies all pending migrations
func (db *DB) Migrate(ctx context.Context, log logger.Logger) error {
	if err := prepareGoose(log); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db.DB, migrationsDir); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Rollback reverts the most recent migration
func (db *DB) Rollback(ctx context.Context, log logger.Logger) error {
	if err := prepareGoose(log); err != nil {
		return err
	}
	if err := goose.DownContext(ctx, db.DB, migrationsDir); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// MigrationStatus logs the applied state of every migration
func (db *DB) MigrationStatus(ctx context.Context, log logger.Logger) error {
	if err := prepareGoose(log); err != nil {
		return err
	}
	return goose.StatusContext(ctx, db.DB, migrationsDir)
}

// MigrationVersion returns the current schema version
func (db *DB) MigrationVersion(ctx context.Context) (int64, error) {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, db.DB)
}
