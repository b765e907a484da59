package database

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// RunMigrations applies the embedded schema migrations through the shared pool.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	schema := pgx.Identifier{registrySchema}.Sanitize()
	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		return fmt.Errorf("create schema %s: %w", registrySchema, err)
	}

	goose.SetBaseFS(embedMigrations)
	goose.SetTableName(registrySchema + ".goose_db_version")
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	log.Info("database migrations applied", zap.String("schema", registrySchema))
	return nil
}
