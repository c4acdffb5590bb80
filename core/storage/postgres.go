package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/wispberry-tech/epic-auth/core"
)

// PostgresStorage is a PostgreSQL implementation of core.Storage.
type PostgresStorage struct {
	*sqlStore
}

var _ core.Storage = (*PostgresStorage)(nil)

// NewPostgresStorage creates a new PostgreSQL storage instance
func NewPostgresStorage(databaseDSN string) (*PostgresStorage, error) {
	config, err := pgx.ParseConfig(databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	db := stdlib.OpenDB(*config)
	s, err := NewPostgresStorageFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStorageFromDB wraps an open pgx-backed *sql.DB and ensures the schema.
func NewPostgresStorageFromDB(db *sql.DB) (*PostgresStorage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	schemaManager := core.NewSchemaManager(db, "postgres")
	if err := schemaManager.EnsureCoreSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure core schema: %w", err)
	}

	return &PostgresStorage{sqlStore: &sqlStore{db: db, dialect: "postgres"}}, nil
}
