package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/wispberry-tech/epic-auth/core"
)

// SQLiteStorage is a SQLite implementation of core.Storage.
type SQLiteStorage struct {
	*sqlStore
}

var _ core.Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens the database file at dbPath, creating it if needed.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	s, err := NewSQLiteStorageFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStorageFromDB creates a new SQLite storage from an existing database connection
func NewSQLiteStorageFromDB(db *sql.DB) (*SQLiteStorage, error) {
	// SQLite serializes writers; a single connection also keeps the
	// foreign_keys pragma and in-memory databases alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	schemaManager := core.NewSchemaManager(db, "sqlite")
	if err := schemaManager.EnsureCoreSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure core schema: %w", err)
	}

	return &SQLiteStorage{sqlStore: &sqlStore{db: db, dialect: "sqlite"}}, nil
}

// NewInMemorySQLiteStorage creates a new in-memory SQLite storage instance for testing
func NewInMemorySQLiteStorage() (*SQLiteStorage, error) {
	return NewSQLiteStorage(":memory:")
}
