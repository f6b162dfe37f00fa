// Package store provides storage backends for ConsultPipe.
//
// This file implements an SQLite-backed store for conversation contexts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/ConsultPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements ContextStore.
var _ ContextStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// PutContext stores or replaces the context for c.ID.
func (s *SQLiteStore) PutContext(ctx context.Context, c *models.ConversationContext) error {
	if c == nil || c.ID == "" {
		return models.ErrEmptyIdentifier
	}
	slots, history, err := encodeContextBlobs(c)
	if err != nil {
		slog.Error("SQLiteStore PutContext encode failed", "error", err, "participantID", c.ID)
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	query := `
		INSERT OR REPLACE INTO conversation_contexts (` + contextColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, c.ID, nilIfEmpty(c.Lang), nilIfEmpty(c.Name), string(c.ClientType),
		string(c.State), nilIfEmpty(string(c.Stage)), string(slots), string(history), c.ClarifyCount, c.TurnCount,
		nilIfEmpty(string(c.Channel)), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore PutContext failed", "error", err, "participantID", c.ID)
		return fmt.Errorf("%w: put context %s: %w", models.ErrPersistenceUnavailable, c.ID, err)
	}
	slog.Debug("SQLiteStore PutContext succeeded", "participantID", c.ID, "state", c.State)
	return nil
}

// GetContext retrieves the context for id, or nil when none exists.
func (s *SQLiteStore) GetContext(ctx context.Context, id string) (*models.ConversationContext, error) {
	if id == "" {
		return nil, models.ErrEmptyIdentifier
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+contextColumns+` FROM conversation_contexts WHERE id = ?`, id)
	c, err := scanContext(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetContext not found", "participantID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetContext failed", "error", err, "participantID", id)
		return nil, fmt.Errorf("%w: get context %s: %w", models.ErrPersistenceUnavailable, id, err)
	}
	return c, nil
}

// DeleteContext removes the context for id.
func (s *SQLiteStore) DeleteContext(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_contexts WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteContext failed", "error", err, "participantID", id)
		return fmt.Errorf("%w: delete context %s: %w", models.ErrPersistenceUnavailable, id, err)
	}
	slog.Debug("SQLiteStore DeleteContext succeeded", "participantID", id)
	return nil
}

// ListContexts returns every stored context ordered by identifier.
func (s *SQLiteStore) ListContexts(ctx context.Context) ([]models.ConversationContext, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contextColumns+` FROM conversation_contexts ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore ListContexts query failed", "error", err)
		return nil, fmt.Errorf("%w: list contexts: %w", models.ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	var out []models.ConversationContext
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			slog.Error("SQLiteStore ListContexts scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan context row: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate context rows: %w", err)
	}
	return out, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
