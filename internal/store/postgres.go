// Package store provides storage backends for ConsultPipe.
//
// This file implements a PostgreSQL-backed store for conversation contexts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ConsultPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements ContextStore.
var _ ContextStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// PutContext upserts the context for c.ID.
func (s *PostgresStore) PutContext(ctx context.Context, c *models.ConversationContext) error {
	if c == nil || c.ID == "" {
		return models.ErrEmptyIdentifier
	}
	slots, history, err := encodeContextBlobs(c)
	if err != nil {
		slog.Error("PostgresStore PutContext encode failed", "error", err, "participantID", c.ID)
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO conversation_contexts (` + contextColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id)
		DO UPDATE SET
			lang = EXCLUDED.lang,
			name = EXCLUDED.name,
			client_type = EXCLUDED.client_type,
			state = EXCLUDED.state,
			stage = EXCLUDED.stage,
			slots = EXCLUDED.slots,
			history = EXCLUDED.history,
			clarify_count = EXCLUDED.clarify_count,
			turn_count = EXCLUDED.turn_count,
			channel = EXCLUDED.channel,
			updated_at = EXCLUDED.updated_at`
	_, err = s.db.ExecContext(ctx, query, c.ID, nilIfEmpty(c.Lang), nilIfEmpty(c.Name), string(c.ClientType),
		string(c.State), nilIfEmpty(string(c.Stage)), slots, history, c.ClarifyCount, c.TurnCount,
		nilIfEmpty(string(c.Channel)), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore PutContext failed", "error", err, "participantID", c.ID)
		return fmt.Errorf("%w: put context %s: %w", models.ErrPersistenceUnavailable, c.ID, err)
	}
	slog.Debug("PostgresStore PutContext succeeded", "participantID", c.ID, "state", c.State)
	return nil
}

// GetContext retrieves the context for id, or nil when none exists.
func (s *PostgresStore) GetContext(ctx context.Context, id string) (*models.ConversationContext, error) {
	if id == "" {
		return nil, models.ErrEmptyIdentifier
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+contextColumns+` FROM conversation_contexts WHERE id = $1`, id)
	c, err := scanContext(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetContext not found", "participantID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetContext failed", "error", err, "participantID", id)
		return nil, fmt.Errorf("%w: get context %s: %w", models.ErrPersistenceUnavailable, id, err)
	}
	return c, nil
}

// DeleteContext removes the context for id.
func (s *PostgresStore) DeleteContext(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_contexts WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteContext failed", "error", err, "participantID", id)
		return fmt.Errorf("%w: delete context %s: %w", models.ErrPersistenceUnavailable, id, err)
	}
	return nil
}

// ListContexts returns every stored context ordered by identifier.
func (s *PostgresStore) ListContexts(ctx context.Context) ([]models.ConversationContext, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contextColumns+` FROM conversation_contexts ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore ListContexts query failed", "error", err)
		return nil, fmt.Errorf("%w: list contexts: %w", models.ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	var out []models.ConversationContext
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			slog.Error("PostgresStore ListContexts scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan context row: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate context rows: %w", err)
	}
	return out, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
