// Package store provides storage backends for ConsultPipe conversation contexts.
//
// It includes an in-memory store used by default and in tests, plus SQLite and
// PostgreSQL stores for persistent deployments.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ConsultPipe/internal/models"
)

// ContextStore is the persistence collaborator for conversation contexts.
// GetContext returns (nil, nil) when no context exists for the identifier.
type ContextStore interface {
	GetContext(ctx context.Context, id string) (*models.ConversationContext, error)
	PutContext(ctx context.Context, c *models.ConversationContext) error
	DeleteContext(ctx context.Context, id string) error
	ListContexts(ctx context.Context) ([]models.ConversationContext, error)
	Close() error
}

// Store bundles every persistence concern a ConsultPipe process needs.
type Store interface {
	ContextStore
	DedupRepo
	OutboxRepo
}

// Compile-time checks that each backend provides the full Store.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string (SQLite file path or Postgres URL)
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the DSN for a PostgreSQL store.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the DSN (file path) for an SQLite store.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name for a DSN: "postgres" or "sqlite3".
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// InMemoryStore keeps contexts and dedup records in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]*models.ConversationContext
	inbound  map[string]DedupRecord
	outbox   map[string]*OutboxMessage
}

// Compile-time checks that InMemoryStore implements the store interfaces.
var (
	_ ContextStore = (*InMemoryStore)(nil)
	_ DedupRepo    = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		contexts: make(map[string]*models.ConversationContext),
		inbound:  make(map[string]DedupRecord),
		outbox:   make(map[string]*OutboxMessage),
	}
}

func (s *InMemoryStore) GetContext(_ context.Context, id string) (*models.ConversationContext, error) {
	if id == "" {
		return nil, models.ErrEmptyIdentifier
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *InMemoryStore) PutContext(_ context.Context, c *models.ConversationContext) error {
	if c == nil || c.ID == "" {
		return models.ErrEmptyIdentifier
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[c.ID] = c.Clone()
	return nil
}

func (s *InMemoryStore) DeleteContext(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, id)
	return nil
}

func (s *InMemoryStore) ListContexts(_ context.Context) ([]models.ConversationContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConversationContext, 0, len(s.contexts))
	for _, c := range s.contexts {
		out = append(out, *c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) RecordInbound(_ context.Context, messageID, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, ParticipantID: participantID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return fmt.Errorf("mark processed failed: unknown message %s", messageID)
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

func (s *InMemoryStore) PruneInbound(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(before) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
