package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ConsultPipe/internal/models"
	"github.com/BTreeMap/ConsultPipe/internal/store"
)

// ContextManager owns load/save of conversation contexts around a turn and the
// per-participant turn lock.
type ContextManager struct {
	store store.ContextStore
	locks *keyedMutex
}

// NewContextManager creates a ContextManager backed by a ContextStore.
func NewContextManager(st store.ContextStore) *ContextManager {
	slog.Debug("Creating ContextManager")
	return &ContextManager{store: st, locks: newKeyedMutex()}
}

// Load returns the participant's context, or a fresh one for a first contact.
// A read failure also yields a fresh context; the error is returned so the caller can
// record it, but the context is always usable.
func (m *ContextManager) Load(ctx context.Context, participantID string) (*models.ConversationContext, error) {
	conv, err := m.store.GetContext(ctx, participantID)
	if err != nil {
		slog.Error("ContextManager.Load: read failed, starting fresh context", "error", err, "participantID", participantID)
		return models.NewConversationContext(participantID), err
	}
	if conv == nil {
		slog.Debug("ContextManager.Load: new participant", "participantID", participantID)
		return models.NewConversationContext(participantID), nil
	}
	conv.Normalize()
	return conv, nil
}

// Save persists the context. Errors are logged and returned but never fatal to a turn.
func (m *ContextManager) Save(ctx context.Context, conv *models.ConversationContext) error {
	conv.UpdatedAt = time.Now()
	if err := m.store.PutContext(ctx, conv); err != nil {
		slog.Error("ContextManager.Save: write failed", "error", err, "participantID", conv.ID)
		return err
	}
	slog.Debug("ContextManager.Save: context saved", "participantID", conv.ID, "state", conv.State)
	return nil
}

// Lock serialises turns of one participant within this process and returns the unlock func.
func (m *ContextManager) Lock(participantID string) func() {
	return m.locks.lock(participantID)
}

// keyedMutex hands out one mutex per key and forgets it once nobody holds or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
