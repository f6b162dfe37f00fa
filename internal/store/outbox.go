// Package store provides the reply outbox used for restart-safe outbound sends.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// DefaultOutboxMaxAttempts bounds retries before a reply is marked failed.
const DefaultOutboxMaxAttempts = 5

// OutboxMessage is a reply waiting to be delivered to a participant.
type OutboxMessage struct {
	ID            string       `json:"id"`
	ParticipantID string       `json:"participant_id"`
	Channel       string       `json:"channel"`
	Body          string       `json:"body"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	DedupeKey     string       `json:"dedupe_key,omitempty"`
	LockedAt      *time.Time   `json:"locked_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo defines durable persistence for outbound replies.
type OutboxRepo interface {
	// EnqueueReply queues a reply. A non-empty dedupeKey that matches a message not yet
	// sent returns the existing ID instead of queueing a second copy.
	EnqueueReply(ctx context.Context, participantID, channel, body, dedupeKey string) (string, error)

	// ClaimDueReplies marks up to limit due queued replies as sending and returns them.
	ClaimDueReplies(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	// MarkReplySent marks a reply as delivered.
	MarkReplySent(ctx context.Context, id string) error

	// FailReply records a send failure. A zero nextAttemptAt marks the reply failed for good.
	FailReply(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleReplies resets replies stuck in sending since before staleBefore.
	RequeueStaleReplies(ctx context.Context, staleBefore time.Time) (int, error)
}

func newOutboxID() string {
	return "outbox_" + uuid.NewString()
}

// OutboxSendFunc performs the actual transport send for one reply.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due replies and attempts to deliver them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		maxAttempts:    DefaultOutboxMaxAttempts,
	}
}

// RecoverStaleMessages requeues replies stuck in sending state. Call once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleReplies(ctx, time.Now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale replies", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll performs one claim-and-send pass.
func (s *OutboxSender) Poll(ctx context.Context) {
	now := time.Now()
	msgs, err := s.repo.ClaimDueReplies(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return
	}

	for _, msg := range msgs {
		if err := s.sendFunc(ctx, msg); err != nil {
			slog.Error("OutboxSender.Poll: send failed", "id", msg.ID, "participantID", msg.ParticipantID, "attempt", msg.Attempts+1, "error", err)
			var next time.Time
			if msg.Attempts+1 < s.maxAttempts {
				// Exponential backoff: 10s, 20s, 40s, ...
				next = now.Add(time.Duration(10*(1<<msg.Attempts)) * time.Second)
			}
			if err := s.repo.FailReply(ctx, msg.ID, err.Error(), next); err != nil {
				slog.Error("OutboxSender.Poll: fail reply error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkReplySent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.Poll: mark sent error", "id", msg.ID, "error", err)
		}
		slog.Debug("OutboxSender.Poll: reply sent", "id", msg.ID, "participantID", msg.ParticipantID)
	}
}

// Compile-time check that InMemoryStore implements OutboxRepo.
var _ OutboxRepo = (*InMemoryStore)(nil)

func (s *InMemoryStore) EnqueueReply(_ context.Context, participantID, channel, body, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := &OutboxMessage{
		ID: newOutboxID(), ParticipantID: participantID, Channel: channel, Body: body,
		Status: OutboxStatusQueued, DedupeKey: dedupeKey, CreatedAt: now, UpdatedAt: now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueReplies(_ context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkReplySent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("mark outbox sent failed: unknown id %s", id)
	}
	m.Status = OutboxStatusSent
	m.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) FailReply(_ context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("fail outbox message failed: unknown id %s", id)
	}
	m.Attempts++
	m.LastError = errMsg
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	if nextAttemptAt.IsZero() {
		m.Status = OutboxStatusFailed
		m.NextAttemptAt = nil
		return nil
	}
	m.Status = OutboxStatusQueued
	m.NextAttemptAt = &nextAttemptAt
	return nil
}

func (s *InMemoryStore) RequeueStaleReplies(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}
