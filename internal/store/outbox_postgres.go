package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Compile-time check that PostgresStore implements OutboxRepo.
var _ OutboxRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueReply(ctx context.Context, participantID, channel, body, dedupeKey string) (string, error) {
	id := newOutboxID()
	now := time.Now()
	var existingID string
	// The partial unique index on dedupe_key turns a concurrent duplicate into a no-op insert.
	err := s.db.QueryRowContext(ctx,
		`WITH ins AS (
			INSERT INTO outbox_messages (id, participant_id, channel, body, status, attempts, dedupe_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $6)
			ON CONFLICT DO NOTHING
			RETURNING id
		)
		SELECT id FROM ins
		UNION ALL
		SELECT id FROM outbox_messages WHERE dedupe_key = $5 AND status <> 'sent'
		LIMIT 1`,
		id, participantID, channel, body, nilIfEmpty(dedupeKey), now,
	).Scan(&existingID)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueReply", "id", existingID, "participantID", participantID, "channel", channel)
	return existingID, nil
}

func (s *PostgresStore) ClaimDueReplies(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE outbox_messages SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}
	return msgs, nil
}

func (s *PostgresStore) MarkReplySent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailReply(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	status := string(OutboxStatusQueued)
	var next interface{} = nextAttemptAt
	if nextAttemptAt.IsZero() {
		status = string(OutboxStatusFailed)
		next = nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = $1, attempts = attempts + 1, last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
		status, errMsg, next, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleReplies(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleReplies", "requeued", n)
	}
	return int(n), nil
}
