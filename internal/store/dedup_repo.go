// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"time"
)

// DefaultDedupRetention is how long inbound message IDs are remembered.
const DefaultDedupRetention = 7 * 24 * time.Hour

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID     string     `json:"message_id"`
	ParticipantID string     `json:"participant_id"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

// DedupRepo remembers transport message IDs so webhook redeliveries do not run a turn twice.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, participantID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp once the turn has completed.
	MarkProcessed(ctx context.Context, messageID string) error

	// PruneInbound deletes records received before the cutoff and returns how many went.
	PruneInbound(ctx context.Context, before time.Time) (int, error)
}
